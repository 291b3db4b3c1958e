package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ToFloat32 decodes n elements of raw tensor storage into float32.
func ToFloat32(dt DType, data []byte, n int) ([]float32, error) {
	need, err := dt.ByteSize(int64(n))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < need {
		return nil, fmt.Errorf("insufficient data for %s tensor: %d < %d", dt, len(data), need)
	}

	out := make([]float32, n)
	switch dt {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case DTypeQ8_0:
		DequantizeQ8_0(out, data)
	default:
		return nil, fmt.Errorf("cannot convert %s to F32", dt)
	}
	return out, nil
}

// Q8_0Block represents a Q8_0 quantization block
// 32 int8 values + 1 float16 scale
type Q8_0Block struct {
	Scale float32
	Qs    [32]int8
}

// ParseQ8_0Block parses a Q8_0 block from bytes
func ParseQ8_0Block(data []byte) Q8_0Block {
	var block Q8_0Block
	if len(data) < 34 {
		return block
	}
	block.Scale = Float16ToFloat32(binary.LittleEndian.Uint16(data[0:2]))
	for i := 0; i < 32; i++ {
		block.Qs[i] = int8(data[2+i])
	}
	return block
}

// DequantizeQ8_0 dequantizes len(dst) elements of Q8_0 data.
func DequantizeQ8_0(dst []float32, data []byte) {
	for start := 0; start < len(dst); start += 32 {
		block := ParseQ8_0Block(data[start/32*34:])
		end := min(start+32, len(dst))
		for i := start; i < end; i++ {
			dst[i] = float32(block.Qs[i-start]) * block.Scale
		}
	}
}

// QuantizeQ8_0 encodes src as Q8_0 blocks. The final block is zero padded.
func QuantizeQ8_0(src []float32) []byte {
	nBlocks := (len(src) + 31) / 32
	out := make([]byte, nBlocks*34)
	for b := 0; b < nBlocks; b++ {
		start := b * 32
		end := min(start+32, len(src))
		amax := float32(0)
		for _, v := range src[start:end] {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		scale := amax / 127
		binary.LittleEndian.PutUint16(out[b*34:], Float32ToFloat16(scale))
		if scale == 0 {
			continue
		}
		for i := start; i < end; i++ {
			q := math.Round(float64(src[i] / scale))
			out[b*34+2+i-start] = byte(int8(max(-127, min(127, q))))
		}
	}
	return out
}

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(f16 uint16) float32 {
	sign := uint32(f16>>15) & 0x1
	exp := uint32(f16>>10) & 0x1F
	mant := uint32(f16) & 0x3FF

	var bits uint32
	switch {
	case exp == 0 && mant == 0:
		bits = sign << 31
	case exp == 0:
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		bits = sign<<31 | e<<23 | mant<<13
	case exp == 0x1F:
		bits = sign<<31 | 0xFF<<23 | mant<<13
	default:
		bits = sign<<31 | (exp-15+127)<<23 | mant<<13
	}
	return math.Float32frombits(bits)
}

// Float32ToFloat16 converts a float32 to half precision bits, rounding to nearest.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case bits&0x7FFFFFFF == 0:
		return sign
	case bits>>23&0xFF == 0xFF:
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}
