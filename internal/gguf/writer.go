package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Writer assembles a GGUF image. Metadata and tensors are emitted in insertion order.
type Writer struct {
	metadata []Metadata
	tensors  []pendingTensor
	seen     map[string]bool
}

type pendingTensor struct {
	name  string
	dtype DType
	shape []int
	data  []byte
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{seen: make(map[string]bool)}
}

// SetString adds a string metadata value.
func (w *Writer) SetString(key, v string) { w.set(key, MetadataString, v) }

// SetUint32 adds a uint32 metadata value.
func (w *Writer) SetUint32(key string, v uint32) { w.set(key, MetadataUint32, v) }

// SetFloat32 adds a float32 metadata value.
func (w *Writer) SetFloat32(key string, v float32) { w.set(key, MetadataFloat32, v) }

// SetBool adds a bool metadata value.
func (w *Writer) SetBool(key string, v bool) { w.set(key, MetadataBool, v) }

// SetStrings adds a string array.
func (w *Writer) SetStrings(key string, v []string) { w.set(key, MetadataArray, v) }

// SetFloat32s adds a float32 array.
func (w *Writer) SetFloat32s(key string, v []float32) { w.set(key, MetadataArray, v) }

// SetInt32s adds an int32 array.
func (w *Writer) SetInt32s(key string, v []int32) { w.set(key, MetadataArray, v) }

func (w *Writer) set(key string, typ MetadataValueType, v interface{}) {
	for i := range w.metadata {
		if w.metadata[i].Key == key {
			w.metadata[i] = Metadata{Key: key, Type: typ, Value: v}
			return
		}
	}
	w.metadata = append(w.metadata, Metadata{Key: key, Type: typ, Value: v})
}

// AddFloat32 adds a tensor. shape is in GGUF order (innermost first).
func (w *Writer) AddFloat32(name string, shape []int, data []float32) error {
	return w.AddTensor(name, DTypeF32, shape, data)
}

// AddTensor adds a tensor stored with the given dtype (F32, F16 or Q8_0).
func (w *Writer) AddTensor(name string, dt DType, shape []int, data []float32) error {
	if w.seen[name] {
		return fmt.Errorf("gguf: duplicate tensor %s", name)
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		return fmt.Errorf("gguf: tensor %s has %d elements, shape %v wants %d", name, len(data), shape, n)
	}

	var raw []byte
	switch dt {
	case DTypeF32:
		raw = make([]byte, 4*n)
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		raw = make([]byte, 2*n)
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[i*2:], Float32ToFloat16(v))
		}
	case DTypeQ8_0:
		raw = QuantizeQ8_0(data)
	default:
		return fmt.Errorf("gguf: cannot write %s tensors", dt)
	}

	w.seen[name] = true
	w.tensors = append(w.tensors, pendingTensor{name: name, dtype: dt, shape: append([]int(nil), shape...), data: raw})
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WriteTo serialises the image.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	ew := &errWriter{w: cw}

	ew.u32(GGUFMagic)
	ew.u32(GGUFVersion)
	ew.u64(uint64(len(w.tensors)))
	ew.u64(uint64(len(w.metadata)))
	for _, md := range w.metadata {
		ew.str(md.Key)
		ew.value(md.Type, md.Value)
	}

	offset := int64(0)
	for _, t := range w.tensors {
		ew.str(t.name)
		ew.u32(uint32(len(t.shape)))
		for _, d := range t.shape {
			ew.u64(uint64(d))
		}
		ew.u32(uint32(t.dtype))
		ew.u64(uint64(offset))
		offset = align(offset+int64(len(t.data)), DefaultAlignment)
	}
	if ew.err != nil {
		return cw.n, ew.err
	}

	ew.pad(cw.n)
	base := cw.n
	for _, t := range w.tensors {
		ew.bytes(t.data)
		ew.pad(cw.n - base)
	}
	return cw.n, ew.err
}

// WriteFile writes the image to path atomically.
func (w *Writer) WriteFile(path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if _, err = w.WriteTo(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type errWriter struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *errWriter) bytes(p []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(p)
	}
}

func (e *errWriter) u8(v uint8) { e.buf[0] = v; e.bytes(e.buf[:1]) }

func (e *errWriter) u32(v uint32) { byteOrder.PutUint32(e.buf[:4], v); e.bytes(e.buf[:4]) }

func (e *errWriter) u64(v uint64) { byteOrder.PutUint64(e.buf[:8], v); e.bytes(e.buf[:8]) }

func (e *errWriter) str(s string) {
	e.u64(uint64(len(s)))
	e.bytes([]byte(s))
}

func (e *errWriter) pad(n int64) {
	if rem := align(n, DefaultAlignment) - n; rem > 0 {
		e.bytes(make([]byte, rem))
	}
}

func (e *errWriter) value(typ MetadataValueType, v interface{}) {
	e.u32(uint32(typ))
	switch typ {
	case MetadataString:
		e.str(v.(string))
	case MetadataUint32:
		e.u32(v.(uint32))
	case MetadataFloat32:
		e.u32(math.Float32bits(v.(float32)))
	case MetadataBool:
		if v.(bool) {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case MetadataArray:
		switch arr := v.(type) {
		case []string:
			e.u32(uint32(MetadataString))
			e.u64(uint64(len(arr)))
			for _, s := range arr {
				e.str(s)
			}
		case []float32:
			e.u32(uint32(MetadataFloat32))
			e.u64(uint64(len(arr)))
			for _, f := range arr {
				e.u32(math.Float32bits(f))
			}
		case []int32:
			e.u32(uint32(MetadataInt32))
			e.u64(uint64(len(arr)))
			for _, n := range arr {
				e.u32(uint32(n))
			}
		default:
			e.fail(fmt.Errorf("gguf: unsupported array %T", v))
		}
	default:
		e.fail(fmt.Errorf("gguf: unsupported metadata type %d", typ))
	}
}

func (e *errWriter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
