// Package gguf reads and writes GGUF checkpoint files: the base model consumed by
// fine-tuning and the LoRA adapters it produces.
package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GGUF format constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3

	// DefaultAlignment is used when general.alignment is absent.
	DefaultAlignment = 32
)

// Well-known metadata keys.
const (
	KeyArchitecture = "general.architecture"
	KeyName         = "general.name"
	KeyType         = "general.type"
	KeyAlignment    = "general.alignment"

	KeyTokens       = "tokenizer.ggml.tokens"
	KeyScores       = "tokenizer.ggml.scores"
	KeyTokenType    = "tokenizer.ggml.token_type"
	KeyBOSID        = "tokenizer.ggml.bos_token_id"
	KeyEOSID        = "tokenizer.ggml.eos_token_id"
	KeyUnknownID    = "tokenizer.ggml.unknown_token_id"
	KeyPaddingID    = "tokenizer.ggml.padding_token_id"
	KeyAddBOS       = "tokenizer.ggml.add_bos_token"
	KeyAddEOS       = "tokenizer.ggml.add_eos_token"
	KeyTokenizerLib = "tokenizer.ggml.model"
)

// ErrNotFound is returned when a metadata key or tensor is missing.
var ErrNotFound = errors.New("gguf: not found")

// DType represents tensor data types in GGUF
type DType uint32

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeQ8_0 DType = 8
	DTypeI8   DType = 16
	DTypeI16  DType = 17
	DTypeI32  DType = 18
	DTypeF64  DType = 20
)

var dtypeNames = map[DType]string{
	DTypeF32:  "F32",
	DTypeF16:  "F16",
	DTypeQ8_0: "Q8_0",
	DTypeI8:   "I8",
	DTypeI16:  "I16",
	DTypeI32:  "I32",
	DTypeF64:  "F64",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(d))
}

// BlockSize returns the size in bytes of one storage block.
func (d DType) BlockSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeI16:
		return 2
	case DTypeQ8_0:
		return 34 // 32 x int8 + f16 scale
	case DTypeI8:
		return 1
	case DTypeF64:
		return 8
	default:
		return 0
	}
}

// ElementsPerBlock returns the number of elements stored in one block.
func (d DType) ElementsPerBlock() int {
	switch d {
	case DTypeQ8_0:
		return 32
	case DTypeF32, DTypeF16, DTypeI8, DTypeI16, DTypeI32, DTypeF64:
		return 1
	default:
		return 0
	}
}

// ByteSize returns the number of bytes needed for n elements.
func (d DType) ByteSize(n int64) (int64, error) {
	bs, epb := int64(d.BlockSize()), int64(d.ElementsPerBlock())
	if bs == 0 || epb == 0 {
		return 0, fmt.Errorf("gguf: unsupported dtype %s", d)
	}
	return (n + epb - 1) / epb * bs, nil
}

// MetadataValueType represents the type of a metadata value
type MetadataValueType uint32

const (
	MetadataUint8   MetadataValueType = 0
	MetadataInt8    MetadataValueType = 1
	MetadataUint16  MetadataValueType = 2
	MetadataInt16   MetadataValueType = 3
	MetadataUint32  MetadataValueType = 4
	MetadataInt32   MetadataValueType = 5
	MetadataFloat32 MetadataValueType = 6
	MetadataBool    MetadataValueType = 7
	MetadataString  MetadataValueType = 8
	MetadataArray   MetadataValueType = 9
	MetadataUint64  MetadataValueType = 10
	MetadataInt64   MetadataValueType = 11
	MetadataFloat64 MetadataValueType = 12
)

// Header is the GGUF file header
type Header struct {
	Magic          uint32
	Version        uint32
	TensorCount    uint64
	MetadataKVSize uint64
}

// Metadata represents a key-value pair from GGUF metadata
type Metadata struct {
	Key   string
	Type  MetadataValueType
	Value interface{}
}

var byteOrder = binary.LittleEndian

// align rounds up to the nearest multiple of alignment
func align(offset, alignment int64) int64 {
	return (offset + alignment - 1) / alignment * alignment
}
