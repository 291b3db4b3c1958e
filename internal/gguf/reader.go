package gguf

import (
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/exp/mmap"
)

// Reader provides read access to a GGUF file via memory mapping
type Reader struct {
	path     string
	mmap     *mmap.ReaderAt
	data     []byte
	header   Header
	metadata map[string]Metadata
	keys     []string
	tensors  map[string]*TensorDesc
	order    []string
	dataOff  int64 // offset where tensor data begins
}

// TensorDesc describes a tensor with its location in the mapped file.
// Shape follows GGUF order: Shape[0] is the innermost (contiguous) dimension.
type TensorDesc struct {
	Name   string
	DType  DType
	Shape  []int
	Offset int64 // relative to the data section
	Size   int64 // size in bytes
}

// NumElements returns the product of the shape.
func (d *TensorDesc) NumElements() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Open opens a GGUF file and memory-maps it
func Open(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	data := make([]byte, info.Size())
	if _, err := m.ReadAt(data, 0); err != nil {
		m.Close()
		return nil, fmt.Errorf("read mmap: %w", err)
	}

	r := newReader(path, data)
	r.mmap = m
	if err := r.parse(); err != nil {
		r.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return r, nil
}

// OpenBytes parses a GGUF image held in memory.
func OpenBytes(data []byte) (*Reader, error) {
	r := newReader("", data)
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func newReader(path string, data []byte) *Reader {
	return &Reader{
		path:     path,
		data:     data,
		metadata: make(map[string]Metadata),
		tensors:  make(map[string]*TensorDesc),
	}
}

// Close releases the mapping.
func (r *Reader) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := r.mmap.Close()
	r.mmap = nil
	return err
}

// Path returns the file the reader was opened from ("" for in-memory images).
func (r *Reader) Path() string {
	return r.path
}

type cursor struct {
	data []byte
	off  int
}

func (c *cursor) need(n int) error {
	if n < 0 || c.off+n > len(c.data) {
		return fmt.Errorf("truncated file at offset %d (need %d bytes)", c.off, n)
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := byteOrder.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := byteOrder.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := byteOrder.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if n > uint64(len(c.data)) {
		return "", fmt.Errorf("string length %d exceeds file size", n)
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+int(n)])
	c.off += int(n)
	return s, nil
}

// parse reads the GGUF header, metadata, and tensor info
func (r *Reader) parse() error {
	c := &cursor{data: r.data}

	var err error
	if r.header.Magic, err = c.u32(); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if r.header.Magic != GGUFMagic {
		return fmt.Errorf("invalid magic: 0x%08x", r.header.Magic)
	}
	if r.header.Version, err = c.u32(); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if r.header.Version != GGUFVersion {
		return fmt.Errorf("unsupported version: %d", r.header.Version)
	}
	if r.header.TensorCount, err = c.u64(); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if r.header.MetadataKVSize, err = c.u64(); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	for i := uint64(0); i < r.header.MetadataKVSize; i++ {
		key, err := c.str()
		if err != nil {
			return fmt.Errorf("read metadata %d: %w", i, err)
		}
		typ, err := c.u32()
		if err != nil {
			return fmt.Errorf("read metadata %q: %w", key, err)
		}
		val, err := readValue(c, MetadataValueType(typ))
		if err != nil {
			return fmt.Errorf("read metadata %q: %w", key, err)
		}
		r.metadata[key] = Metadata{Key: key, Type: MetadataValueType(typ), Value: val}
		r.keys = append(r.keys, key)
	}

	for i := uint64(0); i < r.header.TensorCount; i++ {
		desc, err := readTensorInfo(c)
		if err != nil {
			return fmt.Errorf("read tensor info %d: %w", i, err)
		}
		r.tensors[desc.Name] = desc
		r.order = append(r.order, desc.Name)
	}

	alignment := int64(DefaultAlignment)
	if v, err := r.Uint32(KeyAlignment); err == nil && v > 0 {
		alignment = int64(v)
	}
	r.dataOff = align(int64(c.off), alignment)

	for _, name := range r.order {
		desc := r.tensors[name]
		if r.dataOff+desc.Offset+desc.Size > int64(len(r.data)) {
			return fmt.Errorf("tensor %s data out of bounds", name)
		}
	}
	return nil
}

// readValue reads a metadata value
func readValue(c *cursor, typ MetadataValueType) (interface{}, error) {
	switch typ {
	case MetadataUint8:
		return c.u8()
	case MetadataInt8:
		v, err := c.u8()
		return int8(v), err
	case MetadataUint16:
		return c.u16()
	case MetadataInt16:
		v, err := c.u16()
		return int16(v), err
	case MetadataUint32:
		return c.u32()
	case MetadataInt32:
		v, err := c.u32()
		return int32(v), err
	case MetadataFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case MetadataUint64:
		return c.u64()
	case MetadataInt64:
		v, err := c.u64()
		return int64(v), err
	case MetadataFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case MetadataBool:
		v, err := c.u8()
		return v != 0, err
	case MetadataString:
		return c.str()
	case MetadataArray:
		elemType, err := c.u32()
		if err != nil {
			return nil, err
		}
		n, err := c.u64()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(c.data)) {
			return nil, fmt.Errorf("array length %d exceeds file size", n)
		}
		arr := make([]interface{}, n)
		for i := range arr {
			if arr[i], err = readValue(c, MetadataValueType(elemType)); err != nil {
				return nil, err
			}
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown metadata type: %d", typ)
	}
}

func readTensorInfo(c *cursor) (*TensorDesc, error) {
	name, err := c.str()
	if err != nil {
		return nil, err
	}
	ndim, err := c.u32()
	if err != nil {
		return nil, err
	}
	if ndim > 4 {
		return nil, fmt.Errorf("tensor %s: %d dimensions", name, ndim)
	}
	shape := make([]int, ndim)
	elems := int64(1)
	for i := range shape {
		d, err := c.u64()
		if err != nil {
			return nil, err
		}
		shape[i] = int(d)
		elems *= int64(d)
	}
	dt, err := c.u32()
	if err != nil {
		return nil, err
	}
	off, err := c.u64()
	if err != nil {
		return nil, err
	}
	size, err := DType(dt).ByteSize(elems)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &TensorDesc{Name: name, DType: DType(dt), Shape: shape, Offset: int64(off), Size: size}, nil
}

// GetMetadata returns metadata value by key
func (r *Reader) GetMetadata(key string) (interface{}, bool) {
	md, ok := r.metadata[key]
	if !ok {
		return nil, false
	}
	return md.Value, true
}

// MetadataKeys returns all keys in file order.
func (r *Reader) MetadataKeys() []string {
	return append([]string(nil), r.keys...)
}

// String returns a string metadata value.
func (r *Reader) String(key string) (string, error) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return "", fmt.Errorf("%w: metadata %s", ErrNotFound, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metadata %s is %T, not string", key, v)
	}
	return s, nil
}

// Uint32 returns an integer metadata value, accepting any integer encoding.
func (r *Reader) Uint32(key string) (uint32, error) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, fmt.Errorf("%w: metadata %s", ErrNotFound, key)
	}
	switch n := v.(type) {
	case uint8:
		return uint32(n), nil
	case uint16:
		return uint32(n), nil
	case uint32:
		return n, nil
	case uint64:
		return uint32(n), nil
	case int8:
		return uint32(n), nil
	case int16:
		return uint32(n), nil
	case int32:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("metadata %s is %T, not an integer", key, v)
	}
}

// Float32 returns a float metadata value.
func (r *Reader) Float32(key string) (float32, error) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, fmt.Errorf("%w: metadata %s", ErrNotFound, key)
	}
	switch f := v.(type) {
	case float32:
		return f, nil
	case float64:
		return float32(f), nil
	default:
		return 0, fmt.Errorf("metadata %s is %T, not a float", key, v)
	}
}

// GetTensor returns tensor descriptor by name
func (r *Reader) GetTensor(name string) (*TensorDesc, bool) {
	desc, ok := r.tensors[name]
	return desc, ok
}

// ListTensors returns all tensor names in file order.
func (r *Reader) ListTensors() []string {
	return append([]string(nil), r.order...)
}

// SortedTensors returns all tensor names sorted lexically.
func (r *Reader) SortedTensors() []string {
	names := r.ListTensors()
	sort.Strings(names)
	return names
}

// GetTensorData returns a view of the tensor data as a byte slice
func (r *Reader) GetTensorData(name string) ([]byte, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: tensor %s", ErrNotFound, name)
	}
	offset := r.dataOff + desc.Offset
	return r.data[offset : offset+desc.Size], nil
}

// TensorFloat32 returns a freshly allocated float32 copy of the tensor,
// dequantizing F16 and Q8_0 storage.
func (r *Reader) TensorFloat32(name string) ([]float32, *TensorDesc, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: tensor %s", ErrNotFound, name)
	}
	data, err := r.GetTensorData(name)
	if err != nil {
		return nil, nil, err
	}
	out, err := ToFloat32(desc.DType, data, desc.NumElements())
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, desc, nil
}

// Header returns the GGUF header
func (r *Reader) Header() Header {
	return r.header
}
