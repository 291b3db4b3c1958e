package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// Token cache layout, little-endian:
//
//	magic "FTTK" | version u32 | maxLength u32 | count u32 | padID i32 | reserved u32
//	lengths [count]u32
//	ids     [count*maxLength]i32
const (
	cacheMagic      = "FTTK"
	cacheVersion    = 1
	cacheHeaderSize = 24
)

var byteOrder = binary.LittleEndian

// WriteCache stores right-padded examples of equal length. The file is written
// to a temporary name and renamed into place.
func WriteCache(path string, examples []Example, padID int) error {
	maxLength := 0
	if len(examples) > 0 {
		maxLength = len(examples[0].InputIDs)
	}
	for i, ex := range examples {
		if len(ex.InputIDs) != maxLength || len(ex.AttentionMask) != maxLength {
			return fmt.Errorf("example %d has length %d, want %d", i, len(ex.InputIDs), maxLength)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	hdr := make([]byte, cacheHeaderSize)
	copy(hdr, cacheMagic)
	byteOrder.PutUint32(hdr[4:], cacheVersion)
	byteOrder.PutUint32(hdr[8:], uint32(maxLength))
	byteOrder.PutUint32(hdr[12:], uint32(len(examples)))
	byteOrder.PutUint32(hdr[16:], uint32(int32(padID)))
	w.Write(hdr)

	var buf [4]byte
	for _, ex := range examples {
		byteOrder.PutUint32(buf[:], uint32(ex.Len()))
		w.Write(buf[:])
	}
	for _, ex := range examples {
		for _, id := range ex.InputIDs {
			byteOrder.PutUint32(buf[:], uint32(int32(id)))
			w.Write(buf[:])
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Cache is a read-only memory-mapped token cache.
type Cache struct {
	f         *os.File
	m         mmap.MMap
	maxLength int
	count     int
	padID     int
	lengths   []byte
	ids       []byte
}

// OpenCache maps a file written by WriteCache.
func OpenCache(path string) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	c := &Cache{f: f, m: m}
	if err := c.parse(); err != nil {
		c.Close()
		return nil, fmt.Errorf("token cache %s: %w", path, err)
	}
	return c, nil
}

func (c *Cache) parse() error {
	if len(c.m) < cacheHeaderSize || string(c.m[:4]) != cacheMagic {
		return errors.New("bad magic")
	}
	if v := byteOrder.Uint32(c.m[4:]); v != cacheVersion {
		return fmt.Errorf("unsupported version %d", v)
	}
	c.maxLength = int(byteOrder.Uint32(c.m[8:]))
	c.count = int(byteOrder.Uint32(c.m[12:]))
	c.padID = int(int32(byteOrder.Uint32(c.m[16:])))

	lenEnd := cacheHeaderSize + 4*c.count
	idsEnd := lenEnd + 4*c.count*c.maxLength
	if len(c.m) != idsEnd {
		return fmt.Errorf("size %d, want %d", len(c.m), idsEnd)
	}
	c.lengths = c.m[cacheHeaderSize:lenEnd]
	c.ids = c.m[lenEnd:idsEnd]
	return nil
}

// Len returns the number of examples.
func (c *Cache) Len() int { return c.count }

// MaxLength returns the sequence length of every example.
func (c *Cache) MaxLength() int { return c.maxLength }

// Example decodes example i into freshly allocated slices.
func (c *Cache) Example(i int) Example {
	if i < 0 || i >= c.count {
		panic(fmt.Sprintf("dataset: cache index %d out of range [0,%d)", i, c.count))
	}
	n := int(byteOrder.Uint32(c.lengths[4*i:]))
	ids := make([]int, c.maxLength)
	row := c.ids[4*i*c.maxLength:]
	for j := range ids {
		ids[j] = int(int32(byteOrder.Uint32(row[4*j:])))
	}
	return pad(ids, n, c.maxLength, c.padID)
}

// Close unmaps the file.
func (c *Cache) Close() error {
	var err error
	if c.m != nil {
		err = c.m.Unmap()
		c.m = nil
	}
	if c.f != nil {
		if cerr := c.f.Close(); err == nil {
			err = cerr
		}
		c.f = nil
	}
	return err
}
