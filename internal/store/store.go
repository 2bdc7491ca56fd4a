// Package store defines the random-access byte stores that piece buffers are
// built over, together with in-memory, memory-mapped and file-backed
// implementations.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrOutOfRange is returned by every operation whose offset or length falls
// outside the store's capacity.
var ErrOutOfRange = errors.New("offset out of range")

// Store is a fixed-capacity, randomly addressable source of bytes.
// Scalars are encoded with the store's byte order.
type Store interface {
	Size() int64
	Order() binary.ByteOrder
	SetOrder(order binary.ByteOrder)

	Byte(off int64) (byte, error)
	Uint16(off int64) (uint16, error)
	Uint32(off int64) (uint32, error)
	Uint64(off int64) (uint64, error)
	Float32(off int64) (float32, error)
	Float64(off int64) (float64, error)
	Bytes(off int64, n int) ([]byte, error)
	AllBytes() ([]byte, error)

	PutByte(off int64, v byte) error
	PutUint16(off int64, v uint16) error
	PutUint32(off int64, v uint32) error
	PutUint64(off int64, v uint64) error
	PutFloat32(off int64, v float32) error
	PutFloat64(off int64, v float64) error

	Clear() error
}

// raw is the primitive access an implementation provides; codec layers the
// Store scalar methods on top of it.
type raw interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// codec implements the scalar half of Store over a raw region.
type codec struct {
	r     raw
	order binary.ByteOrder
}

func newCodec(r raw) codec {
	return codec{r: r, order: binary.BigEndian}
}

func (c *codec) Order() binary.ByteOrder { return c.order }

func (c *codec) SetOrder(order binary.ByteOrder) {
	if order == nil {
		order = binary.BigEndian
	}
	c.order = order
}

// Check reports whether [off, off+n) lies inside a store of the given size.
func Check(off, n, size int64) error {
	if off < 0 || n < 0 || off > size || n > size-off {
		return fmt.Errorf("%w: offset %d, length %d, size %d", ErrOutOfRange, off, n, size)
	}
	return nil
}

func (c *codec) read(p []byte, off int64) error {
	if err := Check(off, int64(len(p)), c.r.Size()); err != nil {
		return err
	}
	n, err := c.r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at %d: %w", len(p), off, err)
}

func (c *codec) write(p []byte, off int64) error {
	if err := Check(off, int64(len(p)), c.r.Size()); err != nil {
		return err
	}
	if _, err := c.r.WriteAt(p, off); err != nil {
		return fmt.Errorf("write %d bytes at %d: %w", len(p), off, err)
	}
	return nil
}

func (c *codec) Byte(off int64) (byte, error) {
	var b [1]byte
	if err := c.read(b[:], off); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *codec) Uint16(off int64) (uint16, error) {
	var b [2]byte
	if err := c.read(b[:], off); err != nil {
		return 0, err
	}
	return c.order.Uint16(b[:]), nil
}

func (c *codec) Uint32(off int64) (uint32, error) {
	var b [4]byte
	if err := c.read(b[:], off); err != nil {
		return 0, err
	}
	return c.order.Uint32(b[:]), nil
}

func (c *codec) Uint64(off int64) (uint64, error) {
	var b [8]byte
	if err := c.read(b[:], off); err != nil {
		return 0, err
	}
	return c.order.Uint64(b[:]), nil
}

func (c *codec) Float32(off int64) (float32, error) {
	v, err := c.Uint32(off)
	return math.Float32frombits(v), err
}

func (c *codec) Float64(off int64) (float64, error) {
	v, err := c.Uint64(off)
	return math.Float64frombits(v), err
}

func (c *codec) Bytes(off int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrOutOfRange, n)
	}
	p := make([]byte, n)
	if err := c.read(p, off); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *codec) AllBytes() ([]byte, error) {
	return c.Bytes(0, int(c.r.Size()))
}

func (c *codec) PutByte(off int64, v byte) error {
	return c.write([]byte{v}, off)
}

func (c *codec) PutUint16(off int64, v uint16) error {
	var b [2]byte
	c.order.PutUint16(b[:], v)
	return c.write(b[:], off)
}

func (c *codec) PutUint32(off int64, v uint32) error {
	var b [4]byte
	c.order.PutUint32(b[:], v)
	return c.write(b[:], off)
}

func (c *codec) PutUint64(off int64, v uint64) error {
	var b [8]byte
	c.order.PutUint64(b[:], v)
	return c.write(b[:], off)
}

func (c *codec) PutFloat32(off int64, v float32) error {
	return c.PutUint32(off, math.Float32bits(v))
}

func (c *codec) PutFloat64(off int64, v float64) error {
	return c.PutUint64(off, math.Float64bits(v))
}

// ParseOrder maps "big", "little" and "native" to a byte order.
func ParseOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "big", "be", "":
		return binary.BigEndian, nil
	case "little", "le":
		return binary.LittleEndian, nil
	case "native":
		return binary.NativeEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}
