package channel

import (
	"encoding/binary"
	"fmt"

	"piecefs/internal/piece"
	"piecefs/internal/store"
)

// Order returns the byte order used by the scalar accessors. It starts as
// the order of the source store.
func (c *Channel) Order() binary.ByteOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

// SetOrder changes the byte order of the scalar accessors and of the source
// store.
func (c *Channel) SetOrder(order binary.ByteOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = order
	c.src.SetOrder(order)
}

// scratchLocked returns a store in the channel's order over raw. Scalars are
// encoded and decoded through it, so they may span several pieces.
func (c *Channel) scratchLocked(raw []byte) *store.Memory {
	m := store.NewMemory(raw)
	m.SetOrder(c.order)
	return m
}

// peekLocked loads the width bytes at off into a scratch store.
func (c *Channel) peekLocked(op string, off int64, width int) (*store.Memory, error) {
	if c.closed {
		return nil, ErrClosed
	}
	size := c.buf.Size()
	if off < 0 || off > size-int64(width) {
		return nil, &piece.RangeError{Op: op, Index: off, Count: int64(width), Size: size}
	}
	raw := make([]byte, width)
	if _, err := c.buf.ReadAt(raw, off); err != nil {
		return nil, err
	}
	return c.scratchLocked(raw), nil
}

func (c *Channel) peek(op string, off int64, width int, decode func(*store.Memory) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.peekLocked(op, off, width)
	if err != nil {
		return err
	}
	return decode(m)
}

// push encodes a scalar and either overwrites the bytes at off or inserts
// them before off.
func (c *Channel) push(off int64, width int, insert bool, encode func(*store.Memory) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	raw := make([]byte, width)
	if err := encode(c.scratchLocked(raw)); err != nil {
		return err
	}
	var err error
	if insert {
		err = c.buf.InsertBytes(off, raw)
	} else {
		err = c.buf.Overwrite(off, raw)
	}
	if err != nil {
		return err
	}
	c.dirty = true
	return nil
}

func (c *Channel) Uint16At(off int64) (v uint16, err error) {
	err = c.peek("uint16", off, 2, func(m *store.Memory) (err error) {
		v, err = m.Uint16(0)
		return err
	})
	return v, err
}

func (c *Channel) Uint32At(off int64) (v uint32, err error) {
	err = c.peek("uint32", off, 4, func(m *store.Memory) (err error) {
		v, err = m.Uint32(0)
		return err
	})
	return v, err
}

func (c *Channel) Uint64At(off int64) (v uint64, err error) {
	err = c.peek("uint64", off, 8, func(m *store.Memory) (err error) {
		v, err = m.Uint64(0)
		return err
	})
	return v, err
}

func (c *Channel) Float32At(off int64) (v float32, err error) {
	err = c.peek("float32", off, 4, func(m *store.Memory) (err error) {
		v, err = m.Float32(0)
		return err
	})
	return v, err
}

func (c *Channel) Float64At(off int64) (v float64, err error) {
	err = c.peek("float64", off, 8, func(m *store.Memory) (err error) {
		v, err = m.Float64(0)
		return err
	})
	return v, err
}

// PutUint16At overwrites the two bytes at off. Like WriteAt, writing past
// the end grows the channel.
func (c *Channel) PutUint16At(off int64, v uint16) error {
	return c.push(off, 2, false, func(m *store.Memory) error { return m.PutUint16(0, v) })
}

func (c *Channel) PutUint32At(off int64, v uint32) error {
	return c.push(off, 4, false, func(m *store.Memory) error { return m.PutUint32(0, v) })
}

func (c *Channel) PutUint64At(off int64, v uint64) error {
	return c.push(off, 8, false, func(m *store.Memory) error { return m.PutUint64(0, v) })
}

func (c *Channel) PutFloat32At(off int64, v float32) error {
	return c.push(off, 4, false, func(m *store.Memory) error { return m.PutFloat32(0, v) })
}

func (c *Channel) PutFloat64At(off int64, v float64) error {
	return c.push(off, 8, false, func(m *store.Memory) error { return m.PutFloat64(0, v) })
}

// InsertUint16 places v before the byte at off.
func (c *Channel) InsertUint16(off int64, v uint16) error {
	return c.push(off, 2, true, func(m *store.Memory) error { return m.PutUint16(0, v) })
}

func (c *Channel) InsertUint32(off int64, v uint32) error {
	return c.push(off, 4, true, func(m *store.Memory) error { return m.PutUint32(0, v) })
}

func (c *Channel) InsertUint64(off int64, v uint64) error {
	return c.push(off, 8, true, func(m *store.Memory) error { return m.PutUint64(0, v) })
}

func (c *Channel) InsertFloat32(off int64, v float32) error {
	return c.push(off, 4, true, func(m *store.Memory) error { return m.PutFloat32(0, v) })
}

func (c *Channel) InsertFloat64(off int64, v float64) error {
	return c.push(off, 8, true, func(m *store.Memory) error { return m.PutFloat64(0, v) })
}

// Pop returns the n bytes at off and removes them.
func (c *Channel) Pop(off, n int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	size := c.buf.Size()
	if off < 0 || n < 0 || off > size || n > size-off {
		return nil, &piece.RangeError{Op: "pop", Index: off, Count: n, Size: size}
	}
	out := make([]byte, n)
	if _, err := c.buf.ReadAt(out, off); err != nil {
		return nil, fmt.Errorf("%s: pop: %w", c.name, err)
	}
	if err := c.buf.Remove(off, n); err != nil {
		return nil, err
	}
	if n > 0 {
		c.dirty = true
	}
	return out, nil
}

// InsertRange places src[from:to] before the byte at off. A cut range that
// src cannot supply matches piece.ErrIllegalArgument.
func (c *Channel) InsertRange(off int64, src []byte, from, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.buf.InsertRange(off, src, from, to); err != nil {
		return err
	}
	if to > from {
		c.dirty = true
	}
	return nil
}
