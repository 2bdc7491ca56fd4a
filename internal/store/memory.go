package store

import "io"

// Memory is a Store over a byte slice. The slice is used in place.
type Memory struct {
	codec
	data []byte
}

var _ Store = (*Memory)(nil)

// NewMemory wraps data without copying it.
func NewMemory(data []byte) *Memory {
	m := &Memory{data: data}
	m.codec = newCodec(m)
	return m
}

func (m *Memory) Size() int64 {
	return int64(len(m.data))
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), m.Size()); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Clear zeroes the contents; the capacity is unchanged.
func (m *Memory) Clear() error {
	clear(m.data)
	return nil
}
