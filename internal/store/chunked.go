package store

import "io"

// ChunkSize is the allocation unit of a Chunked store.
const ChunkSize = 64 << 10

// Chunked is an append-only Store made of fixed-size chunks. Appending never
// moves bytes that were already written, so every offset returned by Append
// stays valid for the lifetime of the store. Bytes below Size may be
// overwritten in place.
type Chunked struct {
	codec
	chunks [][]byte
	size   int64
}

var _ Store = (*Chunked)(nil)

func NewChunked() *Chunked {
	c := &Chunked{}
	c.codec = newCodec(c)
	return c
}

// Size is the number of bytes appended so far.
func (c *Chunked) Size() int64 {
	return c.size
}

// Append copies p to the end of the store and returns the offset of its
// first byte.
func (c *Chunked) Append(p []byte) int64 {
	off := c.size
	for len(p) > 0 {
		if c.size == int64(len(c.chunks))*ChunkSize {
			c.chunks = append(c.chunks, make([]byte, ChunkSize))
		}
		chunk := c.chunks[c.size/ChunkSize]
		n := copy(chunk[c.size%ChunkSize:], p)
		p = p[n:]
		c.size += int64(n)
	}
	return off
}

func (c *Chunked) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= c.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < c.size {
		chunk := c.chunks[off/ChunkSize]
		end := min(int64(ChunkSize), c.size-off/ChunkSize*ChunkSize)
		m := copy(p[n:], chunk[off%ChunkSize:end])
		n += m
		off += int64(m)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt overwrites already appended bytes. It never grows the store.
func (c *Chunked) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), c.size); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		m := copy(c.chunks[off/ChunkSize][off%ChunkSize:], p[n:])
		n += m
		off += int64(m)
	}
	return n, nil
}

// Clear zeroes the appended bytes. Offsets stay valid.
func (c *Chunked) Clear() error {
	for _, chunk := range c.chunks {
		clear(chunk)
	}
	return nil
}

// Release drops every chunk. The store is empty afterwards.
func (c *Chunked) Release() {
	c.chunks = nil
	c.size = 0
}
