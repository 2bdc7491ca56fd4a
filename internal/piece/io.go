package piece

import (
	"io"
)

// copyChunk bounds the scratch buffer WriteTo uses per piece.
const copyChunk = 64 << 10

// Select returns n bytes of p starting at from, relative to the piece. A gap
// piece yields zeros and never touches a store.
func (b *Buffer) Select(p Piece, from, n int64) ([]byte, error) {
	if from < 0 || n < 0 || from > p.length || n > p.length-from {
		return nil, outOfRange("select", from, n, p.length)
	}
	dst := make([]byte, n)
	if err := b.readPiece(p, from, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// readPiece fills dst from p starting at the relative offset from. The
// caller guarantees the range lies inside p.
func (b *Buffer) readPiece(p Piece, from int64, dst []byte) error {
	if p.IsGap() {
		clear(dst)
		return nil
	}
	s := b.Store(p.src)
	if ra, ok := s.(io.ReaderAt); ok {
		n, err := ra.ReadAt(dst, p.start+from)
		if n == len(dst) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	data, err := s.Bytes(p.start+from, len(dst))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadAt implements io.ReaderAt over the logical content.
func (b *Buffer) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, outOfRange("read", off, int64(len(dst)), b.size)
	}
	if off >= b.size {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	i, r, err := b.locate(off)
	if err != nil {
		return 0, err
	}
	n := 0
	for ; i < len(b.pieces) && n < len(dst); i++ {
		p := b.pieces[i]
		m := min(int64(len(dst)-n), p.length-r)
		if err := b.readPiece(p, r, dst[n:n+int(m)]); err != nil {
			return n, err
		}
		n += int(m)
		r = 0
	}
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteTo writes the logical content to w, piece by piece.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	scratch := make([]byte, min(copyChunk, b.size))
	var total int64
	for p := range b.Pieces() {
		for from := int64(0); from < p.length; {
			chunk := scratch[:min(int64(len(scratch)), p.length-from)]
			if err := b.readPiece(p, from, chunk); err != nil {
				return total, err
			}
			n, err := w.Write(chunk)
			total += int64(n)
			if err != nil {
				return total, err
			}
			from += int64(n)
		}
	}
	return total, nil
}

// Bytes returns a copy of the whole logical content.
func (b *Buffer) Bytes() ([]byte, error) {
	dst := make([]byte, b.size)
	if _, err := b.ReadAt(dst, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return dst, nil
}
