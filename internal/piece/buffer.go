package piece

import (
	"iter"
	"slices"

	"piecefs/internal/store"
)

// Buffer is an editable byte sequence described by an ordered list of
// pieces over two stores: the original store it was built over, which is
// never written, and an append-only added store that receives every new
// byte.
//
// The cached size always equals the sum of the piece lengths, and no piece
// in the list is empty. Every method either succeeds or leaves the buffer
// untouched.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	stores []store.Store
	added  *store.Chunked
	pieces []Piece
	size   int64
}

// New returns a buffer whose content is the whole of original.
func New(original store.Store) *Buffer {
	added := store.NewChunked()
	b := &Buffer{
		stores: []store.Store{Added: added, Original: original},
		added:  added,
	}
	if n := original.Size(); n > 0 {
		b.pieces = []Piece{{src: Original, start: 0, length: n}}
		b.size = n
	}
	return b
}

// Size returns the logical length of the buffer.
func (b *Buffer) Size() int64 {
	return b.size
}

// Len returns the number of pieces.
func (b *Buffer) Len() int {
	return len(b.pieces)
}

// Store resolves a source handle. It returns nil for Gap.
func (b *Buffer) Store(src Source) store.Store {
	if src < 0 || int(src) >= len(b.stores) {
		return nil
	}
	return b.stores[src]
}

// Pieces yields the current pieces in logical order. The sequence can be
// ranged over any number of times; each pass sees the pieces as they were
// when it started. Mutating the buffer during a pass is not allowed.
func (b *Buffer) Pieces() iter.Seq[Piece] {
	return func(yield func(Piece) bool) {
		for _, p := range b.pieces {
			if !yield(p) {
				return
			}
		}
	}
}

// locate finds the piece holding logical index and the offset inside it.
// index == Size resolves to (Len, 0).
func (b *Buffer) locate(index int64) (int, int64, error) {
	if index < 0 || index > b.size {
		return 0, 0, outOfRange("locate", index, 0, b.size)
	}
	for i, p := range b.pieces {
		if index < p.length {
			return i, index, nil
		}
		index -= p.length
	}
	return len(b.pieces), 0, nil
}

// splice replaces n pieces starting at i with the non-empty pieces of with.
func (b *Buffer) splice(i, n int, with ...Piece) {
	kept := make([]Piece, 0, len(with))
	for _, p := range with {
		if p.length > 0 {
			kept = append(kept, p)
		}
	}
	b.pieces = slices.Replace(b.pieces, i, i+n, kept...)
}

// isTail reports whether p is an added piece ending at the added store's
// write cursor, so that appending to the store extends it.
func (b *Buffer) isTail(p Piece) bool {
	return p.src == Added && p.end() == b.added.Size()
}

// Get returns the byte at index. Gap bytes read as zero.
func (b *Buffer) Get(index int64) (byte, error) {
	if index < 0 || index >= b.size {
		return 0, outOfRange("get", index, 0, b.size)
	}
	i, r, err := b.locate(index)
	if err != nil {
		return 0, err
	}
	p := b.pieces[i]
	if p.IsGap() {
		return 0, nil
	}
	return b.stores[p.src].Byte(p.start + r)
}

// Add appends v at the end of the buffer.
func (b *Buffer) Add(v byte) error {
	b.appendRun([]byte{v})
	return nil
}

// appendRun adds data at the logical end, growing the last piece when it is
// the most recently appended added piece.
func (b *Buffer) appendRun(data []byte) {
	n := len(b.pieces)
	extend := n > 0 && b.isTail(b.pieces[n-1])
	off := b.added.Append(data)
	if extend {
		b.pieces[n-1].length += int64(len(data))
	} else {
		b.pieces = append(b.pieces, Piece{src: Added, start: off, length: int64(len(data))})
	}
	b.size += int64(len(data))
}

// Put overwrites the byte at index. Writing at index == Size appends.
//
// Bytes held by the added store are overwritten in place. Any other piece is
// split around index and the new byte goes to the added store.
func (b *Buffer) Put(index int64, v byte) error {
	if index == b.size {
		return b.Add(v)
	}
	if index < 0 || index > b.size {
		return outOfRange("put", index, 0, b.size)
	}
	i, r, err := b.locate(index)
	if err != nil {
		return err
	}

	p := b.pieces[i]
	if p.src == Added {
		return b.added.PutByte(p.start+r, v)
	}

	off := b.added.Append([]byte{v})
	b.splice(i, 1,
		p.slice(0, r),
		Piece{src: Added, start: off, length: 1},
		p.slice(r+1, p.length),
	)
	return nil
}

// Insert places v before the byte at index, shifting the rest of the buffer
// right by one. Inserting at index == Size appends.
func (b *Buffer) Insert(index int64, v byte) error {
	return b.InsertBytes(index, []byte{v})
}

// InsertBytes places data before the byte at index as a single added piece.
func (b *Buffer) InsertBytes(index int64, data []byte) error {
	if index < 0 || index > b.size {
		return outOfRange("insert", index, 0, b.size)
	}
	if len(data) == 0 {
		return nil
	}
	if index == b.size {
		b.appendRun(data)
		return nil
	}

	i, r, err := b.locate(index)
	if err != nil {
		return err
	}
	p := b.pieces[i]
	off := b.added.Append(data)
	b.splice(i, 1,
		p.slice(0, r),
		Piece{src: Added, start: off, length: int64(len(data))},
		p.slice(r, p.length),
	)
	b.size += int64(len(data))
	return nil
}

// InsertRange places src[from:to] before the byte at index. The index is
// checked first; a cut range outside src is an illegal argument.
func (b *Buffer) InsertRange(index int64, src []byte, from, to int) error {
	if index < 0 || index > b.size {
		return outOfRange("insert", index, int64(to-from), b.size)
	}
	if from < 0 || to < from || to > len(src) {
		return illegalRange("insert", from, to, len(src))
	}
	return b.InsertBytes(index, src[from:to])
}

// Remove deletes count bytes starting at index.
func (b *Buffer) Remove(index, count int64) error {
	if index < 0 || count < 0 || index > b.size || count > b.size-index {
		return outOfRange("remove", index, count, b.size)
	}
	if count == 0 {
		return nil
	}

	si, sr, err := b.locate(index)
	if err != nil {
		return err
	}
	ei, er, err := b.locate(index + count)
	if err != nil {
		return err
	}

	var keep []Piece
	start := b.pieces[si]
	keep = append(keep, start.slice(0, sr))
	end := ei
	if ei < len(b.pieces) {
		last := b.pieces[ei]
		keep = append(keep, last.slice(er, last.length))
		end = ei + 1
	}
	b.splice(si, end-si, keep...)
	b.size -= count
	return nil
}

// RemoveByte deletes the byte at index.
func (b *Buffer) RemoveByte(index int64) error {
	if index < 0 || index >= b.size {
		return outOfRange("remove", index, 1, b.size)
	}
	return b.Remove(index, 1)
}

// SetSize grows the buffer by appending one gap piece, or cuts bytes off
// its end.
func (b *Buffer) SetSize(n int64) error {
	switch {
	case n < 0:
		return outOfRange("resize", n, 0, b.size)
	case n == b.size:
		return nil
	case n < b.size:
		return b.Remove(n, b.size-n)
	}

	b.pieces = append(b.pieces, Piece{src: Gap, length: n - b.size})
	b.size = n
	return nil
}

// Overwrite writes data starting at index. Writing past the end grows the
// buffer, with gap bytes between the old end and index. A run that falls
// entirely inside one added piece is written in place; otherwise the covered
// range is replaced by a single new added piece.
func (b *Buffer) Overwrite(index int64, data []byte) error {
	if index < 0 {
		return outOfRange("overwrite", index, int64(len(data)), b.size)
	}
	n := int64(len(data))
	if n == 0 {
		return nil
	}

	if index < b.size {
		i, r, err := b.locate(index)
		if err != nil {
			return err
		}
		if p := b.pieces[i]; p.src == Added && r+n <= p.length {
			_, err := b.added.WriteAt(data, p.start+r)
			return err
		}
	} else if index > b.size {
		if err := b.SetSize(index); err != nil {
			return err
		}
	}

	if err := b.Remove(index, min(n, b.size-index)); err != nil {
		return err
	}
	return b.InsertBytes(index, data)
}

// Release drops the added store. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	b.added.Release()
	b.pieces = nil
	b.size = 0
}
