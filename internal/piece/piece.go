package piece

import "fmt"

// Source identifies the store a piece refers to. It is a handle into the
// owning Buffer's store table, never the store itself.
type Source int32

const (
	// Gap marks unmaterialized space created by growing a buffer. Gap
	// bytes read as zero.
	Gap Source = -1
	// Added is the buffer's own append-only store.
	Added Source = 0
	// Original is the store the buffer was constructed over.
	Original Source = 1
)

func (s Source) String() string {
	switch s {
	case Gap:
		return "gap"
	case Added:
		return "added"
	case Original:
		return "original"
	}
	return fmt.Sprintf("source(%d)", int32(s))
}

// Piece names a contiguous range [Start, Start+Len) of one store, or a run
// of gap bytes. Pieces are values and never change once built.
type Piece struct {
	src    Source
	start  int64
	length int64
}

func (p Piece) Source() Source { return p.src }
func (p Piece) Start() int64   { return p.start }
func (p Piece) Len() int64     { return p.length }
func (p Piece) IsGap() bool    { return p.src == Gap }

func (p Piece) String() string {
	if p.IsGap() {
		return fmt.Sprintf("gap[%d]", p.length)
	}
	return fmt.Sprintf("%s[%d:%d]", p.src, p.start, p.start+p.length)
}

// slice returns the sub-piece covering [from, to) relative to p.
func (p Piece) slice(from, to int64) Piece {
	s := Piece{src: p.src, length: to - from}
	if p.src != Gap {
		s.start = p.start + from
	}
	return s
}

// end is the store offset one past the last byte of p.
func (p Piece) end() int64 {
	return p.start + p.length
}
