package piece

import (
	"errors"
	"fmt"

	"piecefs/internal/store"
)

var (
	// ErrOutOfRange reports an index, count or size outside the buffer.
	// It is the same value as store.ErrOutOfRange.
	ErrOutOfRange = store.ErrOutOfRange

	// ErrIllegalArgument reports an argument that is in range but unusable.
	ErrIllegalArgument = errors.New("illegal argument")
)

// RangeError describes a rejected index. It matches ErrOutOfRange.
type RangeError struct {
	Op    string
	Index int64
	Count int64
	Size  int64
}

func (e *RangeError) Error() string {
	if e.Count != 0 {
		return fmt.Sprintf("piece: %s: range [%d, %d) out of range for size %d", e.Op, e.Index, e.Index+e.Count, e.Size)
	}
	return fmt.Sprintf("piece: %s: index %d out of range for size %d", e.Op, e.Index, e.Size)
}

func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

func outOfRange(op string, index, count, size int64) error {
	return &RangeError{Op: op, Index: index, Count: count, Size: size}
}

func illegalRange(op string, from, to, available int) error {
	return fmt.Errorf("piece: %s: source range [%d, %d) of %d bytes: %w", op, from, to, available, ErrIllegalArgument)
}
