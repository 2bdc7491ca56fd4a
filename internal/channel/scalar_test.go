package channel

import (
	"encoding/binary"
	"errors"
	"testing"

	"piecefs/internal/piece"
	"piecefs/internal/store"
)

func TestScalarsFollowOrder(t *testing.T) {
	c := open("\x01\x02\x03\x04", &recordingSink{})
	if c.Order() != binary.BigEndian {
		t.Fatalf("unexpected default order %v", c.Order())
	}

	v, err := c.Uint32At(0)
	if err != nil || v != 0x01020304 {
		t.Fatalf("Uint32At big endian = %#x, %v", v, err)
	}

	c.SetOrder(binary.LittleEndian)
	v, err = c.Uint32At(0)
	if err != nil || v != 0x04030201 {
		t.Fatalf("Uint32At little endian = %#x, %v", v, err)
	}
	u16, err := c.Uint16At(2)
	if err != nil || u16 != 0x0403 {
		t.Fatalf("Uint16At = %#x, %v", u16, err)
	}
}

func TestScalarSpanningPieces(t *testing.T) {
	c := open("\x00\x00\x00\x00", &recordingSink{})
	if err := c.Insert(2, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	v, err := c.Uint32At(1)
	if err != nil || v != 0x00ff0000 {
		t.Fatalf("Uint32At across pieces = %#x, %v", v, err)
	}
}

func TestPutAndInsertScalars(t *testing.T) {
	sink := &recordingSink{}
	c := open("ab", sink)
	c.SetOrder(binary.LittleEndian)

	if err := c.PutUint16At(1, 0x4443); err != nil {
		t.Fatal(err)
	}
	if err := c.InsertUint32(0, 0x31323334); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFloat64At(7, 1.5); err != nil {
		t.Fatal(err)
	}
	f, err := c.Float64At(7)
	if err != nil || f != 1.5 {
		t.Fatalf("Float64At = %v, %v", f, err)
	}
	if err := c.InsertFloat32(0, -2); err != nil {
		t.Fatal(err)
	}
	f32, err := c.Float32At(0)
	if err != nil || f32 != -2 {
		t.Fatalf("Float32At = %v, %v", f32, err)
	}
	if _, err := c.Pop(0, 4); err != nil {
		t.Fatal(err)
	}

	got, err := c.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:7]) != "4321aCD" {
		t.Fatalf("content = %q", got)
	}
	if len(got) != 15 {
		t.Fatalf("size = %d", len(got))
	}
	u64, err := c.Uint64At(7)
	if err != nil || u64 != 0x3ff8000000000000 {
		t.Fatalf("Uint64At = %#x, %v", u64, err)
	}
	if !c.Dirty() {
		t.Fatal("scalar writes did not mark the channel dirty")
	}
}

func TestScalarOutOfRange(t *testing.T) {
	c := open("abc", &recordingSink{})
	if _, err := c.Uint32At(0); !errors.Is(err, piece.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := c.Uint16At(-1); !errors.Is(err, piece.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := c.InsertUint16(4, 1); !errors.Is(err, piece.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := c.Pop(2, 2); !errors.Is(err, piece.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if c.Dirty() {
		t.Fatal("failed calls made the channel dirty")
	}
}

func TestPop(t *testing.T) {
	c := open("hello world", &recordingSink{})
	got, err := c.Pop(5, 6)
	if err != nil || string(got) != " world" {
		t.Fatalf("Pop = %q, %v", got, err)
	}
	if size, _ := c.Size(); size != 5 {
		t.Fatalf("size after pop = %d", size)
	}
}

func TestInsertRangeRejectsBadCut(t *testing.T) {
	c := open("ad", &recordingSink{})
	if err := c.InsertRange(1, []byte("bc"), 0, 3); !errors.Is(err, piece.ErrIllegalArgument) {
		t.Fatalf("expected ErrIllegalArgument, got %v", err)
	}
	if c.Dirty() {
		t.Fatal("rejected insert made the channel dirty")
	}
	if err := c.InsertRange(1, []byte("xbcx"), 1, 3); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Snapshot()
	if string(got) != "abcd" {
		t.Fatalf("content = %q", got)
	}
}

func TestScalarsOnClosedChannel(t *testing.T) {
	c := Open(store.NewMemory([]byte("abcd")), &recordingSink{})
	if err := c.Discard(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Uint32At(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.PutUint32At(0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Pop(0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.InsertRange(0, []byte("x"), 0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
