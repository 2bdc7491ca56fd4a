package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryScalarsRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			m := NewMemory(make([]byte, 16))
			m.SetOrder(order)

			if err := m.PutUint16(0, 0xBEEF); err != nil {
				t.Fatalf("PutUint16: %v", err)
			}
			if err := m.PutUint32(2, 0xDEADBEEF); err != nil {
				t.Fatalf("PutUint32: %v", err)
			}
			if err := m.PutFloat64(8, 3.5); err != nil {
				t.Fatalf("PutFloat64: %v", err)
			}

			if v, err := m.Uint16(0); err != nil || v != 0xBEEF {
				t.Fatalf("Uint16 = %#x, %v", v, err)
			}
			if v, err := m.Uint32(2); err != nil || v != 0xDEADBEEF {
				t.Fatalf("Uint32 = %#x, %v", v, err)
			}
			if v, err := m.Float64(8); err != nil || v != 3.5 {
				t.Fatalf("Float64 = %v, %v", v, err)
			}
		})
	}
}

func TestMemoryByteOrderLayout(t *testing.T) {
	m := NewMemory(make([]byte, 4))
	if err := m.PutUint32(0, 0x01020304); err != nil {
		t.Fatal(err)
	}
	if got := m.data; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("big endian layout = %v", got)
	}

	m.SetOrder(binary.LittleEndian)
	if err := m.PutUint32(0, 0x01020304); err != nil {
		t.Fatal(err)
	}
	if got := m.data; !bytes.Equal(got, []byte{4, 3, 2, 1}) {
		t.Fatalf("little endian layout = %v", got)
	}
}

func TestMemoryOutOfRange(t *testing.T) {
	m := NewMemory([]byte("DATA"))

	tests := []struct {
		name string
		fn   func() error
	}{
		{"negative byte", func() error { _, err := m.Byte(-1); return err }},
		{"byte at size", func() error { _, err := m.Byte(4); return err }},
		{"uint32 straddling end", func() error { _, err := m.Uint32(1); return err }},
		{"uint64 too wide", func() error { _, err := m.Uint64(0); return err }},
		{"bytes past end", func() error { _, err := m.Bytes(2, 3); return err }},
		{"negative count", func() error { _, err := m.Bytes(0, -1); return err }},
		{"put past end", func() error { return m.PutByte(4, 'x') }},
		{"put16 straddling end", func() error { return m.PutUint16(3, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("expected ErrOutOfRange, got %v", err)
			}
		})
	}

	if got := string(m.data); got != "DATA" {
		t.Fatalf("failed operations modified the store: %q", got)
	}
}

func TestMemoryClear(t *testing.T) {
	m := NewMemory([]byte("DATA"))
	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	all, err := m.AllBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(all, make([]byte, 4)) {
		t.Fatalf("expected zeroed store, got %v", all)
	}
	if m.Size() != 4 {
		t.Fatalf("Clear changed the capacity to %d", m.Size())
	}
}

func TestParseOrder(t *testing.T) {
	tests := []struct {
		input string
		want  binary.ByteOrder
	}{
		{"", binary.BigEndian},
		{"big", binary.BigEndian},
		{"little", binary.LittleEndian},
		{"le", binary.LittleEndian},
		{"native", binary.NativeEndian},
	}
	for _, tt := range tests {
		got, err := ParseOrder(tt.input)
		if err != nil || got != tt.want {
			t.Errorf("ParseOrder(%q) = %v, %v", tt.input, got, err)
		}
	}
	if _, err := ParseOrder("middle"); err == nil {
		t.Error("expected error for unknown order")
	}
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestMappedReadsAndWrites(t *testing.T) {
	path := writeTemp(t, []byte("hello, mapped"))

	m, err := MapFile(path)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	defer m.Close()

	if m.Size() != 13 {
		t.Fatalf("unexpected size %d", m.Size())
	}
	got, err := m.Bytes(7, 6)
	if err != nil || string(got) != "mapped" {
		t.Fatalf("Bytes = %q, %v", got, err)
	}

	if err := m.PutByte(0, 'H'); err != nil {
		t.Fatalf("PutByte: %v", err)
	}
	if b, err := m.Byte(0); err != nil || b != 'H' {
		t.Fatalf("write not visible through map: %q, %v", b, err)
	}
	if _, err := m.Byte(13); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != "Hello, mapped" {
		t.Fatalf("unexpected file content %q", onDisk)
	}
}

func TestMappedEmptyFile(t *testing.T) {
	m, err := MapFile(writeTemp(t, nil))
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	defer m.Close()

	if m.Size() != 0 {
		t.Fatalf("unexpected size %d", m.Size())
	}
	all, err := m.AllBytes()
	if err != nil || len(all) != 0 {
		t.Fatalf("AllBytes = %v, %v", all, err)
	}
	if _, err := m.Byte(0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	path := writeTemp(t, []byte{0, 0, 0, 42, 'x'})

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	if v, err := s.Uint32(0); err != nil || v != 42 {
		t.Fatalf("Uint32 = %d, %v", v, err)
	}
	s.SetOrder(binary.LittleEndian)
	if err := s.PutUint16(0, 7); err != nil {
		t.Fatal(err)
	}
	if b, err := s.Byte(0); err != nil || b != 7 {
		t.Fatalf("Byte = %d, %v", b, err)
	}
	if err := s.PutUint16(4, 7); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	all, err := s.AllBytes()
	if err != nil || !bytes.Equal(all, make([]byte, 5)) {
		t.Fatalf("AllBytes after Clear = %v, %v", all, err)
	}
}

func TestChunkedAppendKeepsOffsets(t *testing.T) {
	c := NewChunked()
	first := bytes.Repeat([]byte{'a'}, ChunkSize-2)
	if off := c.Append(first); off != 0 {
		t.Fatalf("first offset = %d", off)
	}
	if off := c.Append([]byte("bcde")); off != ChunkSize-2 {
		t.Fatalf("second offset = %d", off)
	}
	if c.Size() != ChunkSize+2 {
		t.Fatalf("size = %d", c.Size())
	}

	got, err := c.Bytes(ChunkSize-3, 5)
	if err != nil || string(got) != "abcde" {
		t.Fatalf("Bytes across chunks = %q, %v", got, err)
	}

	// A scalar straddling the chunk boundary.
	if err := c.PutUint32(ChunkSize-2, 0x01020304); err != nil {
		t.Fatal(err)
	}
	if v, err := c.Uint32(ChunkSize - 2); err != nil || v != 0x01020304 {
		t.Fatalf("Uint32 = %#x, %v", v, err)
	}
}

func TestChunkedWriteAtNeverGrows(t *testing.T) {
	c := NewChunked()
	c.Append([]byte("abc"))
	if _, err := c.WriteAt([]byte("xy"), 2); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := c.PutByte(3, 'z'); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := c.WriteAt([]byte("X"), 1); err != nil {
		t.Fatal(err)
	}
	if all, _ := c.AllBytes(); string(all) != "aXc" {
		t.Fatalf("content = %q", all)
	}
}

func TestChunkedReleaseAndClear(t *testing.T) {
	c := NewChunked()
	c.Append([]byte("abc"))
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if all, _ := c.AllBytes(); !bytes.Equal(all, make([]byte, 3)) {
		t.Fatalf("content after Clear = %q", all)
	}
	c.Release()
	if c.Size() != 0 {
		t.Fatalf("size after Release = %d", c.Size())
	}
	if off := c.Append([]byte("d")); off != 0 {
		t.Fatalf("offset after Release = %d", off)
	}
}
