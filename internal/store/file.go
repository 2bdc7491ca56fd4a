package store

import (
	"fmt"
	"os"
)

// File is a Store over an open *os.File using positioned reads and writes.
// The capacity is fixed when the store is created.
type File struct {
	codec
	f    *os.File
	size int64
}

var _ Store = (*File)(nil)

// OpenFile opens path read-write and captures its current size.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	s := &File{f: f, size: info.Size()}
	s.codec = newCodec(s)
	return s, nil
}

func (s *File) Size() int64 {
	return s.size
}

func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *File) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), s.size); err != nil {
		return 0, err
	}
	return s.f.WriteAt(p, off)
}

// Clear zeroes the file contents without changing its size.
func (s *File) Clear() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	return s.f.Truncate(s.size)
}

func (s *File) Close() error {
	return s.f.Close()
}
