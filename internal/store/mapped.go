//go:build darwin || linux

package store

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// Mapped is a Store over a file. Reads go through a read-only shared memory
// map; writes use pwrite and become visible through the map. The capacity is
// the file size at open time.
//
// Mapped is not safe for concurrent writes.
type Mapped struct {
	codec
	fd   int
	data []byte
	size int64
}

var _ Store = (*Mapped)(nil)

// MapFile opens and maps the file at path.
func MapFile(path string) (*Mapped, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}

	m := &Mapped{fd: fd, size: stat.Size}
	m.codec = newCodec(m)

	// mmap rejects zero-length mappings.
	if stat.Size == 0 {
		return m, nil
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	m.data = data
	return m, nil
}

func (m *Mapped) Size() int64 {
	return m.size
}

func (m *Mapped) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}

	// A failing disk surfaces as SIGBUS on the mapping.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading mapped store at offset %d: %v", off, r)
		}
	}()

	n = copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), m.size); err != nil {
		return 0, err
	}

	total := 0
	for len(p) > 0 {
		written, err := unix.Pwrite(m.fd, p, off)
		total += written
		if err != nil {
			return total, fmt.Errorf("pwrite at offset %d: %w", off, err)
		}
		p = p[written:]
		off += int64(written)
	}
	return total, nil
}

// Clear zeroes the mapped range.
func (m *Mapped) Clear() error {
	const chunk = 64 << 10
	zero := make([]byte, chunk)
	for off := int64(0); off < m.size; off += chunk {
		n := min(int64(chunk), m.size-off)
		if _, err := m.WriteAt(zero[:n], off); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the file and closes its descriptor.
func (m *Mapped) Close() error {
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			firstErr = fmt.Errorf("unmapping store: %w", err)
		}
		m.data = nil
	}
	if m.fd >= 0 {
		if err := unix.Close(m.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store fd: %w", err)
		}
		m.fd = -1
	}
	return firstErr
}
