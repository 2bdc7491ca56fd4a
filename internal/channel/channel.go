// Package channel exposes a piece buffer as a random-access file whose
// content is committed to a Sink on Flush.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"

	"piecefs/internal/logging"
	"piecefs/internal/piece"
	"piecefs/internal/retry"
	"piecefs/internal/store"
)

var (
	// ErrClosed is returned by every call on a closed channel.
	ErrClosed = errors.New("channel: closed")

	// ErrRelease reports that the channel closed but its source store
	// failed to close. The content was already committed.
	ErrRelease = errors.New("channel: release source")
)

// Sink receives the full content of a channel on flush.
type Sink interface {
	// Commit replaces the destination with exactly size bytes read from r.
	Commit(ctx context.Context, r io.Reader, size int64) error
}

type SinkFunc func(ctx context.Context, r io.Reader, size int64) error

func (f SinkFunc) Commit(ctx context.Context, r io.Reader, size int64) error {
	return f(ctx, r, size)
}

type Option func(*Channel)

// WithRetry sets the policy used when a commit fails.
func WithRetry(cfg retry.Config) Option {
	return func(c *Channel) { c.retry = cfg }
}

// WithName labels log lines and errors, usually with the destination path.
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

// WithDirty opens the channel already dirty, so that the first flush
// commits even if nothing is edited. Used for files that do not exist at
// the destination yet.
func WithDirty() Option {
	return func(c *Channel) { c.dirty = true }
}

// Channel is a file-like view over a piece buffer. All methods are safe for
// concurrent use; a mutex serializes them so a flush never observes a
// half-applied edit.
type Channel struct {
	mu     sync.Mutex
	name   string
	src    store.Store
	buf    *piece.Buffer
	sink   Sink
	retry  retry.Config
	order  binary.ByteOrder
	dirty  bool
	closed bool

	// digest and size of the content last committed to sink
	digest        [32]byte
	committedSize int64
	committed     bool
}

var (
	_ io.ReaderAt = (*Channel)(nil)
	_ io.WriterAt = (*Channel)(nil)
)

// Open builds a channel whose initial content is src. The channel takes
// ownership of src and closes it on Close if it is an io.Closer.
func Open(src store.Store, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		name:  "channel",
		src:   src,
		buf:   piece.New(src),
		sink:  sink,
		retry: retry.DefaultConfig(),
		order: src.Order(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.buf.Size(), nil
}

func (c *Channel) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.buf.ReadAt(p, off)
}

// WriteAt overwrites len(p) bytes at off. Writing past the end grows the
// channel; the bytes between the old end and off read as zero.
func (c *Channel) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.buf.Overwrite(off, p); err != nil {
		return 0, err
	}
	if len(p) > 0 {
		c.dirty = true
	}
	return len(p), nil
}

// Insert places p before the byte at off, shifting the rest right.
func (c *Channel) Insert(off int64, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.buf.InsertBytes(off, p); err != nil {
		return err
	}
	if len(p) > 0 {
		c.dirty = true
	}
	return nil
}

// Remove deletes n bytes at off, shifting the rest left.
func (c *Channel) Remove(off, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.buf.Remove(off, n); err != nil {
		return err
	}
	if n > 0 {
		c.dirty = true
	}
	return nil
}

func (c *Channel) Truncate(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if size == c.buf.Size() {
		return nil
	}
	if err := c.buf.SetSize(size); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// Closed reports whether Close or Discard released the channel.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dirty reports whether the channel holds edits that were not flushed.
func (c *Channel) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Flush commits the current content to the sink. A clean channel, or one
// whose content matches the last commit, is not committed again.
func (c *Channel) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.flushLocked(ctx)
}

func (c *Channel) flushLocked(ctx context.Context) error {
	if !c.dirty {
		return nil
	}

	size := c.buf.Size()
	// Content of another length cannot match the last commit, so only an
	// equal size is worth hashing up front.
	if c.committed && size == c.committedSize {
		sum, err := c.sumLocked()
		if err != nil {
			return fmt.Errorf("%s: hash content: %w", c.name, err)
		}
		if sum == c.digest {
			logging.Debugf("%s: content unchanged since last commit, skipping flush", c.name)
			c.dirty = false
			return nil
		}
	}

	var sum [32]byte
	err := retry.Do(ctx, c.retry, c.name, func(ctx context.Context) error {
		var err error
		sum, err = c.commitLocked(ctx, size)
		return err
	})
	if err != nil {
		logging.Warnf("%s: flush failed: %v", c.name, err)
		return err
	}

	logging.Debugf("%s: committed %d bytes in %d pieces", c.name, size, c.buf.Len())
	c.digest = sum
	c.committedSize = size
	c.committed = true
	c.dirty = false
	return nil
}

func (c *Channel) sumLocked() ([32]byte, error) {
	var sum [32]byte
	h := blake3.New()
	if _, err := c.buf.WriteTo(h); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// commitLocked streams the pieces to the sink through a pipe and returns
// the digest of what was streamed. It does not return before the producing
// goroutine is done with the buffer.
func (c *Channel) commitLocked(ctx context.Context, size int64) ([32]byte, error) {
	var sum [32]byte
	h := blake3.New()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := c.buf.WriteTo(io.MultiWriter(pw, h))
		pw.CloseWithError(err)
		done <- err
	}()

	err := c.sink.Commit(ctx, pr, size)
	// Unblocks the producer if the sink stopped reading early.
	pr.CloseWithError(errSinkDone)
	werr := <-done

	if err != nil {
		return sum, err
	}
	if werr != nil && !errors.Is(werr, errSinkDone) {
		return sum, retry.Permanent(fmt.Errorf("read pieces: %w", werr))
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

var errSinkDone = errors.New("sink done")

// Close flushes pending edits and releases the buffer and its source. If
// the flush fails the channel stays open and the error is returned, so no
// edit is lost. A failure to close the source matches ErrRelease; the
// channel is closed either way.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.flushLocked(ctx); err != nil {
		return err
	}
	return c.releaseLocked()
}

// Discard closes the channel without flushing.
func (c *Channel) Discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.releaseLocked()
}

func (c *Channel) releaseLocked() error {
	c.closed = true
	c.dirty = false
	c.buf.Release()
	if closer, ok := c.src.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("%s: %w: %w", c.name, ErrRelease, err)
		}
	}
	return nil
}

// Snapshot returns a copy of the current content.
func (c *Channel) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.buf.Bytes()
}
