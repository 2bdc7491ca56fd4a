package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"piecefs/internal/logging"
)

// FileSink commits to a local file. Content is written to a temporary file
// in the same directory, synced, then renamed over path, so a reader never
// sees a partial commit and an existing mapping of the old file stays
// valid.
func FileSink(path string) Sink {
	return SinkFunc(func(ctx context.Context, r io.Reader, size int64) error {
		return commitFile(ctx, path, r, size)
	})
}

func commitFile(ctx context.Context, path string, r io.Reader, size int64) (err error) {
	mode := os.FileMode(0o644)
	if fi, statErr := os.Stat(path); statErr == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
				logging.Debugf("failed to remove temp file %s: %v", tmp.Name(), rmErr)
			}
		}
	}()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if n != size {
		return fmt.Errorf("write %s: got %d bytes, want %d", tmp.Name(), n, size)
	}
	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
