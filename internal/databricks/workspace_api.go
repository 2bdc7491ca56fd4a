package databricks

import (
	"context"
	"io"
	"io/fs"
)

// WorkspaceFilesAPI is what the mount needs from the workspace. Paths are
// mount paths: notebooks carry the .ipynb suffix.
type WorkspaceFilesAPI interface {
	Stat(ctx context.Context, filePath string) (fs.FileInfo, error)
	ReadDir(ctx context.Context, dirPath string) ([]fs.DirEntry, error)
	ReadAll(ctx context.Context, filePath string) ([]byte, error)
	// Write replaces filePath with exactly size bytes read from r.
	Write(ctx context.Context, filePath string, r io.Reader, size int64) error
	Delete(ctx context.Context, filePath string, recursive bool) error
	Mkdir(ctx context.Context, dirPath string) error
	Rename(ctx context.Context, sourcePath, destinationPath string) error
	CacheSet(filePath string, info fs.FileInfo)
	CacheInvalidate(filePath string)
}
