// Package filecache keeps downloaded originals on local disk so they can be
// memory-mapped as the source store of a file's piece buffer.
package filecache

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"piecefs/internal/logging"
)

const (
	DefaultMaxSize = 10 << 30
	DefaultTTL     = 24 * time.Hour
)

var ErrDisabled = errors.New("filecache: cache is disabled")

// Entry describes one cached original.
type Entry struct {
	RemotePath string
	LocalPath  string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	// Checksum is the hex BLAKE3 digest of the content when it was stored.
	Checksum string
}

// DiskCache is an LRU and TTL bounded set of files named after a hash of
// their remote path. A cached file is replaced by rename, never rewritten
// in place, so a mapping of an older version stays readable.
type DiskCache struct {
	cacheDir     string
	maxSizeBytes int64
	ttl          time.Duration
	disabled     bool

	mu        sync.RWMutex
	entries   map[string]*Entry
	totalSize int64
}

// NewDiskCache creates cacheDir if needed. Zero values select
// DefaultMaxSize and DefaultTTL. Files left over from a previous run are
// removed, because their remote paths cannot be recovered from the hashed
// names.
func NewDiskCache(cacheDir string, maxSizeBytes int64, ttl time.Duration) (*DiskCache, error) {
	if maxSizeBytes == 0 {
		maxSizeBytes = DefaultMaxSize
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		cacheDir:     cacheDir,
		maxSizeBytes: maxSizeBytes,
		ttl:          ttl,
		entries:      make(map[string]*Entry),
	}
	if err := c.removeOrphans(); err != nil {
		logging.Warnf("failed to clean cache directory %s: %v", cacheDir, err)
	}
	return c, nil
}

// NewDisabledCache returns a cache that stores nothing.
func NewDisabledCache() *DiskCache {
	return &DiskCache{disabled: true, entries: make(map[string]*Entry)}
}

func (c *DiskCache) IsDisabled() bool {
	return c.disabled
}

// CalculateChecksum returns the hex BLAKE3 digest of data.
func CalculateChecksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func calculateFileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the local path and stored checksum of remotePath. An entry
// misses when it outlived the TTL, when the remote copy is newer than the
// cached one, or when its file disappeared. Content is not verified here;
// see Verify.
func (c *DiskCache) Get(remotePath string, remoteModTime time.Time) (string, string, bool) {
	if c.disabled {
		return "", "", false
	}

	c.mu.RLock()
	entry, found := c.entries[remotePath]
	c.mu.RUnlock()
	if !found {
		return "", "", false
	}

	switch {
	case time.Since(entry.AccessTime) > c.ttl:
		logging.Debugf("cache entry for %s expired", remotePath)
	case !remoteModTime.IsZero() && remoteModTime.After(entry.ModTime):
		logging.Debugf("cache entry for %s is older than the remote file", remotePath)
	default:
		if _, err := os.Stat(entry.LocalPath); err == nil {
			c.mu.Lock()
			entry.AccessTime = time.Now()
			c.mu.Unlock()
			return entry.LocalPath, entry.Checksum, true
		}
		logging.Debugf("cache file for %s is missing", remotePath)
	}
	c.Delete(remotePath)
	return "", "", false
}

// Verify recomputes the checksum of a cached file and drops the entry when
// it no longer matches.
func (c *DiskCache) Verify(remotePath string) (bool, error) {
	if c.disabled {
		return false, ErrDisabled
	}
	c.mu.RLock()
	entry, found := c.entries[remotePath]
	c.mu.RUnlock()
	if !found {
		return false, nil
	}

	sum, err := calculateFileChecksum(entry.LocalPath)
	if err != nil {
		return false, fmt.Errorf("checksum %s: %w", entry.LocalPath, err)
	}
	if sum != entry.Checksum {
		logging.Warnf("cache file for %s is corrupted, dropping it", remotePath)
		c.Delete(remotePath)
		return false, nil
	}
	return true, nil
}

// Set stores data as the cached content of remotePath.
func (c *DiskCache) Set(remotePath string, data []byte, remoteModTime time.Time) (string, error) {
	return c.SetFrom(remotePath, bytes.NewReader(data), int64(len(data)), remoteModTime)
}

// CopyToCache stores the content of the local file srcPath.
func (c *DiskCache) CopyToCache(remotePath, srcPath string, remoteModTime time.Time) (string, error) {
	if c.disabled {
		return "", ErrDisabled
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat source file: %w", err)
	}
	return c.SetFrom(remotePath, src, info.Size(), remoteModTime)
}

// SetFrom streams size bytes from r into the cache. The file is written
// under a temporary name and renamed into place once complete.
func (c *DiskCache) SetFrom(remotePath string, r io.Reader, size int64, remoteModTime time.Time) (string, error) {
	if c.disabled {
		return "", ErrDisabled
	}
	if err := c.evictIfNeeded(remotePath, size); err != nil {
		return "", fmt.Errorf("failed to evict entries: %w", err)
	}

	localPath := c.generateLocalPath(remotePath)
	tmp, err := os.CreateTemp(c.cacheDir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = fmt.Errorf("short content: got %d bytes, want %d", n, size)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), localPath)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	entry := &Entry{
		RemotePath: remotePath,
		LocalPath:  localPath,
		Size:       size,
		ModTime:    remoteModTime,
		AccessTime: time.Now(),
		Checksum:   hex.EncodeToString(h.Sum(nil)),
	}
	c.mu.Lock()
	if old, ok := c.entries[remotePath]; ok {
		c.totalSize -= old.Size
	}
	c.entries[remotePath] = entry
	c.totalSize += size
	c.mu.Unlock()
	return localPath, nil
}

func (c *DiskCache) Delete(remotePath string) error {
	if c.disabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(remotePath)
	return nil
}

// Clear removes every cached file.
func (c *DiskCache) Clear() error {
	if c.disabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for remotePath := range c.entries {
		c.removeLocked(remotePath)
	}
	return nil
}

func (c *DiskCache) GetStats() (numEntries int, totalSize int64) {
	if c.disabled {
		return 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.totalSize
}

// GetCachedPaths lists the cached remote paths, least recently used first.
func (c *DiskCache) GetCachedPaths() []string {
	if c.disabled {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lruOrderLocked()
}

func (c *DiskCache) lruOrderLocked() []string {
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, func(a, b string) int {
		return c.entries[a].AccessTime.Compare(c.entries[b].AccessTime)
	})
	return paths
}

// removeLocked drops an entry and its file. The file may still be mapped
// by an open channel; unlinking does not invalidate the mapping.
func (c *DiskCache) removeLocked(remotePath string) {
	entry, ok := c.entries[remotePath]
	if !ok {
		return
	}
	if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
		logging.Debugf("failed to remove cache file %s: %v", entry.LocalPath, err)
	}
	delete(c.entries, remotePath)
	c.totalSize -= entry.Size
}

// evictIfNeeded makes room for newSize bytes. An existing entry for
// remotePath is about to be replaced, so its size does not count.
func (c *DiskCache) evictIfNeeded(remotePath string, newSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()

	used := func() int64 {
		if old, ok := c.entries[remotePath]; ok {
			return c.totalSize - old.Size
		}
		return c.totalSize
	}
	for _, p := range c.lruOrderLocked() {
		if used()+newSize <= c.maxSizeBytes {
			break
		}
		if p != remotePath {
			c.removeLocked(p)
		}
	}
	if used()+newSize > c.maxSizeBytes {
		return fmt.Errorf("cache full: cannot fit %d bytes (current: %d, max: %d)", newSize, used(), c.maxSizeBytes)
	}
	return nil
}

func (c *DiskCache) evictExpiredLocked() {
	now := time.Now()
	for p, entry := range c.entries {
		if now.Sub(entry.AccessTime) > c.ttl {
			c.removeLocked(p)
		}
	}
}

func (c *DiskCache) generateLocalPath(remotePath string) string {
	sum := blake3.Sum256([]byte(remotePath))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:]))
}

func (c *DiskCache) removeOrphans() error {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.cacheDir, e.Name())); err != nil {
			logging.Debugf("failed to remove orphaned cache file %s: %v", e.Name(), err)
		}
	}
	return nil
}
