package fuse

import (
	"context"
	"io"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"piecefs/internal/channel"
	"piecefs/internal/databricks"
	"piecefs/internal/logging"
	"piecefs/internal/pathutil"
	"piecefs/internal/store"
)

// sink commits channel content to the node's current path. Channels only
// call it from Flush and Close, which run with n.mu held, so a rename can
// not change n.path underneath it.
func (n *Node) sink() channel.Sink {
	return channel.SinkFunc(func(ctx context.Context, r io.Reader, size int64) error {
		return databricks.RemoteSink(n.api, n.path).Commit(ctx, r, size)
	})
}

func (n *Node) attachLocked(src store.Store, opts ...channel.Option) {
	opts = append([]channel.Option{
		channel.WithName(n.path),
		channel.WithRetry(n.retryConfig()),
	}, opts...)
	n.ch = channel.Open(src, n.sink(), opts...)
}

// ensureChannelLocked opens a channel over the current remote content.
func (n *Node) ensureChannelLocked(ctx context.Context) syscall.Errno {
	if n.ch != nil {
		return 0
	}
	if n.fileInfo.IsDir() {
		return syscall.EISDIR
	}
	src, errno := n.loadOriginalLocked(ctx)
	if errno != 0 {
		return errno
	}
	n.attachLocked(src)
	return 0
}

// loadOriginalLocked returns the store a new channel starts from: the
// mapped disk cache file when there is one, otherwise the downloaded bytes.
func (n *Node) loadOriginalLocked(ctx context.Context) (store.Store, syscall.Errno) {
	remotePath := pathutil.Remote(n.path)
	remoteModTime := n.fileInfo.ModTime()

	if n.cacheEnabled() {
		if src, ok := n.mapCachedLocked(remotePath, remoteModTime); ok {
			return src, 0
		}
	}

	logging.Debugf("Cache miss for %s, fetching from remote", remotePath)
	readCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()
	data, err := n.api.ReadAll(readCtx, n.path)
	if err != nil {
		logging.Debugf("Failed to read file %s: %v", remotePath, err)
		return nil, errnoOf(err)
	}

	if n.cacheEnabled() {
		localPath, err := n.diskCache.Set(remotePath, data, remoteModTime)
		if err == nil {
			if src, err := store.MapFile(localPath); err == nil {
				logging.Debugf("Cached file %s (%d bytes), mapped from %s", remotePath, len(data), localPath)
				return src, 0
			}
		}
		logging.Debugf("Failed to cache file %s: %v, using memory", remotePath, err)
	}
	return store.NewMemory(data), 0
}

func (n *Node) mapCachedLocked(remotePath string, remoteModTime time.Time) (store.Store, bool) {
	cachedPath, checksum, found := n.diskCache.Get(remotePath, remoteModTime)
	if !found {
		return nil, false
	}
	if n.config != nil && n.config.VerifyCache {
		if ok, err := n.diskCache.Verify(remotePath); !ok {
			logging.Debugf("Cache verification failed for %s: %v", remotePath, err)
			return nil, false
		}
	}
	src, err := store.MapFile(cachedPath)
	if err != nil {
		logging.Debugf("Mapping cache file for %s failed: %v", remotePath, err)
		n.diskCache.Delete(remotePath)
		return nil, false
	}
	logging.Debugf("Cache hit for %s (checksum %s)", remotePath, truncateChecksum(checksum))
	return src, true
}

func (n *Node) flushLocked(ctx context.Context) syscall.Errno {
	if !n.isDirtyLocked() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()

	if err := n.ch.Flush(opCtx); err != nil {
		logging.Warnf("Error writing back on Flush for %s: %v", n.path, err)
		return errnoOf(err)
	}
	n.clearDirtyLocked()
	n.refreshAfterFlushLocked(opCtx)
	return 0
}

// refreshAfterFlushLocked reloads the remote metadata and stores the
// committed content as the new cached original.
func (n *Node) refreshAfterFlushLocked(ctx context.Context) {
	info, err := n.api.Stat(ctx, n.path)
	if err != nil {
		logging.Warnf("Error refreshing file info after Flush for %s: %v", n.path, err)
		return
	}
	wsInfo, ok := info.(databricks.WSFileInfo)
	if !ok {
		logging.Warnf("Unexpected file info type after Flush for %s", n.path)
		return
	}
	n.fileInfo = wsInfo

	if !n.cacheEnabled() {
		return
	}
	remotePath := pathutil.Remote(n.path)
	size, err := n.ch.Size()
	if err == nil {
		_, err = n.diskCache.SetFrom(remotePath, io.NewSectionReader(n.ch, 0, size), size, wsInfo.ModTime())
	}
	if err != nil {
		logging.Debugf("Failed to update cache after flush for %s: %v", remotePath, err)
		return
	}
	logging.Debugf("Updated cache after flush for %s", remotePath)
}

// closeChannelLocked releases a clean channel. A channel that failed to
// commit stays attached; one that closed but could not release its source
// is dropped like any other.
func (n *Node) closeChannelLocked(ctx context.Context) {
	if n.ch == nil {
		return
	}
	if err := n.ch.Close(ctx); err != nil {
		logging.Warnf("Closing channel for %s: %v", n.path, err)
		if !n.ch.Closed() {
			return
		}
	}
	n.ch = nil
	n.clearDirtyLocked()
}

// truncateLocked resizes the file. Truncating to zero never downloads the
// old content.
func (n *Node) truncateLocked(ctx context.Context, size int64) syscall.Errno {
	if n.ch == nil && size == 0 {
		n.attachLocked(store.NewMemory(nil), channel.WithDirty())
	} else if errno := n.ensureChannelLocked(ctx); errno != 0 {
		return errno
	}
	if err := n.ch.Truncate(size); err != nil {
		return errnoOf(err)
	}
	n.fileInfo.ObjectInfo.Size = size
	n.markDirtyLocked()
	return 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Open called on path: %s", n.path)

	if n.fileInfo.IsDir() {
		return nil, 0, syscall.EISDIR
	}

	// Without local edits the remote copy wins if it changed.
	if !n.isDirtyLocked() && n.openCount == 0 {
		info, err := n.api.Stat(ctx, n.path)
		if err == nil {
			wsInfo, ok := info.(databricks.WSFileInfo)
			if ok && wsInfo.ModTime().After(n.fileInfo.ModTime()) {
				logging.Debugf("Remote file modified, reloading %s", n.path)
				n.dropChannelLocked()
				n.fileInfo = wsInfo
				if n.cacheEnabled() {
					n.diskCache.Delete(pathutil.Remote(n.path))
				}
			}
		}
	}

	if flags&syscall.O_TRUNC != 0 {
		n.api.CacheInvalidate(n.path)
		if n.cacheEnabled() {
			remotePath := pathutil.Remote(n.path)
			if err := n.diskCache.Delete(remotePath); err != nil {
				logging.Debugf("Failed to delete cache for %s: %v", remotePath, err)
			}
		}
		if errno := n.truncateLocked(ctx, 0); errno != 0 {
			return nil, 0, errno
		}
		n.markModifiedLocked(time.Now())
	} else if errno := n.ensureChannelLocked(ctx); errno != 0 {
		return nil, 0, errno
	}

	openFlags := uint32(0)
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		openFlags |= fuse.FOPEN_DIRECT_IO
	} else {
		openFlags |= fuse.FOPEN_KEEP_CACHE
	}

	n.incrementOpenLocked()

	return nil, openFlags, 0
}

func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Read called on path: %s, offset: %d, size: %d", n.path, off, len(dest))

	if errno := n.ensureChannelLocked(ctx); errno != 0 {
		return nil, errno
	}
	nread, err := n.ch.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		logging.Debugf("Read failed on %s: %v", n.path, err)
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:nread]), 0
}

func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Write called on path: %s, offset: %d, size: %d", n.path, off, len(data))
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if errno := n.ensureChannelLocked(ctx); errno != 0 {
		return 0, errno
	}

	if _, err := n.ch.WriteAt(data, off); err != nil {
		return 0, errnoOf(err)
	}
	if size, err := n.ch.Size(); err == nil {
		n.fileInfo.ObjectInfo.Size = size
	}
	n.markModifiedLocked(time.Now())
	n.markDirtyLocked()

	return uint32(len(data)), 0
}

// Flush runs on every close(2). Only the last handle commits, so that
// writers sharing a file do not upload intermediate states.
func (n *Node) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Flush called on path: %s", n.path)
	if n.openCount > 1 {
		return 0
	}
	return n.flushLocked(ctx)
}

func (n *Node) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Fsync called on path: %s", n.path)
	return n.flushLocked(ctx)
}

// Release drops the channel once the last handle is gone. A channel whose
// commit fails stays dirty and registered, so shutdown can retry it.
func (n *Node) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Release called on path: %s", n.path)

	n.decrementOpenLocked()
	if n.openCount > 0 {
		return 0
	}

	if errno := n.flushLocked(ctx); errno != 0 {
		return errno
	}
	n.closeChannelLocked(ctx)
	return 0
}
