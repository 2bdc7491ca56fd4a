package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"piecefs/internal/logging"
)

// fillAttrLocked reports the open channel's size when there is one, so a
// stat during a write sees the local content rather than the remote one.
func (n *Node) fillAttrLocked(ctx context.Context, out *fuse.Attr) {
	wsInfo := n.fileInfo

	if wsInfo.IsDir() {
		out.Mode = syscall.S_IFDIR | dirMode
		out.Nlink = dirNlink
	} else {
		out.Mode = syscall.S_IFREG | fileMode
		out.Nlink = fileNlink
	}

	out.Size = uint64(wsInfo.Size())
	if n.ch != nil {
		if size, err := n.ch.Size(); err == nil {
			out.Size = uint64(size)
		}
	}
	out.Blksize = blockSize
	out.Blocks = (out.Size + blockFactor - 1) / blockFactor

	modTime := wsInfo.ModTime()
	out.Mtime = uint64(modTime.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime

	caller, ok := fuse.FromContext(ctx)
	if ok {
		out.Uid = caller.Uid
		out.Gid = caller.Gid
	}
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Getattr called on path: %s", n.path)

	n.fillAttrLocked(ctx, &out.Attr)
	out.SetTimeout(attrTimeoutSec)

	return 0
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	if n.config == nil || !n.config.RestrictAccess {
		return 0
	}

	caller, ok := fuse.FromContext(ctx)
	if !ok {
		logging.Warnf("Access: failed to get caller context for %s", n.Path())
		return syscall.EACCES
	}
	if caller.Uid != n.config.OwnerUid {
		logging.Debugf("Access denied: caller UID %d != owner UID %d for %s", caller.Uid, n.config.OwnerUid, n.Path())
		return syscall.EACCES
	}
	return 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	const totalBlocks = uint64(1 << 30)
	const totalFiles = uint64(1 << 24)

	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = totalBlocks
	out.Bfree = totalBlocks
	out.Bavail = totalBlocks
	out.Files = totalFiles
	out.Ffree = totalFiles
	out.NameLen = maxNameLen

	return 0
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Setattr called on path: %s", n.path)

	if _, ok := in.GetMode(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetUID(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetGID(); ok {
		return syscall.ENOTSUP
	}
	var mtime *time.Time
	sizeChanged := false
	atimeRequested := false
	if t, ok := in.GetMTime(); ok {
		mtime = &t
	}
	if _, ok := in.GetATime(); ok {
		atimeRequested = true
	}

	if size, ok := in.GetSize(); ok {
		if n.fileInfo.IsDir() {
			return syscall.EISDIR
		}
		if errno := n.truncateLocked(ctx, int64(size)); errno != 0 {
			return errno
		}
		sizeChanged = true
		if mtime == nil {
			now := time.Now()
			mtime = &now
		}
	}

	if atimeRequested && mtime == nil && !sizeChanged {
		return syscall.ENOTSUP
	}

	if mtime != nil {
		n.markModifiedLocked(*mtime)
	}

	if sizeChanged {
		// Open handles commit on release; a bare truncate(2) commits now.
		n.api.CacheInvalidate(n.path)
		if n.openCount == 0 {
			if errno := n.flushLocked(ctx); errno != 0 {
				return errno
			}
			n.closeChannelLocked(ctx)
		}
	} else if mtime != nil {
		n.api.CacheSet(n.path, n.fileInfo)
	}

	n.fillAttrLocked(ctx, &out.Attr)

	return 0
}
