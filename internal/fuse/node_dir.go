package fuse

import (
	"bytes"
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"piecefs/internal/databricks"
	"piecefs/internal/logging"
	"piecefs/internal/pathutil"
	"piecefs/internal/store"
)

// statChild fetches the workspace metadata of childPath.
func (n *Node) statChild(ctx context.Context, childPath string) (databricks.WSFileInfo, syscall.Errno) {
	info, err := n.api.Stat(ctx, childPath)
	if err != nil {
		logging.Debugf("Stat %s: %v", childPath, err)
		if errno := errnoOf(err); errno != syscall.EIO {
			return databricks.WSFileInfo{}, errno
		}
		return databricks.WSFileInfo{}, syscall.ENOENT
	}
	wsInfo, ok := info.(databricks.WSFileInfo)
	if !ok {
		logging.Debugf("Unexpected file info type %T for %s", info, childPath)
		return databricks.WSFileInfo{}, syscall.EIO
	}
	return wsInfo, 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirPath := n.Path()
	logging.Debugf("Readdir called on path: %s", dirPath)

	if !n.fileInfo.IsDir() {
		return nil, syscall.ENOTDIR
	}

	opCtx, cancel := context.WithTimeout(ctx, dirListTimeout)
	defer cancel()
	entries, err := n.api.ReadDir(opCtx, dirPath)
	if err != nil {
		logging.Warnf("Error reading directory %s: %v", dirPath, err)
		return nil, syscall.EIO
	}

	fuseEntries := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = uint32(syscall.S_IFDIR)
		}
		fuseEntries[i] = fuse.DirEntry{Name: e.Name(), Mode: mode}
	}

	return fs.NewListDirStream(fuseEntries), 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirPath := n.Path()
	logging.Debugf("Lookup called on path: %s/%s", dirPath, name)
	if !n.fileInfo.IsDir() {
		return nil, syscall.ENOTDIR
	}

	childPath, err := pathutil.Child(dirPath, name)
	if err != nil {
		logging.Debugf("Lookup: invalid path: %v", err)
		return nil, syscall.EINVAL
	}

	// A child with uncommitted edits answers from its channel; the remote
	// copy is older.
	if existing := n.GetChild(name); existing != nil {
		if node, ok := existing.Operations().(*Node); ok {
			node.mu.Lock()
			if node.isDirtyLocked() {
				node.fillAttrLocked(ctx, &out.Attr)
				node.mu.Unlock()
				out.SetEntryTimeout(entryTimeoutSec)
				out.SetAttrTimeout(attrTimeoutSec)
				logging.Debugf("Lookup: returning existing dirty node for %s", childPath)
				return existing, 0
			}
			node.mu.Unlock()
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	wsInfo, errno := n.statChild(opCtx, childPath)
	if errno != 0 {
		return nil, errno
	}

	child := n.newChild(childPath, wsInfo)
	child.fillAttrLocked(ctx, &out.Attr)

	out.SetEntryTimeout(entryTimeoutSec)
	out.SetAttrTimeout(attrTimeoutSec)

	return n.NewPersistentInode(ctx, child, fs.StableAttr{Mode: uint32(out.Mode), Ino: stableIno(wsInfo)}), 0
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	if !n.fileInfo.IsDir() {
		return syscall.ENOTDIR
	}
	return 0
}

func (n *Node) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if !n.fileInfo.IsDir() {
		return nil, 0, syscall.ENOTDIR
	}
	return &dirStreamHandle{open: n.Readdir}, 0, 0
}

// Create uploads an empty file, or an empty notebook for a .ipynb name,
// and returns it already open.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	dirPath := n.Path()
	logging.Debugf("Create called in dir: %s, for file: %s", dirPath, name)

	childPath, err := pathutil.Child(dirPath, name)
	if err != nil {
		logging.Debugf("Create: invalid path: %v", err)
		return nil, nil, 0, syscall.EINVAL
	}

	initialContent := []byte{}
	if pathutil.IsNotebook(name) {
		initialContent = emptyNotebook
	}

	opCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()

	err = n.api.Write(opCtx, childPath, bytes.NewReader(initialContent), int64(len(initialContent)))
	if err != nil {
		logging.Warnf("Error creating file %s: %v", childPath, err)
		return nil, nil, 0, errnoOf(err)
	}

	wsInfo, errno := n.statChild(opCtx, childPath)
	if errno != 0 {
		logging.Warnf("Error stating new file %s: errno %d", childPath, errno)
		return nil, nil, 0, syscall.EIO
	}

	child := n.newChild(childPath, wsInfo)
	child.attachLocked(store.NewMemory(initialContent))
	child.incrementOpenLocked()
	child.fillAttrLocked(ctx, &out.Attr)

	out.SetEntryTimeout(entryTimeoutSec)
	out.SetAttrTimeout(attrTimeoutSec)

	inode := n.NewPersistentInode(ctx, child, fs.StableAttr{Mode: uint32(out.Mode), Ino: stableIno(wsInfo)})
	return inode, nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	dirPath := n.Path()
	logging.Debugf("Unlink called in dir: %s, for file: %s", dirPath, name)

	childPath, err := pathutil.Child(dirPath, name)
	if err != nil {
		logging.Debugf("Unlink: invalid path: %v", err)
		return syscall.EINVAL
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()

	wsInfo, errno := n.statChild(opCtx, childPath)
	if errno != 0 {
		return errno
	}
	if wsInfo.IsDir() {
		return syscall.EISDIR
	}

	if err := n.api.Delete(opCtx, childPath, false); err != nil {
		logging.Warnf("Error deleting file %s: %v", childPath, err)
		return errnoOf(err)
	}

	// Pending edits of a deleted file must not recreate it.
	if existing := n.GetChild(name); existing != nil {
		if node, ok := existing.Operations().(*Node); ok {
			node.mu.Lock()
			node.dropChannelLocked()
			node.mu.Unlock()
		}
	}

	remotePath := pathutil.Remote(childPath)
	if n.cacheEnabled() {
		if err := n.diskCache.Delete(remotePath); err != nil {
			logging.Debugf("Failed to delete from cache %s: %v", remotePath, err)
		}
	}

	return 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirPath := n.Path()
	logging.Debugf("Mkdir called in dir: %s, for new dir: %s", dirPath, name)

	childPath, err := pathutil.Child(dirPath, name)
	if err != nil {
		logging.Debugf("Mkdir: invalid path: %v", err)
		return nil, syscall.EINVAL
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()

	if err := n.api.Mkdir(opCtx, childPath); err != nil {
		logging.Warnf("Error creating directory %s: %v", childPath, err)
		return nil, errnoOf(err)
	}

	wsInfo, errno := n.statChild(opCtx, childPath)
	if errno != 0 {
		logging.Warnf("Error stating new directory %s: errno %d", childPath, errno)
		return nil, syscall.EIO
	}

	child := n.newChild(childPath, wsInfo)
	child.fillAttrLocked(ctx, &out.Attr)

	return n.NewPersistentInode(ctx, child, fs.StableAttr{Mode: uint32(out.Mode), Ino: stableIno(wsInfo)}), 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	dirPath := n.Path()
	logging.Debugf("Rmdir called in dir: %s, for dir: %s", dirPath, name)

	childPath, err := pathutil.Child(dirPath, name)
	if err != nil {
		logging.Debugf("Rmdir: invalid path: %v", err)
		return syscall.EINVAL
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()

	wsInfo, errno := n.statChild(opCtx, childPath)
	if errno != 0 {
		return errno
	}
	if !wsInfo.IsDir() {
		return syscall.ENOTDIR
	}

	if err := n.api.Delete(opCtx, childPath, false); err != nil {
		logging.Warnf("Error deleting directory %s: %v", childPath, err)
		return errnoOf(err)
	}

	return 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	logging.Debugf("Rename called from %s to %s", name, newName)

	newParentNode, ok := newParent.EmbeddedInode().Operations().(*Node)
	if !ok {
		logging.Debugf("Rename: failed to get parent node for %s", newName)
		return syscall.EIO
	}

	oldPath, err := pathutil.Child(n.Path(), name)
	if err != nil {
		logging.Debugf("Rename: invalid old path: %v", err)
		return syscall.EINVAL
	}

	newPath, err := pathutil.Child(newParentNode.Path(), newName)
	if err != nil {
		logging.Debugf("Rename: invalid new path: %v", err)
		return syscall.EINVAL
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	if err := n.api.Rename(opCtx, oldPath, newPath); err != nil {
		logging.Warnf("Error renaming %s to %s: %v", oldPath, newPath, err)
		return errnoOf(err)
	}

	oldRemotePath := pathutil.Remote(oldPath)
	if n.cacheEnabled() {
		if err := n.diskCache.Delete(oldRemotePath); err != nil {
			logging.Debugf("Failed to delete old path from cache %s: %v", oldRemotePath, err)
		}
	}

	if childInode := n.GetChild(name); childInode != nil {
		updateSubtreePaths(childInode, oldPath, newPath)
	}

	return 0
}

// updateSubtreePaths rewrites the mount path of every loaded node under
// inode. Open channels follow, since their sinks read the node path.
func updateSubtreePaths(inode *fs.Inode, oldPrefix, newPrefix string) {
	if inode == nil {
		return
	}

	if node, ok := inode.Operations().(*Node); ok {
		node.mu.Lock()
		oldPath := node.path
		if newPath, ok := pathutil.Rebase(oldPath, oldPrefix, newPrefix); ok {
			node.path = newPath
			node.fileInfo.Path = pathutil.Remote(newPath)
			logging.Debugf("Updating internal path for in-memory node from '%s' to '%s'", oldPath, newPath)
		}
		node.mu.Unlock()
	}

	for _, child := range inode.Children() {
		updateSubtreePaths(child, oldPrefix, newPrefix)
	}
}

func (n *Node) OnForget() {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("OnForget called on path: %s", n.path)

	if n.isDirtyLocked() {
		return
	}
	n.dropChannelLocked()
}
