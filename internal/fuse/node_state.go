package fuse

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	iofs "io/fs"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"piecefs/internal/channel"
	"piecefs/internal/databricks"
	"piecefs/internal/filecache"
	"piecefs/internal/logging"
	"piecefs/internal/piece"
	"piecefs/internal/retry"
)

// File system constants
const (
	// Attribute and entry cache timeouts in seconds
	attrTimeoutSec  = 60
	entryTimeoutSec = 60

	dirMode  = 0755
	fileMode = 0644

	blockSize   = 4096
	blockFactor = 512

	maxNameLen = 255

	// Default inode number when no ID is available
	defaultIno = 1

	dirNlink  = 2
	fileNlink = 1
)

// Operation timeouts for API calls
const (
	// dataOpTimeout covers downloads and commits of whole files
	dataOpTimeout = 2 * time.Minute

	// metadataOpTimeout is used for stat, delete, mkdir, rename operations
	metadataOpTimeout = 30 * time.Second

	dirListTimeout = 1 * time.Minute
)

// emptyNotebook is the content of a notebook created through the mount.
var emptyNotebook = []byte(`{"cells":[],"metadata":{},"nbformat":4,"nbformat_minor":4}`)

// NodeConfig holds mount-wide settings shared by every node.
type NodeConfig struct {
	OwnerUid       uint32 // UID of the user who mounted the filesystem
	RestrictAccess bool   // Whether to enforce UID-based access control

	// Retry is the policy a file's channel uses when a commit fails.
	Retry retry.Config
	// VerifyCache rehashes a cached original before mapping it.
	VerifyCache bool
}

// Node is a file or directory of the mounted workspace. An open file edits
// its content through a channel: a piece buffer over the downloaded
// original, committed back to the workspace on flush.
type Node struct {
	fs.Inode
	api       databricks.WorkspaceFilesAPI
	diskCache *filecache.DiskCache
	config    *NodeConfig
	registry  *DirtyNodeRegistry

	mu        sync.Mutex
	path      string // mount path, with the .ipynb suffix for notebooks
	fileInfo  databricks.WSFileInfo
	ch        *channel.Channel
	openCount int
}

var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeSetattrer)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeOpendirer)((*Node)(nil))
var _ = (fs.NodeOpendirHandler)((*Node)(nil))
var _ = (fs.NodeReader)((*Node)(nil))
var _ = (fs.NodeWriter)((*Node)(nil))
var _ = (fs.NodeFlusher)((*Node)(nil))
var _ = (fs.NodeFsyncer)((*Node)(nil))
var _ = (fs.NodeReleaser)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))
var _ = (fs.NodeRenamer)((*Node)(nil))
var _ = (fs.NodeAccesser)((*Node)(nil))
var _ = (fs.NodeStatfser)((*Node)(nil))
var _ = (fs.NodeOnForgetter)((*Node)(nil))

func (n *Node) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// newChild builds a node sharing the mount-wide state of n.
func (n *Node) newChild(childPath string, info databricks.WSFileInfo) *Node {
	return &Node{
		api:       n.api,
		diskCache: n.diskCache,
		config:    n.config,
		registry:  n.registry,
		path:      childPath,
		fileInfo:  info,
	}
}

func stableIno(info databricks.WSFileInfo) uint64 {
	if info.ObjectId > 0 {
		return uint64(info.ObjectId)
	}
	if info.ResourceId != "" {
		return hashStringToIno(info.ResourceId)
	}
	if info.Path != "" {
		return hashStringToIno(info.Path)
	}
	return defaultIno
}

func hashStringToIno(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum64()
	if sum == 0 {
		return defaultIno
	}
	return sum
}

// truncateChecksum shortens a checksum for log lines.
func truncateChecksum(checksum string) string {
	if len(checksum) > 8 {
		return checksum[:8]
	}
	return checksum
}

// errnoOf maps errors from the channel, the piece buffer and the workspace
// client to the errno reported to the kernel.
func errnoOf(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, piece.ErrOutOfRange), errors.Is(err, piece.ErrIllegalArgument):
		return syscall.EINVAL
	case errors.Is(err, channel.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, iofs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, iofs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}

func (n *Node) cacheEnabled() bool {
	return n.diskCache != nil && !n.diskCache.IsDisabled()
}

func (n *Node) retryConfig() retry.Config {
	if n.config == nil || n.config.Retry == (retry.Config{}) {
		return retry.DefaultConfig()
	}
	return n.config.Retry
}

func (n *Node) isDirtyLocked() bool {
	return n.ch != nil && n.ch.Dirty()
}

func (n *Node) markDirtyLocked() {
	if n.registry != nil && n.isDirtyLocked() {
		n.registry.Register(n)
	}
}

func (n *Node) clearDirtyLocked() {
	if n.registry != nil {
		n.registry.Unregister(n)
	}
}

func (n *Node) incrementOpenLocked() {
	n.openCount++
}

func (n *Node) decrementOpenLocked() {
	if n.openCount > 0 {
		n.openCount--
		return
	}
	logging.Warnf("Release called with openCount=0 for %s", n.path)
}

func (n *Node) markModifiedLocked(t time.Time) {
	n.fileInfo.ObjectInfo.ModifiedAt = t.UnixMilli()
}

// dropChannelLocked releases the channel without committing it.
func (n *Node) dropChannelLocked() {
	if n.ch == nil {
		return
	}
	if err := n.ch.Discard(); err != nil {
		logging.Debugf("Discarding channel for %s: %v", n.path, err)
	}
	n.ch = nil
	n.clearDirtyLocked()
}

func NewRootNode(api databricks.WorkspaceFilesAPI, diskCache *filecache.DiskCache, rootPath string, registry *DirtyNodeRegistry, config *NodeConfig) (*Node, error) {
	info, err := api.Stat(context.Background(), rootPath)
	if err != nil {
		return nil, err
	}

	wsInfo, ok := info.(databricks.WSFileInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected file info type for root path %s", rootPath)
	}
	if !wsInfo.IsDir() {
		return nil, syscall.ENOTDIR
	}

	if config == nil {
		config = &NodeConfig{}
	}
	return &Node{
		api:       api,
		diskCache: diskCache,
		config:    config,
		registry:  registry,
		path:      rootPath,
		fileInfo:  wsInfo,
	}, nil
}
