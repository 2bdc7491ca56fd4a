package fuse

import (
	"context"
	"fmt"
	"sync"

	"piecefs/internal/logging"
)

// DirtyNodeRegistry tracks nodes whose channels hold uncommitted edits, so
// that shutdown can commit them before unmounting.
type DirtyNodeRegistry struct {
	nodes map[*Node]struct{}
	mu    sync.RWMutex
}

func NewDirtyNodeRegistry() *DirtyNodeRegistry {
	return &DirtyNodeRegistry{
		nodes: make(map[*Node]struct{}),
	}
}

func (r *DirtyNodeRegistry) Register(node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node] = struct{}{}
}

func (r *DirtyNodeRegistry) Unregister(node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, node)
}

// FlushAll commits every registered node. It returns the number of nodes
// committed and one error per node that failed.
func (r *DirtyNodeRegistry) FlushAll(ctx context.Context) (int, []error) {
	r.mu.RLock()
	nodes := make([]*Node, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	r.mu.RUnlock()

	var errs []error
	flushed := 0

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("flush interrupted: %w", err))
			return flushed, errs
		}

		node.mu.Lock()
		logging.Debugf("Flushing dirty channel for: %s", node.path)
		if node.isDirtyLocked() {
			if errno := node.flushLocked(ctx); errno != 0 {
				errs = append(errs, fmt.Errorf("flush %s: %w", node.path, errno))
			} else {
				flushed++
			}
		} else {
			node.clearDirtyLocked()
		}
		node.mu.Unlock()
	}

	return flushed, errs
}

func (r *DirtyNodeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
