// Package forest provides a deduplicating container of payloads keyed by
// (account, remote path), organized as a tree of paths per account so that
// whole branches can be queried and removed in one operation.
package forest

import (
	"sort"
	"strings"
	"sync"
)

// PathSeparator separates segments in remote paths. The root path is "/".
const PathSeparator = "/"

// Key identifies an entry in the forest.
type Key struct {
	Account string
	Path    string
}

// String returns the canonical flat form of the key, accountName + remotePath.
func (k Key) String() string {
	return k.Account + k.Path
}

// node is a vertex in one account's path tree. Nodes without a payload exist
// only while some descendant carries one.
type node[T any] struct {
	key        Key
	parent     *node[T]
	children   map[string]*node[T] // keyed by child path
	payload    T
	hasPayload bool
	seq        uint64 // insertion order of the payload
}

// Forest holds at most one payload per (account, remote path).
// All operations are total: missing keys yield empty results, not errors.
// Safe for concurrent use.
type Forest[T any] struct {
	mu    sync.Mutex
	nodes map[Key]*node[T]
	seq   uint64
}

// New creates an empty forest.
func New[T any]() *Forest[T] {
	return &Forest[T]{
		nodes: make(map[Key]*node[T]),
	}
}

// PutIfAbsent inserts payload under (account, remotePath) unless an entry
// already exists for that key. It returns the canonical key and whether the
// insert took place. Parent nodes are created up to the account root as
// needed, so Contains answers true for every ancestor of a queued path.
func (f *Forest[T]) PutIfAbsent(account, remotePath string, payload T) (Key, bool) {
	remotePath = normalize(remotePath)
	key := Key{Account: account, Path: remotePath}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[key]
	if ok && n.hasPayload {
		return key, false
	}
	if !ok {
		n = &node[T]{key: key, children: make(map[string]*node[T])}
		f.nodes[key] = n
		f.linkParents(n)
	}
	f.seq++
	n.payload = payload
	n.hasPayload = true
	n.seq = f.seq
	return key, true
}

// linkParents creates payload-less ancestor nodes for n up to the root and
// links each child to its parent. Stops at the first ancestor that already
// exists.
func (f *Forest[T]) linkParents(n *node[T]) {
	for n.key.Path != PathSeparator {
		parentKey := Key{Account: n.key.Account, Path: parentPath(n.key.Path)}
		parent, ok := f.nodes[parentKey]
		if !ok {
			parent = &node[T]{key: parentKey, children: make(map[string]*node[T])}
			f.nodes[parentKey] = parent
		}
		parent.children[n.key.Path] = n
		n.parent = parent
		if ok {
			return
		}
		n = parent
	}
}

// RemovePayload removes the payload at (account, remotePath). If the node
// becomes empty its ancestors are pruned upward, and the highest path that
// collapsed is reported so observers can clear "uploading" indicators on
// ancestor folders. The boolean reports whether a payload was removed.
func (f *Forest[T]) RemovePayload(account, remotePath string) (T, string, bool) {
	remotePath = normalize(remotePath)
	key := Key{Account: account, Path: remotePath}

	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	n, ok := f.nodes[key]
	if !ok || !n.hasPayload {
		return zero, "", false
	}
	payload := n.payload
	n.payload = zero
	n.hasPayload = false

	unlinkedFrom := n.key.Path
	for n != nil && !n.hasPayload && len(n.children) == 0 {
		unlinkedFrom = n.key.Path
		delete(f.nodes, n.key)
		if n.parent != nil {
			delete(n.parent.children, n.key.Path)
		}
		n = n.parent
	}
	return payload, unlinkedFrom, true
}

// Remove drops the entire subtree of an account and returns the removed
// payloads in insertion order.
func (f *Forest[T]) Remove(account string) []T {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed []*node[T]
	for key, n := range f.nodes {
		if key.Account != account {
			continue
		}
		if n.hasPayload {
			removed = append(removed, n)
		}
		delete(f.nodes, key)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })

	payloads := make([]T, 0, len(removed))
	for _, n := range removed {
		payloads = append(payloads, n.payload)
	}
	return payloads
}

// Contains reports whether the path itself is queued or any descendant of it
// is queued. Folders "contain" their pending descendants.
func (f *Forest[T]) Contains(account, remotePath string) bool {
	remotePath = normalize(remotePath)

	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.nodes[Key{Account: account, Path: remotePath}]
	return ok
}

// Get returns the payload stored under key, if any.
func (f *Forest[T]) Get(key Key) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	n, ok := f.nodes[key]
	if !ok || !n.hasPayload {
		return zero, false
	}
	return n.payload, true
}

// All returns every queued payload in insertion order.
func (f *Forest[T]) All() []T {
	f.mu.Lock()
	defer f.mu.Unlock()

	var nodes []*node[T]
	for _, n := range f.nodes {
		if n.hasPayload {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })

	payloads := make([]T, 0, len(nodes))
	for _, n := range nodes {
		payloads = append(payloads, n.payload)
	}
	return payloads
}

// Size returns the number of queued payloads.
func (f *Forest[T]) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, n := range f.nodes {
		if n.hasPayload {
			count++
		}
	}
	return count
}

// normalize strips a trailing separator from non-root paths so that a folder
// queried as "/photos/" and "/photos" resolves to the same node.
func normalize(remotePath string) string {
	if remotePath == "" {
		return PathSeparator
	}
	if remotePath != PathSeparator {
		remotePath = strings.TrimSuffix(remotePath, PathSeparator)
	}
	if !strings.HasPrefix(remotePath, PathSeparator) {
		remotePath = PathSeparator + remotePath
	}
	return remotePath
}

// parentPath returns the parent of a normalized non-root path.
func parentPath(remotePath string) string {
	idx := strings.LastIndex(remotePath, PathSeparator)
	if idx <= 0 {
		return PathSeparator
	}
	return remotePath[:idx]
}
