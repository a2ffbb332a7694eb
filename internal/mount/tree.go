package mount

import (
	"fmt"
	"sync"
	"time"
)

// tree is the mount's concurrent folder/file index, keyed by logical path
// (spec §4.9 Concurrency & data-structure contracts: "Folder and file
// indexes are concurrent maps keyed by logical path"). Structural updates
// are serialized per-key by the caller using the shared lock table; tree
// itself only guards its own map consistency.
type tree struct {
	mu       sync.RWMutex
	byPath   map[string]*inode
	byNodeID map[uint64]*inode
	lastNode uint64
}

func newTree(rootFileID string) *tree {
	t := &tree{
		byPath:   make(map[string]*inode),
		byNodeID: make(map[uint64]*inode),
	}

	root := &inode{path: "", name: "", fileID: rootFileID, isDir: true, children: make(map[string]uint64)}
	t.insertLocked(root)

	return t
}

func (t *tree) insertLocked(n *inode) {
	t.lastNode++
	n.nodeID = t.lastNode
	t.byPath[n.path] = n
	t.byNodeID[n.nodeID] = n
}

func (t *tree) root() *inode {
	return t.byPathGet("")
}

func (t *tree) byPathGet(key string) *inode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.byPath[key]
}

func (t *tree) byID(nodeID uint64) *inode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.byNodeID[nodeID]
}

// ensure returns the inode at key, creating one (and any missing parent
// placeholders are assumed already present — callers create top-down) if
// absent.
func (t *tree) ensure(key, name, fileID, parentFileID string, isDir bool) *inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.byPath[key]; ok {
		n.mu.Lock()
		n.fileID = fileID
		n.parentFileID = parentFileID
		n.isDir = isDir
		n.mu.Unlock()

		return n
	}

	n := &inode{path: key, name: name, fileID: fileID, parentFileID: parentFileID, isDir: isDir}
	if isDir {
		n.children = make(map[string]uint64)
	}

	t.insertLocked(n)

	return n
}

// upsertChild adds or updates parentKey's child named name, creating the
// child inode if it doesn't exist yet (used by the folder-refresh worker).
func (t *tree) upsertChild(parentKey, parentFileID, childFileID, name string, isDir bool) {
	childKey := joinKey(parentKey, name)
	child := t.ensure(childKey, name, childFileID, parentFileID, isDir)

	parent := t.byPathGet(parentKey)
	if parent == nil {
		return
	}

	parent.mu.Lock()
	if parent.children == nil {
		parent.children = make(map[string]uint64)
	}

	parent.children[name] = child.nodeID
	parent.mu.Unlock()
}

// pruneMissing removes parentKey's children whose name is not in seen
// (spec §4.9.1: "reconciles in-memory children (additions, deletions,
// identity by fileId)").
func (t *tree) pruneMissing(parentKey string, seen map[string]bool) {
	parent := t.byPathGet(parentKey)
	if parent == nil {
		return
	}

	parent.mu.Lock()
	var stale []string

	for name := range parent.children {
		if !seen[name] {
			stale = append(stale, name)
		}
	}

	for _, name := range stale {
		delete(parent.children, name)
	}
	parent.mu.Unlock()

	t.mu.Lock()
	for _, name := range stale {
		key := joinKey(parentKey, name)
		if n, ok := t.byPath[key]; ok {
			delete(t.byPath, key)
			delete(t.byNodeID, n.nodeID)
		}
	}
	t.mu.Unlock()
}

func (t *tree) markRefreshed(key string, now time.Time) {
	n := t.byPathGet(key)
	if n == nil {
		return
	}

	n.mu.Lock()
	n.refreshedAt = now
	n.mu.Unlock()
}

// childNames returns parentKey's currently known child names, sorted for
// deterministic directory listings.
func (t *tree) childNames(parentKey string) []string {
	parent := t.byPathGet(parentKey)
	if parent == nil {
		return nil
	}

	parent.mu.RLock()
	defer parent.mu.RUnlock()

	names := make([]string, 0, len(parent.children))
	for name := range parent.children {
		names = append(names, name)
	}

	return names
}

// renameSubtree rewrites every in-memory key rooted at oldKey to be rooted
// at newKey, atomically under the tree's lock (spec §4.9 MoveFile:
// "Directory rename also rewrites every descendant key's prefix in both
// in-memory maps atomically").
func (t *tree) renameSubtree(oldKey, newKey, newName, newParentFileID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byPath[oldKey]
	if !ok {
		return fmt.Errorf("mount: rename source %q not tracked", oldKey)
	}

	type move struct {
		oldKey string
		newKey string
		node   *inode
	}

	var moves []move

	for key, candidate := range t.byPath {
		if rewritten, ok := rewritePrefix(key, oldKey, newKey); ok {
			moves = append(moves, move{oldKey: key, newKey: rewritten, node: candidate})
		}
	}

	for _, mv := range moves {
		delete(t.byPath, mv.oldKey)
	}

	for _, mv := range moves {
		mv.node.mu.Lock()
		mv.node.path = mv.newKey
		mv.node.mu.Unlock()

		t.byPath[mv.newKey] = mv.node
	}

	n.mu.Lock()
	n.name = newName
	n.parentFileID = newParentFileID
	n.mu.Unlock()

	return nil
}

func (t *tree) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byPath[key]
	if !ok {
		return
	}

	delete(t.byPath, key)
	delete(t.byNodeID, n.nodeID)
}
