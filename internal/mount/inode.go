package mount

import (
	"path"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// inode is one entry in the mount's in-memory tree. Path is the logical
// key relative to the mount root (empty string for the root itself),
// matching the same key shape the reconciler and scanner use.
type inode struct {
	mu sync.RWMutex

	nodeID       uint64
	path         string
	name         string
	fileID       string
	parentFileID string
	isDir        bool
	size         uint64
	contentHash  string
	modTime      time.Time

	// children is nil for files; for directories it holds the current
	// known child names, populated by the folder-refresh worker and
	// FindFilesWithPattern.
	children map[string]uint64 // name -> nodeID

	refreshedAt time.Time
}

func (i *inode) attr() fuse.Attr {
	i.mu.RLock()
	defer i.mu.RUnlock()

	mode := uint32(0644)
	if i.isDir {
		mode = fuse.S_IFDIR | 0755
	} else {
		mode |= fuse.S_IFREG
	}

	sec := uint64(i.modTime.Unix())

	return fuse.Attr{
		Ino:   i.nodeID,
		Size:  i.size,
		Mode:  mode,
		Nlink: 1,
		Mtime: sec,
		Atime: sec,
		Ctime: sec,
	}
}

func (i *inode) snapshot() (fileID, parentFileID, contentHash string, size uint64, isDir bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.fileID, i.parentFileID, i.contentHash, i.size, i.isDir
}

// isFresh reports whether the directory was refreshed within the last
// refreshWindow (spec §4.9.1: "serviced in FIFO order if their enqueue
// time is within the last 10 minutes").
func (i *inode) isFresh(now time.Time) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return now.Sub(i.refreshedAt) < refreshWindow
}

// joinKey builds a child's logical key from a parent key and a name,
// mirroring pathutil.ToKey's "<root>/<rel>" shape without needing a real
// filesystem root.
func joinKey(parentKey, name string) string {
	if parentKey == "" {
		return name
	}

	return parentKey + "/" + name
}

// rewritePrefix rewrites oldKey-rooted keys to newKey-rooted ones, used by
// MoveFile's directory-rename path (spec §4.9: "rewrites every descendant
// key's prefix in both in-memory maps atomically").
func rewritePrefix(key, oldPrefix, newPrefix string) (string, bool) {
	if key == oldPrefix {
		return newPrefix, true
	}

	if len(key) > len(oldPrefix) && key[:len(oldPrefix)] == oldPrefix && key[len(oldPrefix)] == '/' {
		return newPrefix + key[len(oldPrefix):], true
	}

	return key, false
}

func baseName(key string) string {
	return path.Base(key)
}
