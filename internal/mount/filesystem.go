package mount

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tonimelisma/clouddrive-sync/internal/lockshard"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
	"github.com/tonimelisma/clouddrive-sync/internal/upload"
)

const attrTimeout = 1 // seconds

// Filesystem is the low-level fuse.RawFileSystem binding over one mounted
// sync target (spec §4.9). It keeps no persistent state of its own; the
// tree is rebuilt from remote listings as directories are opened.
type Filesystem struct {
	fuse.RawFileSystem

	cfg     Config
	tree    *tree
	remote  *remoteclient.Client
	uploads *upload.Engine
	locks   *lockshard.Table
	reads   *readCache
	urls    *urlCache
	refresh *refreshWorker
	logger  *slog.Logger

	opendirsM sync.RWMutex
	opendirs  map[uint64][]string // nodeID -> snapshot of child names at OpenDir time

	writesM sync.Mutex
	writes  map[uint64]*upload.Plan // nodeID -> in-progress upload plan
}

// New creates a Filesystem bound to cfg.RootID, backed by remote for
// listing/metadata operations and uploads for staged writes. locks is
// shared with any other component creating folders against the same
// drive (spec §4.6 step 1).
func New(cfg Config, remote *remoteclient.Client, locks *lockshard.Table) *Filesystem {
	if locks == nil {
		locks = lockshard.New()
	}

	logger := cfg.logger()
	t := newTree(cfg.RootID)

	uploads := upload.New(upload.Config{
		StagingRoot:        cfg.StagingRoot,
		RapidUploadEnabled: false, // mount writes have no source file to pre-hash
		Logger:             logger,
	}, remote, locks, nil)

	fsys := &Filesystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		cfg:           cfg,
		tree:          t,
		remote:        remote,
		uploads:       uploads,
		locks:         locks,
		reads:         newReadCache(),
		urls:          newURLCache(),
		logger:        logger,
		opendirs:      make(map[uint64][]string),
		writes:        make(map[uint64]*upload.Plan),
	}

	fsys.refresh = newRefreshWorker(remote, t, logger)

	return fsys
}

// Refresh exposes the folder-refresh worker's Run loop so the mount
// command can start it alongside the FUSE server.
func (f *Filesystem) Refresh(ctx context.Context) {
	f.refresh.Run(ctx)
}

func (f *Filesystem) inodeByNode(nodeID uint64) *inode {
	return f.tree.byID(nodeID)
}

// Lookup resolves name inside the directory identified by in.NodeId.
func (f *Filesystem) Lookup(cancel <-chan struct{}, in *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := f.inodeByNode(in.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}

	childKey := joinKey(parent.path, name)
	child := f.tree.byPathGet(childKey)

	if child == nil {
		return fuse.ENOENT
	}

	out.NodeId = child.nodeID
	out.Attr = child.attr()
	out.SetAttrTimeout(attrTimeout)
	out.SetEntryTimeout(attrTimeout)

	return fuse.OK
}

// GetAttr returns nodeId's attributes.
func (f *Filesystem) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := f.inodeByNode(in.NodeId)
	if n == nil {
		return fuse.ENOENT
	}

	out.Attr = n.attr()
	out.SetTimeout(attrTimeout)

	return fuse.OK
}

// OpenDir enqueues the directory for a lazy folder refresh and snapshots
// its currently known children for the following ReadDirPlus calls (spec
// §4.9 Create/Open: "Opening a directory path must trigger a lazy folder
// refresh").
func (f *Filesystem) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	dir := f.inodeByNode(in.NodeId)
	if dir == nil {
		return fuse.ENOENT
	}

	if !dir.isDir {
		return fuse.ENOTDIR
	}

	names := f.findFilesWithPattern(dir.path, "*")

	f.opendirsM.Lock()
	f.opendirs[in.NodeId] = names
	f.opendirsM.Unlock()

	return fuse.OK
}

// findFilesWithPattern returns dirKey's in-memory children filtered by
// pattern and enqueues the directory for refresh (spec §4.9
// FindFilesWithPattern).
func (f *Filesystem) findFilesWithPattern(dirKey, pattern string) []string {
	dir := f.tree.byPathGet(dirKey)
	if dir == nil {
		return nil
	}

	if !dir.isFresh(time.Now()) {
		f.refresh.queue.Enqueue(dirKey, dir.fileID, time.Now())
	}

	return f.tree.findFilesWithPattern(dirKey, pattern)
}

func (f *Filesystem) ReleaseDir(in *fuse.ReleaseIn) {
	f.opendirsM.Lock()
	delete(f.opendirs, in.NodeId)
	f.opendirsM.Unlock()
}

// ReadDirPlus serves one directory entry at a time, combined with a Lookup
// (the fast path most kernels actually request).
func (f *Filesystem) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	f.opendirsM.RLock()
	names, ok := f.opendirs[in.NodeId]
	f.opendirsM.RUnlock()

	if !ok {
		return fuse.EBADF
	}

	if in.Offset >= uint64(len(names)) {
		return fuse.OK
	}

	dir := f.inodeByNode(in.NodeId)
	if dir == nil {
		return fuse.ENOENT
	}

	child := f.tree.byPathGet(joinKey(dir.path, names[in.Offset]))
	if child == nil {
		return fuse.OK
	}

	entry := fuse.DirEntry{Ino: child.nodeID, Mode: child.attr().Mode, Name: names[in.Offset]}
	entryOut := out.AddDirLookupEntry(entry)
	entryOut.Attr = child.attr()
	entryOut.SetAttrTimeout(attrTimeout)
	entryOut.SetEntryTimeout(attrTimeout)

	return fuse.OK
}

// Create creates a file. CREATE_NEW semantics: an existing path reports
// already-exists; a missing parent chain is created first (spec §4.9
// Create/Open, §4.6 step 1).
func (f *Filesystem) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := f.inodeByNode(in.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}

	childKey := joinKey(parent.path, name)
	if f.tree.byPathGet(childKey) != nil {
		return fuse.Status(syscall.EEXIST)
	}

	n := f.tree.ensure(childKey, name, "", parent.fileID, false)

	parent.mu.Lock()
	if parent.children == nil {
		parent.children = make(map[string]uint64)
	}
	parent.children[name] = n.nodeID
	parent.mu.Unlock()

	out.EntryOut.NodeId = n.nodeID
	out.EntryOut.Attr = n.attr()
	out.EntryOut.SetAttrTimeout(attrTimeout)
	out.EntryOut.SetEntryTimeout(attrTimeout)

	return fuse.OK
}

// Open is a no-op beyond existence checking: content is fetched lazily by
// Read, and write staging begins on the following SetAttr/truncate (spec
// §4.9 Create/Open).
func (f *Filesystem) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if f.inodeByNode(in.NodeId) == nil {
		return fuse.ENOENT
	}

	return fuse.OK
}

// Read serves (offset, len) from the read-range cache when the range is
// small enough, otherwise issuing a direct range GET (spec §4.9 Read).
func (f *Filesystem) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	n := f.inodeByNode(in.NodeId)
	if n == nil {
		return fuse.ReadResultData(nil), fuse.EBADF
	}

	fileID, _, contentHash, size, isDir := n.snapshot()
	if isDir {
		return fuse.ReadResultData(nil), fuse.Status(syscall.EISDIR)
	}

	length := len(buf)
	if uint64(in.Offset) >= size {
		return fuse.ReadResultData(nil), fuse.OK
	}

	if uint64(int(in.Offset)+length) > size {
		length = int(size - in.Offset)
	}

	key := readCacheKey{fileID: fileID, contentHash: contentHash, offset: int64(in.Offset), length: length}

	if length <= readCacheMaxLen {
		if data, ok := f.reads.Get(key); ok {
			return fuse.ReadResultData(data), fuse.OK
		}
	}

	data, err := f.fetchRange(context.Background(), fileID, contentHash, int64(in.Offset), length)
	if err != nil {
		f.logger.Error("mount: range fetch failed", slog.String("file_id", fileID), slog.String("error", err.Error()))
		return fuse.ReadResultData(nil), fuse.EIO
	}

	if length <= readCacheMaxLen {
		f.reads.Put(key, data)
	}

	return fuse.ReadResultData(data), fuse.OK
}

// fetchRange issues a range GET against a cached (or freshly fetched)
// download URL.
func (f *Filesystem) fetchRange(ctx context.Context, fileID, contentHash string, offset int64, length int) ([]byte, error) {
	urlKey := urlCacheKey{fileID: fileID, contentHash: contentHash}

	downloadURL, ok := f.urls.Get(urlKey)
	if !ok {
		var err error

		downloadURL, err = f.remote.GetDownloadURL(ctx, fileID, 0)
		if err != nil {
			return nil, fmt.Errorf("mount: getting download url for %q: %w", fileID, err)
		}

		f.urls.Put(urlKey, downloadURL)
	}

	return rangeGet(ctx, downloadURL, offset, length)
}

// SetAttr handles utimens/chmod/truncate. A size change begins (or
// restarts) a chunked-upload plan sized to the new length (spec §4.9
// Write/SetEndOfFile: "ensures the parent folder chain, calls
// createFile(partCount), and materializes a per-part staging plan").
func (f *Filesystem) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := f.inodeByNode(in.NodeId)
	if n == nil {
		return fuse.ENOENT
	}

	if size, valid := in.GetSize(); valid {
		if err := f.beginUpload(context.Background(), n, int64(size)); err != nil {
			f.logger.Error("mount: begin upload failed", slog.String("path", n.path), slog.String("error", err.Error()))
			return fuse.EIO
		}
	}

	out.Attr = n.attr()
	out.SetTimeout(attrTimeout)

	return fuse.OK
}

func (f *Filesystem) beginUpload(ctx context.Context, n *inode, size int64) error {
	parentKey := filepath.Dir(n.path)
	if parentKey == "." {
		parentKey = ""
	}

	parent := f.tree.byPathGet(parentKey)
	if parent == nil {
		return fmt.Errorf("mount: parent of %q not tracked", n.path)
	}

	var (
		plan     *upload.Plan
		beginErr error
	)

	f.locks.With("upload:"+n.path, func() {
		var entry *remoteclient.Entry

		plan, entry, beginErr = f.uploads.Begin(ctx, parent.fileID, n.name, n.path, "", size)
		if beginErr != nil {
			return
		}

		if entry != nil {
			// Zero-length or rapid-completed file: nothing left to stage.
			n.mu.Lock()
			n.fileID = entry.FileID
			n.size = uint64(entry.Size)
			n.contentHash = entry.ContentHash
			n.mu.Unlock()
		}
	})

	if beginErr != nil {
		return fmt.Errorf("mount: beginning upload for %q: %w", n.path, beginErr)
	}

	if plan == nil {
		n.mu.Lock()
		n.size = uint64(size)
		n.mu.Unlock()

		return nil
	}

	f.writesM.Lock()
	f.writes[n.nodeID] = plan
	f.writesM.Unlock()

	n.mu.Lock()
	n.size = uint64(size)
	n.mu.Unlock()

	return nil
}

// Write dispatches bytes to the active upload plan's owning staging part
// (spec §4.9 Write: "Subsequent WriteFile(offset, buf) writes dispatch
// bytes to the owning part's staging file").
func (f *Filesystem) Write(cancel <-chan struct{}, in *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n := f.inodeByNode(in.NodeId)
	if n == nil {
		return 0, fuse.EBADF
	}

	f.writesM.Lock()
	plan := f.writes[n.nodeID]
	f.writesM.Unlock()

	if plan == nil {
		return 0, fuse.EINVAL
	}

	if err := f.uploads.WriteAt(context.Background(), plan, int64(in.Offset), data); err != nil {
		f.logger.Error("mount: write failed", slog.String("path", n.path), slog.String("error", err.Error()))
		return 0, fuse.EIO
	}

	f.reads.Invalidate(plan.FileID)

	return uint32(len(data)), fuse.OK
}

// Flush completes the upload once every part has been PUT (spec §4.9
// Write: "CloseFile flushes any remaining filled parts and calls
// complete").
func (f *Filesystem) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	n := f.inodeByNode(in.NodeId)
	if n == nil {
		return fuse.EBADF
	}

	f.writesM.Lock()
	plan := f.writes[n.nodeID]
	f.writesM.Unlock()

	if plan == nil {
		return fuse.OK
	}

	if !plan.AllUploaded() {
		f.logger.Warn("mount: file closed before all parts were written", slog.String("path", n.path))
		return fuse.OK
	}

	entry, err := f.uploads.Complete(context.Background(), plan)
	if err != nil {
		f.logger.Error("mount: complete failed", slog.String("path", n.path), slog.String("error", err.Error()))
		return fuse.EIO
	}

	n.mu.Lock()
	n.fileID = entry.FileID
	n.contentHash = entry.ContentHash
	n.size = uint64(entry.Size)
	n.mu.Unlock()

	f.writesM.Lock()
	delete(f.writes, n.nodeID)
	f.writesM.Unlock()

	return fuse.OK
}

// Rename implements MoveFile: same-parent renames call Update, different-
// parent moves ensure the destination folder chain then call Move, and a
// directory rename rewrites every descendant key's prefix (spec §4.9
// MoveFile).
func (f *Filesystem) Rename(cancel <-chan struct{}, in *fuse.RenameIn, name string, newName string) fuse.Status {
	oldParent := f.inodeByNode(in.NodeId)
	newParent := f.inodeByNode(in.Newdir)

	if oldParent == nil || newParent == nil {
		return fuse.ENOENT
	}

	oldKey := joinKey(oldParent.path, name)
	n := f.tree.byPathGet(oldKey)

	if n == nil {
		return fuse.ENOENT
	}

	newKey := joinKey(newParent.path, newName)

	var renameErr error

	f.locks.With("move_"+newKey, func() {
		ctx := context.Background()

		if oldParent.fileID == newParent.fileID {
			_, renameErr = f.remote.Update(ctx, n.fileID, newName, remoteclient.NameModeRefuse)
		} else {
			_, renameErr = f.remote.Move(ctx, n.fileID, newParent.fileID, newName)
		}
	})

	if renameErr != nil {
		return fuse.EIO
	}

	if err := f.tree.renameSubtree(oldKey, newKey, newName, newParent.fileID); err != nil {
		return fuse.EIO
	}

	oldParent.mu.Lock()
	delete(oldParent.children, name)
	oldParent.mu.Unlock()

	newParent.mu.Lock()
	if newParent.children == nil {
		newParent.children = make(map[string]uint64)
	}
	newParent.children[newName] = n.nodeID
	newParent.mu.Unlock()

	return fuse.OK
}

// Unlink deletes a file; Rmdir deletes an empty directory. Both dispatch
// to delete(fileId, toRecycleBin) (spec §4.9 Delete).
func (f *Filesystem) Unlink(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	return f.remove(in, name)
}

func (f *Filesystem) Rmdir(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	dirKey := joinKey(f.pathFor(in.NodeId), name)
	if len(f.tree.childNames(dirKey)) > 0 {
		return fuse.Status(syscall.ENOTEMPTY)
	}

	return f.remove(in, name)
}

func (f *Filesystem) pathFor(nodeID uint64) string {
	n := f.inodeByNode(nodeID)
	if n == nil {
		return ""
	}

	return n.path
}

func (f *Filesystem) remove(in *fuse.InHeader, name string) fuse.Status {
	parent := f.inodeByNode(in.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}

	key := joinKey(parent.path, name)

	child := f.tree.byPathGet(key)
	if child == nil {
		return fuse.ENOENT
	}

	if err := f.remote.Delete(context.Background(), child.fileID, f.cfg.ToRecycleBin); err != nil {
		return fuse.EIO
	}

	f.tree.delete(key)

	parent.mu.Lock()
	delete(parent.children, name)
	parent.mu.Unlock()

	return fuse.OK
}

// StatFs reports the drive's quota (spec §4.9 Volume/GetDiskFreeSpace).
func (f *Filesystem) StatFs(cancel <-chan struct{}, in *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	space, err := f.remote.SpaceInfo(context.Background())
	if err != nil {
		return fuse.EREMOTEIO
	}

	const blockSize uint64 = 4096

	total := uint64(space.TotalBytes)
	used := uint64(space.UsedBytes)

	free := uint64(0)
	if total > used {
		free = total - used
	}

	out.Bsize = uint32(blockSize)
	out.Blocks = total / blockSize
	out.Bfree = free / blockSize
	out.Bavail = free / blockSize
	out.NameLen = 260

	return fuse.OK
}
