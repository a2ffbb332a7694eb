// Package scanner implements the local scanner (spec §4.2): a bounded
// parallel tree walk that produces the complete set of LocalEntry records
// under a set of root directories, honoring filters and consulting the
// persistent index cache to skip rehashing unchanged files.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/clouddrive-sync/internal/indexcache"
	"github.com/tonimelisma/clouddrive-sync/internal/pathutil"
)

const (
	minDegree            = 4
	maxDegree            = 8
	progressReportPeriod = 100 * time.Millisecond // ≥10 Hz per spec §4.2
	dirQueueSize         = 4096
)

// Progress reports scan throughput (spec §4.2: "reports processed counts
// and items/sec at ≥10 Hz").
type Progress struct {
	Processed   int64
	ItemsPerSec float64
}

// ProgressFunc receives periodic Progress snapshots during Scan.
type ProgressFunc func(Progress)

// Config parameterizes a Scanner.
type Config struct {
	Roots         []string
	Degree        int // walk concurrency; clamped to [4,8], defaults to runtime.GOMAXPROCS(0)
	HashLevel     Level
	HashAlgorithm Algorithm
	ComputeSHA1   bool // compute LocalEntry.sha1 independent of HashLevel/HashAlgorithm (spec §3)
	Filter        *pathutil.FilterSet
	Cache         *indexcache.Store
	Logger        *slog.Logger
	OnProgress    ProgressFunc
}

// Scanner walks a set of root directories and reconciles discovered files
// and folders against the index cache.
type Scanner struct {
	cfg Config
}

// New creates a Scanner from cfg, clamping Degree and filling a nil Logger.
func New(cfg Config) *Scanner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg.Degree = clampDegree(cfg.Degree)

	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = AlgorithmSHA1
	}

	return &Scanner{cfg: cfg}
}

func clampDegree(configured int) int {
	d := configured
	if d <= 0 {
		d = runtime.GOMAXPROCS(0)
	}

	if d < minDegree {
		d = minDegree
	}

	if d > maxDegree {
		d = maxDegree
	}

	return d
}

// Scan walks every configured root and stages discovered/changed/deleted
// LocalEntry records into the index cache's dirty set (spec §4.3 range()).
// It does not itself flush the cache; callers own the flush/Close lifecycle.
func (s *Scanner) Scan(ctx context.Context) error {
	visited := newVisitedSet()

	var processed int64

	stopProgress := s.startProgressReporter(&processed)
	defer stopProgress()

	for _, root := range s.cfg.Roots {
		if err := s.scanRoot(ctx, root, visited, &processed); err != nil {
			return fmt.Errorf("scanner: scanning root %q: %w", root, err)
		}
	}

	if err := s.detectOrphans(ctx, visited); err != nil {
		return fmt.Errorf("scanner: detecting orphans: %w", err)
	}

	return nil
}

func (s *Scanner) startProgressReporter(processed *int64) func() {
	if s.cfg.OnProgress == nil {
		return func() {}
	}

	ticker := time.NewTicker(progressReportPeriod)
	done := make(chan struct{})

	var last int64

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cur := atomic.LoadInt64(processed)
				rate := float64(cur-last) / progressReportPeriod.Seconds()
				last = cur

				s.cfg.OnProgress(Progress{Processed: cur, ItemsPerSec: rate})
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// visitedSet tracks every key discovered during the walk, for orphan
// detection against the cache's full record set.
type visitedSet struct {
	mu   gosync.Mutex
	keys map[string]bool
}

func newVisitedSet() *visitedSet {
	return &visitedSet{keys: make(map[string]bool)}
}

func (v *visitedSet) mark(key string) {
	v.mu.Lock()
	v.keys[key] = true
	v.mu.Unlock()
}

func (v *visitedSet) has(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.keys[key]
}

// scanRoot performs the bounded parallel walk described in spec §4.2: a
// producer discovers directories breadth-first over a bounded queue;
// consumers (bounded by cfg.Degree) drain the queue, stat each entry, and
// emit file/folder records lazily.
func (s *Scanner) scanRoot(ctx context.Context, root string, visited *visitedSet, processed *int64) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			s.cfg.Logger.Warn("scanner: root does not exist, skipping", "root", root)
			return nil
		}

		return fmt.Errorf("scanner: stat root: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("scanner: root %q is not a directory", root)
	}

	dirs := make(chan string, dirQueueSize)
	dirs <- root

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Degree)

	var pending atomic.Int64
	pending.Add(1)

	var closeOnce gosync.Once

	for {
		select {
		case dir, ok := <-dirs:
			if !ok {
				return g.Wait()
			}

			g.Go(func() error {
				defer func() {
					if pending.Add(-1) == 0 {
						closeOnce.Do(func() { close(dirs) })
					}
				}()

				children, err := s.walkOneDir(gctx, root, dir, visited, processed)
				if err != nil {
					return err
				}

				for _, child := range children {
					pending.Add(1)

					select {
					case dirs <- child:
					case <-gctx.Done():
						pending.Add(-1)
						return gctx.Err()
					}
				}

				return nil
			})
		case <-gctx.Done():
			return g.Wait()
		}
	}
}

// walkOneDir reads one directory's entries, emitting file records and the
// folder's own record, and returns the sub-directories found for further
// traversal. Permission-denied and not-found errors on this directory
// itself are logged and skipped (spec §4.2); all other errors propagate.
func (s *Scanner) walkOneDir(
	ctx context.Context, root, fullDir string, visited *visitedSet, processed *int64,
) ([]string, error) {
	entries, err := os.ReadDir(fullDir)
	if err != nil {
		if isSkippable(err) {
			s.cfg.Logger.Warn("scanner: cannot read directory, skipping", "path", fullDir, "error", err)
			return nil, nil
		}

		return nil, fmt.Errorf("scanner: reading directory %q: %w", fullDir, err)
	}

	dirKey := pathutil.ToKey(root, fullDir)
	if !s.excluded(dirKey, true) {
		visited.mark(dirKey)
		s.emitFolder(ctx, dirKey)
	}

	var subdirs []string

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		childFull := filepath.Join(fullDir, entry.Name())
		childKey := pathutil.ToKey(root, childFull)

		info, err := entry.Info()
		if err != nil {
			if isSkippable(err) {
				s.cfg.Logger.Warn("scanner: cannot stat entry, skipping", "path", childFull, "error", err)
				continue
			}

			return nil, fmt.Errorf("scanner: stat %q: %w", childFull, err)
		}

		isDir := info.IsDir()
		if s.excluded(childKey, isDir) {
			continue
		}

		if isDir {
			subdirs = append(subdirs, childFull)
			continue
		}

		visited.mark(childKey)
		atomic.AddInt64(processed, 1)

		if err := s.emitFile(ctx, childKey, childFull, info); err != nil {
			return nil, err
		}
	}

	return subdirs, nil
}

func (s *Scanner) excluded(key string, isDir bool) bool {
	return s.cfg.Filter.Excluded(key, isDir)
}

func isSkippable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

func (s *Scanner) emitFolder(ctx context.Context, key string) {
	if s.cfg.Cache == nil {
		return
	}

	s.cfg.Cache.Add(indexcache.Entry{
		Key:    key,
		IsFile: false,
	})
}

// emitFile stats and, if necessary, hashes a discovered file, adopting the
// cached hash/sha1 when (size, creationTime, lastWriteTime, hash) all
// match the cached record (spec §3 invariant 3, §4.2 cache lookup).
func (s *Scanner) emitFile(ctx context.Context, key, fullPath string, info os.FileInfo) error {
	candidate := indexcache.Entry{
		Key:           key,
		FullPath:      fullPath,
		IsFile:        true,
		Size:          info.Size(),
		CreationTime:  creationTime(info),
		LastWriteTime: info.ModTime(),
		IsHidden:      isHidden(info),
		IsReadOnly:    isReadOnly(info),
	}

	if s.cfg.Cache != nil {
		if cached, ok := s.cfg.Cache.Matches(ctx, candidate); ok {
			candidate.Hash = cached.Hash
			candidate.SHA1 = cached.SHA1
			s.cfg.Cache.Update(candidate)

			return nil
		}
	}

	hash, err := computeHash(fullPath, candidate.Size, s.cfg.HashLevel, s.cfg.HashAlgorithm)
	if err != nil {
		s.cfg.Logger.Warn("scanner: hash failed, skipping", "path", fullPath, "error", err)
		return nil
	}

	candidate.Hash = hash

	if s.cfg.ComputeSHA1 {
		sha1Hex, err := computeSHA1(fullPath)
		if err != nil {
			s.cfg.Logger.Warn("scanner: sha1 failed, skipping", "path", fullPath, "error", err)
			return nil
		}

		candidate.SHA1 = sha1Hex
	}

	if s.cfg.Cache != nil {
		s.cfg.Cache.Add(candidate)
	}

	return nil
}

// detectOrphans marks every cached entry not visited during this scan as
// deleted, by removing it from the index cache (spec §4.2: files/folders
// absent from a scan are removed from the LocalEntry set).
func (s *Scanner) detectOrphans(ctx context.Context, visited *visitedSet) error {
	if s.cfg.Cache == nil {
		return nil
	}

	all, err := s.cfg.Cache.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("scanner: listing cached entries: %w", err)
	}

	for _, e := range all {
		if !visited.has(e.Key) {
			s.cfg.Logger.Debug("scanner: orphan detected, removing from cache", "key", e.Key)
			s.cfg.Cache.Delete(e.Key)
		}
	}

	return nil
}
