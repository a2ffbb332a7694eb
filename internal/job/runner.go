package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/tonimelisma/clouddrive-sync/internal/indexcache"
	"github.com/tonimelisma/clouddrive-sync/internal/reconcile"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
	"github.com/tonimelisma/clouddrive-sync/internal/scanner"
	"github.com/tonimelisma/clouddrive-sync/internal/upload"
)

// remoteListPageSize bounds one List call's page size while walking the
// remote target's subtree.
const remoteListPageSize = 200

// DefaultRunner wires the scanner, index cache, remote client, reconciler,
// and upload engine into the four phases a job run drives through (spec §2:
// "H orchestrates B/E/G/F").
type DefaultRunner struct {
	Cache      *indexcache.Store
	Remote     *remoteclient.Client
	Uploads    *upload.Engine
	Reconciler *reconcile.Reconciler
	RootID     string // remote folder ID Config.Target is rooted under
	Logger     *slog.Logger

	lastSources []reconcile.Source
	lastMode    reconcile.Mode
	lastPlan    *reconcile.ActionPlan
}

func (r *DefaultRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return r.Logger
}

// Scan walks every configured source root, staging discovered/changed/
// deleted records into the index cache and flushing them (spec §4.2, §4.3).
func (r *DefaultRunner) Scan(ctx context.Context, cfg *Config, unitDone func()) error {
	filters, err := cfg.Filters()
	if err != nil {
		return fmt.Errorf("job: parsing filters: %w", err)
	}

	roots := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		roots = append(roots, src.RootPath)
	}

	sc := scanner.New(scanner.Config{
		Roots:         roots,
		HashLevel:     cfg.CheckLevel,
		HashAlgorithm: cfg.CheckAlgorithm,
		ComputeSHA1:   true,
		Filter:        filters,
		Cache:         r.Cache,
		OnProgress: func(p scanner.Progress) {
			r.logger().Debug("scan progress",
				"processed", humanize.Comma(p.Processed),
				"items_per_sec", humanize.FtoaWithDigits(p.ItemsPerSec, 1))
			unitDone()
		},
	})

	if err := sc.Scan(ctx); err != nil {
		return err
	}

	return r.Cache.Flush(ctx)
}

// Backup reconciles the scanned local snapshot against the remote target
// per cfg.Mode (spec §4.7).
func (r *DefaultRunner) Backup(ctx context.Context, cfg *Config, unitDone func()) error {
	return r.reconcileAndExecute(ctx, cfg, cfg.Mode, cfg.Sources, unitDone)
}

// Restore reconciles the remote target down into RestorePath. A restore
// always runs TwoWaySync's download direction — it never deletes remote
// entries or pushes local changes back up.
func (r *DefaultRunner) Restore(ctx context.Context, cfg *Config, unitDone func()) error {
	restoreSources := []reconcile.Source{
		{RootPath: cfg.RestorePath, RootKey: filepath.Base(cfg.RestorePath)},
	}

	return r.reconcileAndExecute(ctx, cfg, reconcile.ModeTwoWaySync, restoreSources, unitDone)
}

// Verify re-lists the remote target, recomputes the plan against the
// sources/mode the preceding Backup or Restore used, and fails if the
// recomputed plan is non-empty — meaning the run did not converge
// (spec §4.8 Verifying phase).
func (r *DefaultRunner) Verify(ctx context.Context, cfg *Config, unitDone func()) error {
	defer unitDone()

	if r.lastPlan == nil {
		return nil
	}

	local, err := r.localSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("job: verify local snapshot: %w", err)
	}

	remote, err := r.remoteSnapshot(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("job: verify remote snapshot: %w", err)
	}

	plan := r.Reconciler.Plan(local, remote, r.lastSources, r.lastMode)
	if plan.TotalActions() > 0 {
		return fmt.Errorf("job: verify found %d unconverged action(s) after run", plan.TotalActions())
	}

	return nil
}

// reconcileAndExecute runs one full plan-then-apply pass: snapshot local
// and remote, compute the action plan, apply it, and remember the
// sources/mode/plan for the following Verify phase.
func (r *DefaultRunner) reconcileAndExecute(
	ctx context.Context, cfg *Config, mode reconcile.Mode, sources []reconcile.Source, unitDone func(),
) error {
	local, err := r.localSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("job: local snapshot: %w", err)
	}

	remote, err := r.remoteSnapshot(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("job: remote snapshot: %w", err)
	}

	plan := r.Reconciler.Plan(local, remote, sources, mode)

	r.lastSources = sources
	r.lastMode = mode
	r.lastPlan = plan

	exec := reconcile.NewExecutor(reconcile.ExecutorConfig{
		UploadThreads:   cfg.UploadThreads,
		DownloadThreads: cfg.DownloadThreads,
		ToRecycleBin:    cfg.RecycleBin,
	}, r.Remote, r.Uploads, r.RootID)

	if err := exec.Apply(ctx, plan); err != nil {
		return fmt.Errorf("job: apply plan: %w", err)
	}

	unitDone()

	return nil
}

// localSnapshot converts the index cache's full record set into the
// reconciler's LocalEntry shape.
func (r *DefaultRunner) localSnapshot(ctx context.Context) ([]reconcile.LocalEntry, error) {
	all, err := r.Cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]reconcile.LocalEntry, 0, len(all))

	for _, e := range all {
		out = append(out, reconcile.LocalEntry{
			Key:      e.Key,
			FullPath: e.FullPath,
			IsDir:    !e.IsFile,
			Size:     e.Size,
			SHA1:     e.SHA1,
		})
	}

	return out, nil
}

// remoteSnapshot walks the remote target's subtree breadth-first, deriving
// each descendant's key by joining the parent key with the entry's name
// (spec §3 RemoteEntry.key: "identical in shape to LocalEntry.key but
// rooted at the remote save path").
func (r *DefaultRunner) remoteSnapshot(ctx context.Context, targetKey string) ([]reconcile.RemoteEntry, error) {
	type node struct {
		fileID string
		key    string
	}

	var out []reconcile.RemoteEntry

	queue := []node{{fileID: r.RootID, key: targetKey}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var marker string

		for {
			children, next, err := r.Remote.List(ctx, cur.fileID, marker, remoteListPageSize)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", cur.fileID, err)
			}

			for _, child := range children {
				childKey := cur.key + "/" + child.Name
				isDir := child.Type == remoteclient.TypeFolder

				out = append(out, reconcile.RemoteEntry{
					Key:          childKey,
					FileID:       child.FileID,
					ParentFileID: child.ParentFileID,
					Name:         child.Name,
					IsDir:        isDir,
					Size:         child.Size,
					ContentHash:  child.ContentHash,
				})

				if isDir {
					queue = append(queue, node{fileID: child.FileID, key: childKey})
				}
			}

			if next == "" {
				break
			}

			marker = next
		}
	}

	return out, nil
}
