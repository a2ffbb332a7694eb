package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/clouddrive-sync/internal/pathutil"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
	"github.com/tonimelisma/clouddrive-sync/internal/upload"
)

// downloadURLExpirySeconds is the lifetime requested for a presigned
// download URL (spec §4.5 getDownloadUrl(fileId, expirySec)); one hour is
// comfortably longer than a single-file transfer takes.
const downloadURLExpirySeconds = 3600

// RemoteOps is the subset of remoteclient.Client the executor needs for
// renames, deletes, and download URLs (spec §4.5). Folder creation is
// delegated to UploadEngine.EnsureFolderChain, which already owns the
// per-parent-path mutual exclusion folder creation requires.
type RemoteOps interface {
	Update(ctx context.Context, fileID, newName string, nameMode remoteclient.NameMode) (*remoteclient.MoveResult, error)
	Delete(ctx context.Context, fileID string, toRecycleBin bool) error
	GetDownloadURL(ctx context.Context, fileID string, expirySec int) (string, error)
}

// UploadEngine is the subset of upload.Engine the executor needs to push a
// local file to the remote drive (spec §4.6).
type UploadEngine interface {
	EnsureFolderChain(ctx context.Context, rootID, relPath string) (string, error)
	Begin(ctx context.Context, parentID, name, key, fullPath string, size int64) (*upload.Plan, *remoteclient.Entry, error)
	UploadFile(ctx context.Context, plan *upload.Plan, fullPath string) (*remoteclient.Entry, error)
}

// ExecutorConfig parameterizes an Executor.
type ExecutorConfig struct {
	UploadThreads   int // spec §3 JobConfig.uploadThread
	DownloadThreads int // spec §3 JobConfig.downloadThread
	ToRecycleBin    bool
	Logger          *slog.Logger
}

func (c ExecutorConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c ExecutorConfig) uploadThreads() int {
	if c.UploadThreads > 0 {
		return c.UploadThreads
	}

	return 1
}

func (c ExecutorConfig) downloadThreads() int {
	if c.DownloadThreads > 0 {
		return c.DownloadThreads
	}

	return 1
}

// Executor applies an ActionPlan computed by Reconciler.Plan against the
// remote drive client, the upload engine, and the local filesystem. Uploads
// and downloads run with bounded concurrency (spec §3 JobConfig.upload/
// downloadThread); folder creates, renames, and deletes run sequentially
// since each is cheap and later actions may depend on their outcome.
type Executor struct {
	cfg        ExecutorConfig
	remote     RemoteOps
	uploads    UploadEngine
	httpClient *http.Client
	logger     *slog.Logger
	rootID     string // remote folder ID the plan's keys are rooted under
}

// NewExecutor creates an Executor. rootID is the remote folder ID that
// corresponds to the sync target; all keys in the plan are resolved
// relative to it.
func NewExecutor(cfg ExecutorConfig, remote RemoteOps, uploads UploadEngine, rootID string) *Executor {
	return &Executor{
		cfg:        cfg,
		remote:     remote,
		uploads:    uploads,
		httpClient: &http.Client{},
		logger:     cfg.logger(),
		rootID:     rootID,
	}
}

// Apply executes every action in plan, in the order spec §4.7 requires:
// folder creates, then renames, then uploads and downloads (bounded,
// concurrent), then remote deletes.
func (x *Executor) Apply(ctx context.Context, plan *ActionPlan) error {
	for _, a := range plan.FolderCreates {
		if err := x.applyFolderCreate(ctx, a); err != nil {
			return fmt.Errorf("create folder %q: %w", a.Key, err)
		}
	}

	for _, a := range plan.RemoteRenames {
		if err := x.applyRename(ctx, a); err != nil {
			return fmt.Errorf("rename %q: %w", a.Key, err)
		}
	}

	if err := x.runBounded(ctx, plan.Uploads, x.cfg.uploadThreads(), x.applyUpload); err != nil {
		return err
	}

	if err := x.runBounded(ctx, plan.Downloads, x.cfg.downloadThreads(), x.applyDownload); err != nil {
		return err
	}

	for _, a := range plan.RemoteDeletes {
		if err := x.applyDelete(ctx, a); err != nil {
			return fmt.Errorf("delete %q: %w", a.Key, err)
		}
	}

	return nil
}

// runBounded dispatches one goroutine per action, limited to limit
// concurrent workers via a weighted semaphore. Unlike errgroup, a failing
// action does not cancel its siblings or short-circuit the batch — every
// action runs to completion and its error, if any, is folded into the
// combined result with multierr so a reconciler batch reports every
// per-item failure instead of only the first.
func (x *Executor) runBounded(ctx context.Context, actions []Action, limit int, apply func(context.Context, Action) error) error {
	if len(actions) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(limit))

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		combined error
	)

	for _, a := range actions {
		action := a

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			combined = multierr.Append(combined, err)
			mu.Unlock()

			break
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if err := apply(ctx, action); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("%q: %w", action.Key, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return combined
}

func (x *Executor) applyFolderCreate(ctx context.Context, a Action) error {
	if a.FolderSide == FolderSideLocal {
		return os.MkdirAll(a.FullPath, 0o755) //nolint:mnd // standard owner+group+other dir perms
	}

	_, err := x.uploads.EnsureFolderChain(ctx, x.rootID, x.relPath(a.Key))

	return err
}

func (x *Executor) applyUpload(ctx context.Context, a Action) error {
	info, err := os.Stat(a.FullPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", a.FullPath, err)
	}

	parentID, err := x.uploads.EnsureFolderChain(ctx, x.rootID, x.relPath(pathutil.Parent(a.Key)))
	if err != nil {
		return fmt.Errorf("ensure folder chain: %w", err)
	}

	plan, _, err := x.uploads.Begin(ctx, parentID, pathutil.Base(a.Key), a.Key, a.FullPath, info.Size())
	if err != nil {
		return fmt.Errorf("begin upload: %w", err)
	}

	if plan == nil {
		return nil // rapid upload already completed in Begin
	}

	_, err = x.uploads.UploadFile(ctx, plan, a.FullPath)

	return err
}

func (x *Executor) applyDownload(ctx context.Context, a Action) error {
	if err := os.MkdirAll(filepath.Dir(a.FullPath), 0o755); err != nil { //nolint:mnd // standard dir perms
		return fmt.Errorf("mkdir parent of %s: %w", a.FullPath, err)
	}

	url, err := x.remote.GetDownloadURL(ctx, a.FileID, downloadURLExpirySeconds)
	if err != nil {
		return fmt.Errorf("get download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	// .partial staging + atomic rename, matching
	// TransferManager.DownloadToFile (internal/driveops/transfer_manager.go).
	partialPath := a.FullPath + ".partial"

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:mnd // owner-only
	if err != nil {
		return fmt.Errorf("create partial %s: %w", partialPath, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(partialPath)

		return fmt.Errorf("write partial %s: %w", partialPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partialPath)

		return fmt.Errorf("close partial %s: %w", partialPath, err)
	}

	if err := os.Rename(partialPath, a.FullPath); err != nil {
		return fmt.Errorf("rename partial to %s: %w", a.FullPath, err)
	}

	return nil
}

func (x *Executor) applyRename(ctx context.Context, a Action) error {
	_, err := x.remote.Update(ctx, a.FileID, a.NewName, remoteclient.NameModeRefuse)

	return err
}

func (x *Executor) applyDelete(ctx context.Context, a Action) error {
	return x.remote.Delete(ctx, a.FileID, x.cfg.ToRecycleBin)
}

// relPath strips the key's root-name leading component, the shape
// upload.Engine.EnsureFolderChain expects ("relPath" under rootID).
func (x *Executor) relPath(key string) string {
	idx := strings.Index(key, "/")
	if idx < 0 {
		return "" // key is just the root name
	}

	return key[idx+1:]
}
