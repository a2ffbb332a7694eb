package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/tonimelisma/clouddrive-sync/internal/lockshard"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
)

// ProofCodeSource supplies the access-token-derived proof code required by
// the second rapid-upload negotiation step (spec §4.6 step 3). The access-
// token refresh service itself is out of scope (spec §1 Non-goals); this is
// the narrow collaborator interface the engine depends on instead.
type ProofCodeSource interface {
	ProofCode(ctx context.Context) (string, error)
}

// Engine uploads local files to the remote drive, handling folder-chain
// creation, rapid-upload negotiation, and retried, staged part PUTs (spec
// §4.6).
type Engine struct {
	cfg    Config
	client *remoteclient.Client
	locks  *lockshard.Table
	proof  ProofCodeSource
	logger *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. locks guards per-parent folder creation and must be
// shared with any other component creating folders against the same drive
// (spec §4.6 step 1: "per-parent-path mutual exclusion serializes creates").
// proof may be nil if RapidUploadEnabled is false.
func New(cfg Config, client *remoteclient.Client, locks *lockshard.Table, proof ProofCodeSource) *Engine {
	if locks == nil {
		locks = lockshard.New()
	}

	return &Engine{
		cfg:       cfg,
		client:    client,
		locks:     locks,
		proof:     proof,
		logger:    cfg.logger(),
		sleepFunc: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureFolderChain walks relPath's components under rootID, creating any
// folder missing along the way, and returns the deepest folder's fileId
// (spec §4.6 step 1). An empty relPath returns rootID unchanged.
func (e *Engine) EnsureFolderChain(ctx context.Context, rootID, relPath string) (string, error) {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" {
		return rootID, nil
	}

	parentID := rootID
	accumulated := ""

	for _, component := range strings.Split(relPath, "/") {
		if accumulated == "" {
			accumulated = component
		} else {
			accumulated += "/" + component
		}

		lockKey := "create_folder_" + accumulated

		var childID string

		var opErr error

		e.locks.With(lockKey, func() {
			childID, opErr = e.ensureOneFolder(ctx, parentID, component)
		})

		if opErr != nil {
			return "", opErr
		}

		parentID = childID
	}

	return parentID, nil
}

func (e *Engine) ensureOneFolder(ctx context.Context, parentID, name string) (string, error) {
	entry, err := e.client.CreateFolder(ctx, parentID, name, remoteclient.NameModeRefuse)
	if err == nil {
		return entry.FileID, nil
	}

	var rerr *remoteclient.Error
	if !errors.As(err, &rerr) || rerr.Category != remoteclient.CategoryAlreadyExists {
		return "", fmt.Errorf("upload: creating folder %q: %w", name, err)
	}

	existing, findErr := e.findChildByName(ctx, parentID, name)
	if findErr != nil {
		return "", fmt.Errorf("upload: resolving existing folder %q: %w", name, findErr)
	}

	return existing.FileID, nil
}

// findChildByName paginates List until it finds a child named name, or
// returns an error if the listing is exhausted without a match (a transient
// already-exists collision that disappeared, or a concurrent delete).
func (e *Engine) findChildByName(ctx context.Context, parentID, name string) (*remoteclient.Entry, error) {
	marker := ""

	for {
		entries, next, err := e.client.List(ctx, parentID, marker, 200)
		if err != nil {
			return nil, err
		}

		for i := range entries {
			if entries[i].Name == name {
				return &entries[i], nil
			}
		}

		if next == "" {
			return nil, fmt.Errorf("upload: %q not found among %q's children after already-exists", name, parentID)
		}

		marker = next
	}
}

// Begin negotiates an upload for fullPath (size in bytes, already known)
// under parentID/name, keyed by key for staging-file naming. If the server
// completes the upload via rapid dedup, result.Rapid is true, entry is
// populated, and plan is nil (spec §4.6 step 3, §8 law 8).
func (e *Engine) Begin(
	ctx context.Context, parentID, name, key, fullPath string, size int64,
) (plan *Plan, entry *remoteclient.Entry, err error) {
	opts, err := e.negotiateOptions(ctx, fullPath, size)
	if err != nil {
		return nil, nil, err
	}

	result, err := e.client.CreateFile(ctx, parentID, name, size, remoteclient.NameModeRefuse, PartCount(size), opts)
	if err != nil {
		var rerr *remoteclient.Error
		if errors.As(err, &rerr) && rerr.Category == remoteclient.CategoryConflictPreHashMatched {
			return e.beginFullHash(ctx, parentID, name, key, fullPath, size)
		}

		return nil, nil, fmt.Errorf("upload: creating file %q: %w", name, err)
	}

	if result.Rapid {
		entry, err = e.client.Complete(ctx, result.FileID, result.UploadID)
		if err != nil {
			return nil, nil, fmt.Errorf("upload: completing rapid upload %q: %w", name, err)
		}

		return nil, entry, nil
	}

	newPlanResult := newPlan(key, result.FileID, result.UploadID, size, e.cfg.stagingRoot(), result.Parts)

	if size <= 0 {
		if err := e.putEmptyParts(ctx, newPlanResult); err != nil {
			return nil, nil, err
		}
	}

	return newPlanResult, nil, nil
}

// putEmptyParts PUTs every zero-length part of plan immediately, since a
// zero-byte file never drives a WriteAt call to fill them (spec §6: a file
// of size 0 still has exactly one, empty, part).
func (e *Engine) putEmptyParts(ctx context.Context, plan *Plan) error {
	for _, p := range plan.parts {
		if p.length == 0 && !p.uploaded {
			if err := writeStagingBytes(p.path, 0, 0, nil); err != nil {
				return err
			}

			if err := e.putPart(ctx, plan, p); err != nil {
				return err
			}
		}
	}

	return nil
}

// negotiateOptions implements the pre-hash probe of spec §4.6 step 3. It
// returns nil when rapid upload is disabled or the file is too small to
// qualify.
func (e *Engine) negotiateOptions(ctx context.Context, fullPath string, size int64) (*remoteclient.CreateFileOptions, error) {
	if !e.cfg.RapidUploadEnabled || size <= rapidUploadMinSize {
		return nil, nil //nolint:nilnil // absence of negotiation is the normal, expected case
	}

	if size <= preHashThreshold {
		return e.fullHashOptions(ctx, fullPath)
	}

	prefix, err := preHash(fullPath)
	if err != nil {
		return nil, err
	}

	return &remoteclient.CreateFileOptions{PreHash: prefix}, nil
}

func (e *Engine) fullHashOptions(ctx context.Context, fullPath string) (*remoteclient.CreateFileOptions, error) {
	content, err := fullHash(fullPath)
	if err != nil {
		return nil, err
	}

	var code string

	if e.proof != nil {
		code, err = e.proof.ProofCode(ctx)
		if err != nil {
			return nil, fmt.Errorf("upload: deriving proof code: %w", err)
		}
	}

	return &remoteclient.CreateFileOptions{ContentHash: content, ProofCode: code}, nil
}

// beginFullHash re-issues createFile with the full-hash/proofCode pair after
// a pre-hash-matched signal (spec §4.6 step 3, §7).
func (e *Engine) beginFullHash(
	ctx context.Context, parentID, name, key, fullPath string, size int64,
) (*Plan, *remoteclient.Entry, error) {
	opts, err := e.fullHashOptions(ctx, fullPath)
	if err != nil {
		return nil, nil, err
	}

	result, err := e.client.CreateFile(ctx, parentID, name, size, remoteclient.NameModeRefuse, PartCount(size), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("upload: re-issuing full-hash create for %q: %w", name, err)
	}

	if result.Rapid {
		entry, err := e.client.Complete(ctx, result.FileID, result.UploadID)
		if err != nil {
			return nil, nil, fmt.Errorf("upload: completing rapid upload %q: %w", name, err)
		}

		return nil, entry, nil
	}

	return newPlan(key, result.FileID, result.UploadID, size, e.cfg.stagingRoot(), result.Parts), nil, nil
}

// UploadFile streams fullPath's content into plan's staging files and PUTs
// each part as it fills, then calls Complete (spec §4.6 steps 4-5). It is a
// convenience for callers that already hold the whole file on local disk,
// as opposed to the mount adapter's arbitrary-offset WriteAt path.
func (e *Engine) UploadFile(ctx context.Context, plan *Plan, fullPath string) (*remoteclient.Entry, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("upload: opening %s: %w", fullPath, err)
	}
	defer f.Close()

	buf := make([]byte, 256*1024)

	var offset int64

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := e.WriteAt(ctx, plan, offset, buf[:n]); err != nil {
				return nil, err
			}

			offset += int64(n)
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return nil, fmt.Errorf("upload: reading %s: %w", fullPath, readErr)
		}
	}

	return e.Complete(ctx, plan)
}

// WriteAt dispatches data written at offset to the owning part's staging
// file, PUTting the part as soon as it is fully filled (spec §4.9 Write:
// "a part is PUT as soon as it is fully filled"). data may span more than
// one part.
func (e *Engine) WriteAt(ctx context.Context, plan *Plan, offset int64, data []byte) error {
	for len(data) > 0 {
		idx := partIndexForOffset(offset)
		if idx >= len(plan.parts) {
			return fmt.Errorf("upload: write offset %d exceeds plan for key %q", offset, plan.Key)
		}

		p := plan.parts[idx]
		partStart := int64(idx) * PartSize
		withinPart := offset - partStart

		n := int64(len(data))
		if remaining := p.length - withinPart; n > remaining {
			n = remaining
		}

		if err := e.stagePartBytes(ctx, plan, p, withinPart, data[:n]); err != nil {
			return err
		}

		data = data[n:]
		offset += n

		if e.partFilled(plan, p) {
			if err := e.putPart(ctx, plan, p); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Engine) stagePartBytes(ctx context.Context, plan *Plan, p *part, withinPart int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lockKey := "upload:" + plan.Key + ":" + p.path

	var opErr error

	e.locks.With(lockKey, func() {
		opErr = writeStagingBytes(p.path, p.length, withinPart, data)
		if opErr == nil {
			plan.mu.Lock()
			if withinPart+int64(len(data)) > p.filled {
				p.filled = withinPart + int64(len(data))
			}
			plan.mu.Unlock()
		}
	})

	return opErr
}

// writeStagingBytes writes data at offset into path, a part's fixed-length
// staging file. Parts are mmap'd rather than written through WriteAt since
// a part's final size is known up front and writes to it arrive out of
// order across possibly-concurrent WriteAt calls (spec §4.9 Write).
func writeStagingBytes(path string, length, offset int64, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("upload: creating staging dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("upload: opening staging file %s: %w", path, err)
	}
	defer f.Close()

	if length == 0 {
		return nil
	}

	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("upload: sizing staging file %s: %w", path, err)
	}

	region, err := mmap.MapRegion(f, int(length), mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("upload: mapping staging file %s: %w", path, err)
	}
	defer region.Unmap()

	copy(region[offset:], data)

	if err := region.Flush(); err != nil {
		return fmt.Errorf("upload: flushing staging file %s: %w", path, err)
	}

	return nil
}

func (e *Engine) partFilled(plan *Plan, p *part) bool {
	plan.mu.Lock()
	defer plan.mu.Unlock()

	return p.filled >= p.length && !p.uploaded
}

// putPart PUTs one part's staged bytes to its presigned URL, retrying per
// spec §4.6 step 4 / §7: "3 attempts, back-off 5s/25s/125s".
func (e *Engine) putPart(ctx context.Context, plan *Plan, p *part) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("upload: opening staged part %s: %w", p.path, err)
	}
	defer f.Close()

	var lastErr error

	for attempt := 0; attempt < maxPartAttempts; attempt++ {
		if attempt > 0 {
			e.logger.Warn("upload: retrying part",
				slog.String("key", plan.Key), slog.Int("part", p.number), slog.Int("attempt", attempt+1))

			if err := e.sleepFunc(ctx, retryBackoff[attempt-1]); err != nil {
				return fmt.Errorf("upload: retry canceled for part %d: %w", p.number, err)
			}
		}

		lastErr = e.client.UploadPart(ctx, p.uploadURL, io.NewSectionReader(f, 0, p.length), p.length)
		if lastErr == nil {
			plan.mu.Lock()
			p.uploaded = true
			plan.mu.Unlock()

			return nil
		}
	}

	return fmt.Errorf("upload: part %d failed after %d attempts: %w", p.number, maxPartAttempts, lastErr)
}

// Complete finalizes plan once every part has succeeded, registers the
// resulting RemoteEntry, and removes the staging files (spec §4.6 step 5).
// If any part never uploaded, complete is not called at all (spec §8 law 5).
func (e *Engine) Complete(ctx context.Context, plan *Plan) (*remoteclient.Entry, error) {
	if !plan.AllUploaded() {
		return nil, fmt.Errorf("upload: not all parts uploaded for key %q, refusing to complete", plan.Key)
	}

	entry, err := e.client.Complete(ctx, plan.FileID, plan.UploadID)
	if err != nil {
		return nil, fmt.Errorf("upload: completing %q: %w", plan.Key, err)
	}

	e.cleanupStaging(plan)
	e.cleanupDuplicates(ctx, entry)

	return entry, nil
}

func (e *Engine) cleanupStaging(plan *Plan) {
	for _, path := range plan.StagingPaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("upload: failed to remove staging file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// cleanupDuplicates best-effort-deletes any sibling entries sharing entry's
// name under its parent, other than entry itself (spec §4.6 step 5: "If
// duplicate-by-name remote entries appear after completion, they are
// searched and deleted best-effort").
func (e *Engine) cleanupDuplicates(ctx context.Context, entry *remoteclient.Entry) {
	if entry == nil {
		return
	}

	marker := ""

	for {
		entries, next, err := e.client.List(ctx, entry.ParentFileID, marker, 200)
		if err != nil {
			e.logger.Warn("upload: duplicate cleanup listing failed", slog.String("error", err.Error()))
			return
		}

		for _, sibling := range entries {
			if sibling.Name != entry.Name || sibling.FileID == entry.FileID {
				continue
			}

			if delErr := e.client.Delete(ctx, sibling.FileID, false); delErr != nil {
				e.logger.Warn("upload: duplicate cleanup delete failed",
					slog.String("fileId", sibling.FileID), slog.String("error", delErr.Error()))
			}
		}

		if next == "" {
			return
		}

		marker = next
	}
}
