package reconcile

import (
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tonimelisma/clouddrive-sync/internal/pathutil"
)

// Reconciler is a pure decision engine: it turns a local snapshot, a remote
// snapshot, and a Mode into an ActionPlan. It performs no I/O, mirroring
// the shape of Planner (internal/sync/planner.go).
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a Reconciler. A nil logger discards output.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Reconciler{logger: logger}
}

// Plan computes the action set for one reconciliation pass (spec §4.7).
func (r *Reconciler) Plan(local []LocalEntry, remote []RemoteEntry, sources []Source, mode Mode) *ActionPlan {
	localByKey := make(map[string]LocalEntry, len(local))
	for _, le := range local {
		localByKey[le.Key] = le
	}

	remoteByKey := make(map[string]RemoteEntry, len(remote))
	for _, re := range remote {
		remoteByKey[re.Key] = re
	}

	plan := &ActionPlan{}

	switch mode {
	case ModeMirror:
		r.planUploadSide(plan, local, remoteByKey)
		r.planMirrorDeletes(plan, remote, localByKey)
	case ModeRedundancy:
		r.planUploadSide(plan, local, remoteByKey)
	case ModeTwoWaySync:
		// The spec's TwoWaySync text only describes the download/conflict
		// direction explicitly; pushing local-only and locally-changed
		// files is the symmetric upload-side behavior a two-way mode
		// implies (supplementing an otherwise download-only reconciler).
		r.planUploadSide(plan, local, remoteByKey)
		r.planDownloadSide(plan, remote, localByKey, remoteByKey, sources)
	}

	sortByDepthShallowFirst(plan.FolderCreates)
	sortByDepthShallowFirst(plan.RemoteDeletes)

	r.logger.Info("reconcile plan built",
		slog.String("mode", mode.String()),
		slog.Int("folder_creates", len(plan.FolderCreates)),
		slog.Int("renames", len(plan.RemoteRenames)),
		slog.Int("uploads", len(plan.Uploads)),
		slog.Int("downloads", len(plan.Downloads)),
		slog.Int("remote_deletes", len(plan.RemoteDeletes)),
	)

	return plan
}

// planUploadSide handles the local→remote direction shared by Mirror,
// Redundancy, and TwoWaySync: create missing remote folders, upload files
// whose remote counterpart is missing or whose sha1 differs, skip files
// whose sha1 already matches (spec §4.7 Mirror bullet, reused verbatim for
// the other two modes' upload direction).
func (r *Reconciler) planUploadSide(plan *ActionPlan, local []LocalEntry, remoteByKey map[string]RemoteEntry) {
	for _, le := range local {
		if le.IsDir {
			if _, ok := remoteByKey[le.Key]; !ok {
				plan.FolderCreates = append(plan.FolderCreates, Action{
					Type:       ActionCreateFolder,
					Key:        le.Key,
					FolderSide: FolderSideRemote,
				})
			}

			continue
		}

		existing, ok := remoteByKey[le.Key]
		if !ok || existing.ContentHash != le.SHA1 {
			plan.Uploads = append(plan.Uploads, Action{
				Type:     ActionUpload,
				Key:      le.Key,
				FullPath: le.FullPath,
			})
		}
	}
}

// planMirrorDeletes handles Mirror's remote-only direction: delete any
// remote entry whose key is absent locally. Folder deletes are collapsed to
// parent-first with implicit subtree eviction (spec §9 open question:
// "pick parent-first... removing a parent implicitly removes its subtree").
func (r *Reconciler) planMirrorDeletes(plan *ActionPlan, remote []RemoteEntry, localByKey map[string]LocalEntry) {
	var candidates []RemoteEntry

	for _, re := range remote {
		if _, ok := localByKey[re.Key]; !ok {
			candidates = append(candidates, re)
		}
	}

	deletedFolders := make(map[string]bool)

	for _, c := range candidates {
		if c.IsDir {
			deletedFolders[c.Key] = true
		}
	}

	for _, c := range candidates {
		if hasDeletedAncestor(c.Key, deletedFolders) {
			continue // already removed as part of an ancestor folder's subtree
		}

		plan.RemoteDeletes = append(plan.RemoteDeletes, Action{
			Type:         ActionDeleteRemote,
			Key:          c.Key,
			FileID:       c.FileID,
			ParentFileID: c.ParentFileID,
		})
	}
}

// hasDeletedAncestor reports whether any ancestor folder of key is itself
// being deleted.
func hasDeletedAncestor(key string, deletedFolders map[string]bool) bool {
	for parent := pathutil.Parent(key); parent != ""; parent = pathutil.Parent(parent) {
		if deletedFolders[parent] {
			return true
		}
	}

	return false
}

// planDownloadSide handles TwoWaySync's remote→local direction: download
// remote-only files and folders into the matching source root, and resolve
// edit conflicts by renaming the remote entry then downloading the renamed
// copy (spec §4.7 TwoWaySync bullet).
func (r *Reconciler) planDownloadSide(
	plan *ActionPlan, remote []RemoteEntry, localByKey map[string]LocalEntry,
	remoteByKey map[string]RemoteEntry, sources []Source,
) {
	for _, re := range remote {
		local, hasLocal := localByKey[re.Key]

		if re.IsDir {
			if !hasLocal {
				if fullPath, ok := resolveLocalPath(re.Key, sources); ok {
					plan.FolderCreates = append(plan.FolderCreates, Action{
						Type:       ActionCreateFolder,
						Key:        re.Key,
						FullPath:   fullPath,
						FolderSide: FolderSideLocal,
					})
				} else {
					r.logger.Warn("no source root matches remote folder, skipping", "key", re.Key)
				}
			}

			continue
		}

		if !hasLocal {
			if fullPath, ok := resolveLocalPath(re.Key, sources); ok {
				plan.Downloads = append(plan.Downloads, Action{
					Type:     ActionDownload,
					Key:      re.Key,
					FullPath: fullPath,
					FileID:   re.FileID,
				})
			} else {
				r.logger.Warn("no source root matches remote file, skipping", "key", re.Key)
			}

			continue
		}

		if local.SHA1 == re.ContentHash {
			continue // converged, no action
		}

		r.planConflictRename(plan, re, local, remoteByKey, localByKey)
	}
}

// planConflictRename resolves one TwoWaySync edit conflict: rename the
// remote entry to a free "<stem> - copy[ (n)]<ext>" name, then download the
// renamed entry alongside the unmodified local file.
func (r *Reconciler) planConflictRename(
	plan *ActionPlan, re RemoteEntry, local LocalEntry,
	remoteByKey map[string]RemoteEntry, localByKey map[string]LocalEntry,
) {
	parentKey := pathutil.Parent(re.Key)
	stem, ext := splitNameExt(re.Name)

	newName := generateConflictName(stem, ext, func(candidate string) bool {
		candidateKey := candidate
		if parentKey != "" {
			candidateKey = parentKey + "/" + candidate
		}

		_, remoteTaken := remoteByKey[candidateKey]
		_, localTaken := localByKey[candidateKey]

		return remoteTaken || localTaken
	})

	plan.RemoteRenames = append(plan.RemoteRenames, Action{
		Type:         ActionRenameRemote,
		Key:          re.Key,
		FileID:       re.FileID,
		ParentFileID: re.ParentFileID,
		NewName:      newName,
	})

	newKey := newName
	if parentKey != "" {
		newKey = parentKey + "/" + newName
	}

	plan.Downloads = append(plan.Downloads, Action{
		Type:     ActionDownload,
		Key:      newKey,
		FullPath: filepath.Join(filepath.Dir(local.FullPath), newName),
		FileID:   re.FileID,
	})
}

// resolveLocalPath maps a remote key to a local filesystem path by matching
// the key's first path component against a configured source's basename
// (spec §4.7: "determined by matching the remote sub-path prefix against a
// source's basename").
func resolveLocalPath(key string, sources []Source) (string, bool) {
	parts := strings.SplitN(key, "/", 2)
	rootKey := parts[0]

	for _, src := range sources {
		if src.RootKey != rootKey {
			continue
		}

		if len(parts) == 1 {
			return src.RootPath, true
		}

		return filepath.Join(src.RootPath, filepath.FromSlash(parts[1])), true
	}

	return "", false
}

func depth(key string) int {
	return strings.Count(key, "/")
}

// sortByDepthShallowFirst orders actions shallowest-key-depth first. Used
// for both folder creates ("folders before files for creates") and remote
// deletes (the chosen parent-first-with-implicit-subtree-eviction
// invariant, spec §9 open question).
func sortByDepthShallowFirst(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		di, dj := depth(actions[i].Key), depth(actions[j].Key)
		if di != dj {
			return di < dj
		}

		return actions[i].Key < actions[j].Key
	})
}
