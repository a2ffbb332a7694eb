// Package reconcile implements the sync reconciler (spec §4.7): given a
// local and a remote snapshot scoped to a sync target, it computes the set
// of actions needed to converge them under one of three modes (Mirror,
// Redundancy, TwoWaySync). Plan is a pure decision engine — it performs no
// I/O; Executor applies a computed plan against the remote drive client,
// the upload engine, and the local filesystem.
package reconcile

// Mode selects the reconciliation strategy (spec §4.7).
type Mode int

// Valid Mode values.
const (
	ModeMirror Mode = iota
	ModeRedundancy
	ModeTwoWaySync
)

func (m Mode) String() string {
	switch m {
	case ModeMirror:
		return "mirror"
	case ModeRedundancy:
		return "redundancy"
	case ModeTwoWaySync:
		return "two-way-sync"
	default:
		return "unknown"
	}
}

// Source is one configured sync source root (spec §3 JobConfig.sources[]).
// TwoWaySync routes a remote-only entry back to the correct local root by
// matching the remote key's first path component against RootKey (spec
// §4.7: "determined by matching the remote sub-path prefix against a
// source's basename").
type Source struct {
	RootPath string // absolute local filesystem path
	RootKey  string // basename(RootPath); the key's first path component
}

// LocalEntry is the reconciler's view of one scanned local path (spec §3
// LocalEntry, the subset the reconciler needs).
type LocalEntry struct {
	Key      string
	FullPath string
	IsDir    bool
	Size     int64
	SHA1     string
}

// RemoteEntry is the reconciler's view of one listed remote object (spec §3
// RemoteEntry, the subset the reconciler needs). Key is derived the same
// way as LocalEntry.Key, rooted at the remote save path.
type RemoteEntry struct {
	Key          string
	FileID       string
	ParentFileID string
	Name         string
	IsDir        bool
	Size         int64
	ContentHash  string
}

// ActionType identifies the kind of operation an Action performs.
type ActionType int

// Valid ActionType values.
const (
	ActionCreateFolder ActionType = iota
	ActionUpload
	ActionDownload
	ActionDeleteRemote
	ActionRenameRemote
)

// FolderSide indicates which side a folder-create action targets.
type FolderSide int

// Valid FolderSide values.
const (
	FolderSideRemote FolderSide = iota + 1
	FolderSideLocal
)

// Action is a single planned operation.
type Action struct {
	Type ActionType

	Key      string // key of the item the action concerns
	FullPath string // local path: upload source, download dest, or local folder-create dest

	FileID       string // remote identity, when the action concerns an existing remote entry
	ParentFileID string

	FolderSide FolderSide // set only for ActionCreateFolder

	NewName string // set only for ActionRenameRemote (spec §4.7 conflict naming)
}

// ActionPlan is the ordered output of Plan, grouped the way spec §4.7
// requires: "folders before files for creates; files before folders for
// deletes". RemoteRenames always precede their paired Downloads entry,
// matching "rename-then-download" conflict resolution.
type ActionPlan struct {
	FolderCreates []Action // shallowest key depth first
	RemoteRenames []Action
	Uploads       []Action
	Downloads     []Action
	RemoteDeletes []Action // parent-first, implicit subtree eviction (spec §9 open question)
}

// TotalActions returns the total number of actions across every category.
func (p *ActionPlan) TotalActions() int {
	return len(p.FolderCreates) + len(p.RemoteRenames) + len(p.Uploads) +
		len(p.Downloads) + len(p.RemoteDeletes)
}
