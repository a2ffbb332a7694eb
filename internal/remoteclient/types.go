package remoteclient

import "time"

// EntryType distinguishes a file from a folder in a RemoteEntry (spec §3).
type EntryType string

// Valid EntryType values.
const (
	TypeFile   EntryType = "file"
	TypeFolder EntryType = "folder"
)

// Entry mirrors a remote object (spec §3 RemoteEntry). Key is derived by
// the caller (internal/pathutil) once the entry's parent chain is resolved;
// the client itself only knows fileId/parentFileId/name.
type Entry struct {
	FileID       string
	ParentFileID string
	Name         string
	Type         EntryType
	Size         int64
	ContentHash  string // SHA-1 hex
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NameMode controls create-on-conflict behavior (spec §4.5).
type NameMode int

// Valid NameMode values.
const (
	NameModeRefuse NameMode = iota
	NameModeIgnore
)

// DriveInfo identifies the remote drive (spec §4.5 driveInfo).
type DriveInfo struct {
	DriveID     string
	Name        string
	OwnerEmail  string
	DefaultRoot string
}

// SpaceInfo reports quota metadata (spec §4.5 spaceInfo).
type SpaceInfo struct {
	TotalBytes int64
	UsedBytes  int64
}

// VipInfo reports membership/tier metadata (spec §4.5 vipInfo); many
// providers have no equivalent, in which case IsVip is false and the zero
// value is returned.
type VipInfo struct {
	IsVip     bool
	ExpiresAt time.Time
}

// UploadPart describes one presigned part slot returned by CreateFile.
type UploadPart struct {
	Number    int // 1-based
	UploadURL string
}

// CreateFileResult is returned by CreateFile (spec §4.5).
type CreateFileResult struct {
	FileID   string
	UploadID string
	Parts    []UploadPart
	Rapid    bool // true if the server completed the upload via dedup; no part PUTs needed
}

// CreateFileOptions carries the optional rapid-upload negotiation fields
// (spec §4.6.3): either a pre-hash (small prefix SHA-1) for the first probe,
// or a full content hash plus access-token-derived proof for the second.
type CreateFileOptions struct {
	PreHash     string
	ContentHash string
	ProofCode   string
}

// MoveResult reports whether the destination name already existed (spec
// §4.5 update/move "-> {exist}").
type MoveResult struct {
	Exist bool
}
