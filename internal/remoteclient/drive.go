package remoteclient

import (
	"context"
	"io"
)

// Drive is the abstract remote-drive operation set (spec §4.5). *Client
// satisfies it; tests substitute a fake.
type Drive interface {
	DriveInfo(ctx context.Context) (*DriveInfo, error)
	SpaceInfo(ctx context.Context) (*SpaceInfo, error)
	VipInfo(ctx context.Context) (*VipInfo, error)

	List(ctx context.Context, parentID, marker string, limit int) ([]Entry, string, error)
	SearchAll(ctx context.Context, marker string, limit int) ([]Entry, string, error)
	GetDetail(ctx context.Context, fileID string) (*Entry, string, error)
	GetDownloadURL(ctx context.Context, fileID string, expirySec int) (string, error)

	CreateFolder(ctx context.Context, parentID, name string, nameMode NameMode) (*Entry, error)
	CreateFile(
		ctx context.Context, parentID, name string, size int64, nameMode NameMode, partCount int, opts *CreateFileOptions,
	) (*CreateFileResult, error)
	UploadPart(ctx context.Context, uploadURL string, data io.ReadSeeker, length int64) error
	Complete(ctx context.Context, fileID, uploadID string) (*Entry, error)

	Update(ctx context.Context, fileID, newName string, nameMode NameMode) (*MoveResult, error)
	Move(ctx context.Context, fileID, newParent, newName string) (*MoveResult, error)
	Delete(ctx context.Context, fileID string, toRecycleBin bool) error
}

var _ Drive = (*Client)(nil)
