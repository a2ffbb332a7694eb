package upload

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
)

// stagingPath returns the deterministic local path for one part's staging
// file, per spec §6: "<cwd>/.duplicatiuploadcache/<key>.<partIndex-1>.duplicatipart".
// key is the LocalEntry/RemoteEntry key being uploaded (its path separators
// are flattened since a filename cannot itself contain "/"); partNumber is
// 1-based, matching the "<partIndex-1>" 0-based suffix in the literal layout.
func stagingPath(root, key string, partNumber int) string {
	safeKey := strings.ReplaceAll(key, "/", "_")

	fileName := fmt.Sprintf("%s.%d.duplicatipart", safeKey, partNumber-1)

	return filepath.Join(root, stagingDirName, fileName)
}

// part tracks one part's staging file and upload state.
type part struct {
	number    int
	length    int64
	uploadURL string
	path      string
	filled    int64
	uploaded  bool
}

// Plan is an in-progress upload: the negotiated parts, their staging
// locations, and how many bytes each has received so far (spec §4.9 "the
// part-staging plan for a key is held in a map from key to ordered list of
// parts").
type Plan struct {
	Key      string
	FileID   string
	UploadID string
	Size     int64

	mu    sync.Mutex
	parts []*part
}

func newPlan(key, fileID, uploadID string, size int64, stagingRoot string, remoteParts []remoteclient.UploadPart) *Plan {
	p := &Plan{Key: key, FileID: fileID, UploadID: uploadID, Size: size}

	p.parts = make([]*part, len(remoteParts))
	for i, rp := range remoteParts {
		p.parts[i] = &part{
			number:    rp.Number,
			length:    PartLength(size, rp.Number),
			uploadURL: rp.UploadURL,
			path:      stagingPath(stagingRoot, key, rp.Number),
		}
	}

	return p
}

// partIndexForOffset returns the 0-based part index owning byte offset,
// given the fixed part size (spec §6 chunk/part contract).
func partIndexForOffset(offset int64) int {
	return int(offset / PartSize)
}

// StagingPaths returns every part's staging file path, for cleanup.
func (p *Plan) StagingPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	paths := make([]string, len(p.parts))
	for i, pt := range p.parts {
		paths[i] = pt.path
	}

	return paths
}

// AllUploaded reports whether every part has been successfully PUT.
func (p *Plan) AllUploaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pt := range p.parts {
		if !pt.uploaded {
			return false
		}
	}

	return true
}
