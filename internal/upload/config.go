// Package upload implements the upload engine (spec §4.6): folder-chain
// creation, rapid-upload negotiation, on-disk part staging, and retried
// part PUTs against the abstract remote-drive client.
package upload

import (
	"io"
	"log/slog"
	"time"
)

// PartSize is the fixed part size P from spec §6: "Part size is 4 MiB".
const PartSize int64 = 4 * 1024 * 1024

// rapidUploadMinSize is the lower bound for attempting rapid upload at all
// (spec §4.6 step 3: "when enabled and L > 10 KiB").
const rapidUploadMinSize int64 = 10 * 1024

// preHashThreshold is the size above which a pre-hash probe precedes the
// full-hash create (spec §4.6 step 3: "if L > 1 MiB, first issue createFile
// with a pre-hash"). Files at or below it skip straight to full-hash.
const preHashThreshold int64 = 1024 * 1024

// preHashSampleSize is the size of the prefix hashed for the pre-hash probe:
// a small, cheap single read rather than the full file.
const preHashSampleSize = 256 * 1024

// stagingDirName is the on-disk staging directory name (spec §6): "Under
// <cwd>/.duplicatiuploadcache/<key>.<partIndex-1>.duplicatipart".
const stagingDirName = ".duplicatiuploadcache"

// retryBackoff is the upload-part retry schedule (spec §4.6 step 4, §7:
// "Retry 3x with 5/25/125s back-off"): the initial attempt plus 3 retries,
// waiting one of these delays before each retry.
var retryBackoff = []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}

// maxPartAttempts is the initial attempt plus len(retryBackoff) retries.
const maxPartAttempts = 4

// Config parameterizes an Engine.
type Config struct {
	// StagingRoot is the directory under which .duplicatiuploadcache lives;
	// defaults to the current working directory.
	StagingRoot string
	// RapidUploadEnabled gates the pre-hash/full-hash negotiation of spec
	// §4.6 step 3. When false, every upload streams its full content.
	RapidUploadEnabled bool
	Logger             *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c Config) stagingRoot() string {
	if c.StagingRoot != "" {
		return c.StagingRoot
	}

	return "."
}

// PartCount returns ⌈size/PartSize⌉, or 0 for a zero-length file which still
// requires exactly one (empty) part per spec §6.
func PartCount(size int64) int {
	if size <= 0 {
		return 1
	}

	return int((size + PartSize - 1) / PartSize)
}

// PartLength returns the length of part number (1-based) for a file of the
// given size, per spec §6: "the last part's size is ((L-1) mod P) + 1".
func PartLength(size int64, partNumber int) int64 {
	count := PartCount(size)
	if partNumber < count {
		return PartSize
	}

	if size <= 0 {
		return 0
	}

	return ((size - 1) % PartSize) + 1
}
