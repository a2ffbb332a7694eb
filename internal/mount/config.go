package mount

import (
	"io"
	"log/slog"
	"time"
)

// Cache timing constants from spec §4.9 Read and §4.9.1.
const (
	readCacheTTL           = 5 * time.Minute
	readCacheMaxLen        = 64 * 1024
	downloadURLSlidingTTL  = 10 * time.Minute
	downloadURLAbsoluteTTL = 3*time.Hour + 45*time.Minute
	refreshWindow          = 10 * time.Minute
	refreshQueueCap        = 100
)

// Config parameterizes a Filesystem.
type Config struct {
	// RootID is the remote folder ID the mount's root is bound to.
	RootID string
	// StagingRoot is the directory under which upload staging part files
	// are written (spec §6 on-disk staging layout).
	StagingRoot string
	// ToRecycleBin controls Delete's recycle-bin flag (spec §4.9 Delete).
	ToRecycleBin bool
	Logger       *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
