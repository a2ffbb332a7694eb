package job

import (
	"github.com/tonimelisma/clouddrive-sync/internal/pathutil"
	"github.com/tonimelisma/clouddrive-sync/internal/reconcile"
	"github.com/tonimelisma/clouddrive-sync/internal/scanner"
)

// Config is a JobConfig (spec §3): immutable while the job is running,
// mutable only when its FSM sits in a state CanMutate reports true for.
type Config struct {
	ID          string
	Sources     []reconcile.Source
	Target      string // remote target key the job syncs against
	RestorePath string // local root a Restoring run downloads into
	Mode        reconcile.Mode
	Schedules   []string // cron expressions (spec §4.8 Scheduling)
	FilterLines []string // raw glob rules, parsed into a FilterSet at run time

	CheckLevel     scanner.Level
	CheckAlgorithm scanner.Algorithm

	UploadThreads   int
	DownloadThreads int

	FileWatcher bool
	RecycleBin  bool
	IsTemporary bool
	RapidUpload bool
}

// Filters parses FilterLines into a FilterSet. Returns nil, nil when no
// rules are configured — pathutil.FilterSet.Excluded is nil-safe.
func (c *Config) Filters() (*pathutil.FilterSet, error) {
	if len(c.FilterLines) == 0 {
		return nil, nil
	}

	return pathutil.ParseFilters(c.FilterLines)
}
