package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/tonimelisma/clouddrive-sync/internal/job"
	"github.com/tonimelisma/clouddrive-sync/internal/reconcile"
	"github.com/tonimelisma/clouddrive-sync/internal/scanner"
)

// JobSourceConfig is one configured local source root for a job (spec §3
// JobConfig.sources[]).
type JobSourceConfig struct {
	Path string `toml:"path"`
}

// JobConfig is the TOML-facing representation of spec §3 JobConfig. Unlike
// Profile, jobs are not drive-scoped identity but sync-unit configuration:
// a drive may run several jobs (e.g. one Mirror job and one TwoWaySync job
// against different targets).
type JobConfig struct {
	ID          string            `toml:"id"`
	Profile     string            `toml:"profile"` // binds to a [profile.<name>] section; empty means "default"
	Sources     []JobSourceConfig `toml:"source"`
	Target      string            `toml:"target"`
	RestorePath string            `toml:"restore_path"`
	Mode        string            `toml:"mode"` // "mirror", "redundancy", "two-way-sync"
	Schedules   []string          `toml:"schedules"`
	FilterLines []string          `toml:"filter"`

	CheckLevel     string `toml:"check_level"`     // "none", "head", "sampled", "full"
	CheckAlgorithm string `toml:"check_algorithm"` // "sha1", "xxh", "md5"

	UploadThreads   int `toml:"upload_threads"`
	DownloadThreads int `toml:"download_threads"`

	FileWatcher bool `toml:"file_watcher"`
	RecycleBin  bool `toml:"recycle_bin"`
	RapidUpload bool `toml:"rapid_upload"`
}

// MountConfig is the TOML-facing [mount] section (spec §4.9): one
// userspace-mount binding per drive.
type MountConfig struct {
	Enabled     bool   `toml:"enabled"`
	Profile     string `toml:"profile"`
	MountPoint  string `toml:"mount_point"`
	Target      string `toml:"target"`       // remote folder the mount root is bound to
	StagingRoot string `toml:"staging_root"` // defaults to DefaultCacheDir()/mount/<drive>
	AllowOther  bool   `toml:"allow_other"`
	ReadOnly    bool   `toml:"read_only"`
	RecycleBin  bool   `toml:"recycle_bin"`
}

// AppendJobSection appends a new [[job]] array-of-tables entry to the
// config file at path, following the same atomic append-text approach as
// AppendDriveSection.
func AppendJobSection(path string, jc JobConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "\n[[job]]\nid = %q\n", jc.ID)

	if jc.Profile != "" {
		fmt.Fprintf(&b, "profile = %q\n", jc.Profile)
	}

	fmt.Fprintf(&b, "target = %q\n", jc.Target)
	fmt.Fprintf(&b, "mode = %q\n", jc.Mode)

	for _, s := range jc.Sources {
		fmt.Fprintf(&b, "\n[[job.source]]\npath = %q\n", s.Path)
	}

	content += b.String()

	return atomicWriteFile(path, []byte(content))
}

// JobsForProfile returns every configured job bound to profileName
// (unbound jobs, Profile == "", bind to defaultProfileName).
func JobsForProfile(cfg *Config, profileName string) []JobConfig {
	if profileName == "" {
		profileName = defaultProfileName
	}

	var out []JobConfig

	for _, jc := range cfg.Jobs {
		bound := jc.Profile
		if bound == "" {
			bound = defaultProfileName
		}

		if bound == profileName {
			out = append(out, jc)
		}
	}

	return out
}

// MountForProfile returns the mount binding for profileName, if any (spec
// §4.9 assumes at most one active mount per drive).
func MountForProfile(cfg *Config, profileName string) (MountConfig, bool) {
	if profileName == "" {
		profileName = defaultProfileName
	}

	for _, mc := range cfg.Mounts {
		bound := mc.Profile
		if bound == "" {
			bound = defaultProfileName
		}

		if bound == profileName {
			return mc, true
		}
	}

	return MountConfig{}, false
}

// ToJobConfig converts the TOML representation into the in-memory
// job.Config the controller operates on. sourceBase resolves each
// JobSourceConfig.Path into a reconcile.Source (basename as RootKey, spec
// §4.7 "matching the remote sub-path prefix against a source's basename").
func (jc *JobConfig) ToJobConfig() (*job.Config, error) {
	mode, err := parseMode(jc.Mode)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jc.ID, err)
	}

	level, err := parseCheckLevel(jc.CheckLevel)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jc.ID, err)
	}

	algorithm := scanner.Algorithm(jc.CheckAlgorithm)
	if algorithm == "" {
		algorithm = scanner.AlgorithmSHA1
	}

	sources := make([]reconcile.Source, 0, len(jc.Sources))
	for _, s := range jc.Sources {
		sources = append(sources, reconcile.Source{
			RootPath: expandTilde(s.Path),
			RootKey:  SanitizePathComponent(baseName(s.Path)),
		})
	}

	return &job.Config{
		ID:              jc.ID,
		Sources:         sources,
		Target:          jc.Target,
		RestorePath:     expandTilde(jc.RestorePath),
		Mode:            mode,
		Schedules:       jc.Schedules,
		FilterLines:     jc.FilterLines,
		CheckLevel:      level,
		CheckAlgorithm:  algorithm,
		UploadThreads:   jc.UploadThreads,
		DownloadThreads: jc.DownloadThreads,
		FileWatcher:     jc.FileWatcher,
		RecycleBin:      jc.RecycleBin,
		RapidUpload:     jc.RapidUpload,
	}, nil
}

func parseMode(s string) (reconcile.Mode, error) {
	switch s {
	case "", "mirror":
		return reconcile.ModeMirror, nil
	case "redundancy":
		return reconcile.ModeRedundancy, nil
	case "two-way-sync":
		return reconcile.ModeTwoWaySync, nil
	default:
		return reconcile.ModeMirror, fmt.Errorf("unknown mode %q (want mirror, redundancy, two-way-sync)", s)
	}
}

func parseCheckLevel(s string) (scanner.Level, error) {
	switch s {
	case "", "none":
		return scanner.LevelNone, nil
	case "head":
		return scanner.LevelHeadSample, nil
	case "sampled":
		return scanner.LevelSampledWindows, nil
	case "full":
		return scanner.LevelFull, nil
	default:
		return scanner.LevelNone, fmt.Errorf("unknown check_level %q (want none, head, sampled, full)", s)
	}
}

// baseName returns the final path component without pulling in path/filepath
// for a single split — mirrors SanitizePathComponent's neighboring helpers.
func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}

	return p
}
