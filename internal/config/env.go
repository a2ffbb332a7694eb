package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig  = "ONEDRIVE_GO_CONFIG"
	EnvProfile = "ONEDRIVE_GO_PROFILE"
	EnvSyncDir = "ONEDRIVE_GO_SYNC_DIR"
	EnvDrive   = "ONEDRIVE_GO_DRIVE"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ApplyEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ONEDRIVE_GO_CONFIG: override config file path
	Profile    string // ONEDRIVE_GO_PROFILE: active profile name
	SyncDir    string // ONEDRIVE_GO_SYNC_DIR: sync directory override
	Drive      string // ONEDRIVE_GO_DRIVE: drive selector override
}

// CLIOverrides holds values passed as command-line flags, the
// highest-priority layer in the four-layer override chain (defaults ->
// config file -> environment variables -> CLI flags).
type CLIOverrides struct {
	ConfigPath string
	Drive      string
	DryRun     *bool
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields. logger
// is accepted for call-site symmetry with other Resolve* helpers and is
// currently unused.
func ReadEnvOverrides(_ *slog.Logger) EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Profile:    os.Getenv(EnvProfile),
		SyncDir:    os.Getenv(EnvSyncDir),
		Drive:      os.Getenv(EnvDrive),
	}
}
