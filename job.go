package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/clouddrive-sync/internal/config"
	"github.com/tonimelisma/clouddrive-sync/internal/graph"
	"github.com/tonimelisma/clouddrive-sync/internal/indexcache"
	"github.com/tonimelisma/clouddrive-sync/internal/job"
	"github.com/tonimelisma/clouddrive-sync/internal/lockshard"
	"github.com/tonimelisma/clouddrive-sync/internal/reconcile"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
	"github.com/tonimelisma/clouddrive-sync/internal/upload"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage and run backup/restore jobs",
	}

	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobRunCmd())
	cmd.AddCommand(newJobEnableCmd())
	cmd.AddCommand(newJobDisableCmd())
	cmd.AddCommand(newJobPauseCmd())
	cmd.AddCommand(newJobResumeCmd())
	cmd.AddCommand(newJobCancelCmd())

	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		flagSources   []string
		flagTarget    string
		flagMode      string
		flagSchedules []string
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Add a new job to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			sources := make([]config.JobSourceConfig, 0, len(flagSources))
			for _, s := range flagSources {
				sources = append(sources, config.JobSourceConfig{Path: s})
			}

			jc := config.JobConfig{
				ID:        args[0],
				Sources:   sources,
				Target:    flagTarget,
				Mode:      flagMode,
				Schedules: flagSchedules,
			}

			if _, err := jc.ToJobConfig(); err != nil {
				return err
			}

			env := config.ReadEnvOverrides(cc.Logger)
			cli := config.CLIOverrides{ConfigPath: flagConfigPath}
			cfgPath := config.ResolveConfigPath(env, cli, cc.Logger)
			if err := config.AppendJobSection(cfgPath, jc); err != nil {
				return fmt.Errorf("writing job section: %w", err)
			}

			statusf(false, "Job %q created\n", jc.ID)
			cc.Logger.Info("job created", slog.String("id", jc.ID), slog.String("mode", jc.Mode))

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&flagSources, "source", nil, "local source root (repeatable)")
	cmd.Flags().StringVar(&flagTarget, "target", "", "remote target key the job syncs against")
	cmd.Flags().StringVar(&flagMode, "mode", "mirror", "mirror, redundancy, or two-way-sync")
	cmd.Flags().StringSliceVar(&flagSchedules, "schedule", nil, "cron expression (repeatable)")

	return cmd
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.Raw == nil {
				return fmt.Errorf("no configuration loaded")
			}

			jobs := config.JobsForProfile(cc.Raw, cc.Cfg.Alias)
			if len(jobs) == 0 {
				statusf(false, "No jobs configured.\n")
				return nil
			}

			for _, jc := range jobs {
				statusf(false, "%-20s mode=%-14s target=%q sources=%d\n", jc.ID, jc.Mode, jc.Target, len(jc.Sources))
			}

			return nil
		},
	}
}

// findJob locates a configured JobConfig by ID within cc's bound profile.
func findJob(cc *CLIContext, id string) (config.JobConfig, error) {
	if cc.Raw == nil {
		return config.JobConfig{}, fmt.Errorf("no configuration loaded")
	}

	for _, jc := range config.JobsForProfile(cc.Raw, cc.Cfg.Alias) {
		if jc.ID == id {
			return jc, nil
		}
	}

	return config.JobConfig{}, fmt.Errorf("job %q not found", id)
}

func newJobRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job once to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			jc, err := findJob(cc, args[0])
			if err != nil {
				return err
			}

			return runJobOnce(cmd.Context(), cc, jc)
		},
	}
}

// runJobOnce wires a single-job Controller against the remote client, index
// cache, and upload engine (the same building blocks the sync command uses)
// and drives the named job through one full Scan+Backup cycle.
func runJobOnce(ctx context.Context, cc *CLIContext, jc config.JobConfig) error {
	cfg, err := jc.ToJobConfig()
	if err != nil {
		return err
	}

	tokenPath := config.DriveTokenPath(cc.Cfg.CanonicalID)

	ts, err := graph.TokenSourceFromPath(ctx, tokenPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("loading saved token: %w", err)
	}

	remote := remoteclient.NewClient(graph.DefaultBaseURL, transferHTTPClient(), ts, cc.Logger)

	cachePath := filepath.Join(config.DefaultCacheDir(), "jobs", jc.ID+".db")

	cache, err := indexcache.Open(cachePath, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening index cache: %w", err)
	}
	defer cache.Close()

	locks := lockshard.New()
	uploads := upload.New(upload.Config{
		StagingRoot:        filepath.Join(config.DefaultCacheDir(), "jobs", jc.ID, "staging"),
		RapidUploadEnabled: cfg.RapidUpload,
		Logger:             cc.Logger,
	}, remote, locks, nil)

	runner := &job.DefaultRunner{
		Cache:      cache,
		Remote:     remote,
		Uploads:    uploads,
		Reconciler: reconcile.NewReconciler(cc.Logger),
		RootID:     cc.Cfg.DriveID.String(),
		Logger:     cc.Logger,
	}

	controller := job.NewController(job.ControllerConfig{Runner: runner, Logger: cc.Logger})
	if err := controller.Register(cfg, false); err != nil {
		return fmt.Errorf("registering job: %w", err)
	}

	if err := controller.Enqueue(jc.ID, true); err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})

	go func() {
		controller.Run(runCtx)
		close(done)
	}()

	state, err := controller.State(jc.ID)
	if err != nil {
		return err
	}

	cc.Logger.Info("job enqueued", slog.String("id", jc.ID), slog.String("state", state.String()))

	statusf(false, "Job %q running...\n", jc.ID)

	<-ctx.Done()
	cancel()
	<-done

	return nil
}

func newJobEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Re-enable a disabled job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobControlRunE((*job.Controller).Enable, "enabled"),
	}
}

func newJobDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a job so it is skipped by the scheduler",
		Args:  cobra.ExactArgs(1),
		RunE:  jobControlRunE((*job.Controller).Disable, "disabled"),
	}
}

func newJobPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running job at its next cooperative checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  jobControlRunE((*job.Controller).Pause, "paused"),
	}
}

func newJobResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobControlRunE((*job.Controller).Resume, "resumed"),
	}
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running or paused job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobControlRunE((*job.Controller).Cancel, "cancelled"),
	}
}

// jobControlRunE builds a RunE handler for the single-job pause/resume/
// cancel/enable/disable commands. Since this process holds no persistent
// Controller across invocations (a job only runs for the lifetime of `job
// run`), these commands act on a freshly bootstrapped Controller purely to
// validate the FSM transition and report the resulting state; a job
// actually mid-run in another `job run` process is reached via that
// process's own context cancellation instead (spec §4.8 Pause/Resume/Cancel
// are cooperative, not cross-process, in this CLI).
func jobControlRunE(action func(*job.Controller, string) error, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cc := mustCLIContext(cmd.Context())

		jc, err := findJob(cc, args[0])
		if err != nil {
			return err
		}

		cfg, err := jc.ToJobConfig()
		if err != nil {
			return err
		}

		controller := job.NewController(job.ControllerConfig{Runner: &job.DefaultRunner{}, Logger: cc.Logger})
		if err := controller.Register(cfg, false); err != nil {
			return fmt.Errorf("registering job: %w", err)
		}

		if err := action(controller, jc.ID); err != nil {
			return fmt.Errorf("%s %q: %w", verb, jc.ID, err)
		}

		statusf(false, "Job %q %s\n", jc.ID, verb)

		return nil
	}
}
