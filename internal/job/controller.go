package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pausePollInterval is how often a paused run's checkpoint loop re-checks
// for Resume.
const pausePollInterval = 200 * time.Millisecond

// defaultTickInterval is how often the schedule registry is polled for due
// jobs when ControllerConfig.TickInterval is unset.
const defaultTickInterval = 30 * time.Second

// defaultQueueDepth bounds the number of jobs that can sit enqueued ahead
// of the single global worker.
const defaultQueueDepth = 64

// Phase names one run's dispatch, for logging and Runner routing.
type Phase int

// Phases a job drives through between Scanning and Idle/Completed.
const (
	PhaseScan Phase = iota
	PhaseBackup
	PhaseRestore
	PhaseVerify
)

func (p Phase) String() string {
	switch p {
	case PhaseScan:
		return "scan"
	case PhaseBackup:
		return "backup"
	case PhaseRestore:
		return "restore"
	case PhaseVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// Runner executes the scan/backup/restore/verify work for one job run. The
// controller calls it between cooperative cancellation checks; unitDone
// must be invoked by the Runner after each file/folder unit so Pause/Cancel
// can take effect (spec §4.8: "Pause suspends at cooperative cancellation
// points (after each file/folder unit)").
type Runner interface {
	Scan(ctx context.Context, cfg *Config, unitDone func()) error
	Backup(ctx context.Context, cfg *Config, unitDone func()) error
	Restore(ctx context.Context, cfg *Config, unitDone func()) error
	Verify(ctx context.Context, cfg *Config, unitDone func()) error
}

// jobEntry holds one registered job's config, FSM, and runtime controls.
type jobEntry struct {
	cfg       *Config
	fsm       *FSM
	isRestore bool // which branch Scanning--ok--> takes

	mu       sync.Mutex
	pauseReq bool
	oneShot  bool
	cancelFn context.CancelFunc
	lastTick time.Time
}

// ControllerConfig parameterizes NewController.
type ControllerConfig struct {
	Runner       Runner
	Logger       *slog.Logger
	TickInterval time.Duration // schedule poll interval, default 30s
}

// Controller owns every registered job's FSM, a single global worker loop
// that serializes runs (spec §4.8 "Global queue"), and the cron registry.
type Controller struct {
	cfg      ControllerConfig
	logger   *slog.Logger
	registry *Registry

	mu   sync.Mutex
	jobs map[string]*jobEntry

	queue chan string
	wg    sync.WaitGroup
}

// NewController creates a Controller. No job is registered yet; call
// Register for each configured job before calling Run.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}

	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: NewRegistry(),
		jobs:     make(map[string]*jobEntry),
		queue:    make(chan string, defaultQueueDepth),
	}
}

// bootstrapToIdle drives a fresh FSM through
// None--Initialize-->Initializing--ok-->Starting--ok-->Idle.
func bootstrapToIdle(fsm *FSM) error {
	steps := []struct {
		event  Event
		target State
	}{
		{EventInitialize, StateInitializing},
		{EventOk, StateStarting},
		{EventOk, StateIdle},
	}

	for _, step := range steps {
		if _, err := fsm.Fire(step.event, step.target); err != nil {
			return err
		}
	}

	return nil
}

// Register adds a job and drives it to Idle. isRestore selects which branch
// Scanning's Ok event takes (BackingUp vs Restoring) for this job.
func (c *Controller) Register(cfg *Config, isRestore bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.jobs[cfg.ID]; exists {
		return fmt.Errorf("job: %q already registered", cfg.ID)
	}

	fsm := newFSM()
	if err := bootstrapToIdle(fsm); err != nil {
		return err
	}

	if err := c.registry.Set(cfg.ID, cfg.Schedules); err != nil {
		return err
	}

	c.jobs[cfg.ID] = &jobEntry{cfg: cfg, fsm: fsm, isRestore: isRestore, lastTick: time.Now()}

	c.logger.Info("job registered", slog.String("job_id", cfg.ID))

	return nil
}

// Reconfigure replaces a registered job's Config. Rejected unless the job's
// FSM sits in a mutable state (spec §4.8 invariants).
func (c *Controller) Reconfigure(cfg *Config) error {
	entry, err := c.entry(cfg.ID)
	if err != nil {
		return err
	}

	if s := entry.fsm.State(); !CanMutate(s) {
		return fmt.Errorf("job: cannot reconfigure %q while in state %q", cfg.ID, s)
	}

	entry.mu.Lock()
	entry.cfg = cfg
	entry.mu.Unlock()

	// Registry is cleared and rebuilt on reconfig (spec §4.8 Scheduling).
	c.registry.Remove(cfg.ID)

	if err := c.registry.Set(cfg.ID, cfg.Schedules); err != nil {
		return err
	}

	c.logger.Info("job reconfigured", slog.String("job_id", cfg.ID))

	return nil
}

func (c *Controller) entry(id string) (*jobEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job: %q not registered", id)
	}

	return e, nil
}

// State returns job id's current state.
func (c *Controller) State(id string) (State, error) {
	e, err := c.entry(id)
	if err != nil {
		return StateNone, err
	}

	return e.fsm.State(), nil
}

// Enqueue transitions job id Idle->Queued and schedules it on the global
// worker loop. oneShot marks the run terminal: it lands on Completed
// instead of Idle on success (spec §4.8 Scheduling: "An immediate one-shot
// job runs once and is marked terminal").
func (c *Controller) Enqueue(id string, oneShot bool) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	if _, err := entry.fsm.Fire(EventEnqueue, StateQueued); err != nil {
		return err
	}

	entry.mu.Lock()
	entry.oneShot = oneShot
	entry.mu.Unlock()

	c.queue <- id

	c.logger.Info("job enqueued", slog.String("job_id", id), slog.Bool("one_shot", oneShot))

	return nil
}

// Pause requests cooperative suspension of a running job. Only takes effect
// once the run reaches a checkpoint during BackingUp or Restoring.
func (c *Controller) Pause(id string) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.pauseReq = true
	entry.mu.Unlock()

	return nil
}

// Resume clears a pause request and fires the FSM Resume event, restoring
// the state the job was paused from.
func (c *Controller) Resume(id string) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.pauseReq = false
	entry.mu.Unlock()

	_, err = entry.fsm.Fire(EventResume, StateNone)

	return err
}

// Cancel requests cooperative cancellation: it signals the active run's
// context and marks the FSM Cancelling. The worker loop fires Drained once
// the run's phase function returns (spec §4.8: "pausing does not release
// the worker, cancelling does").
func (c *Controller) Cancel(id string) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	if _, err := entry.fsm.Fire(EventCancel, StateCancelling); err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.cancelFn != nil {
		entry.cancelFn()
	}
	entry.mu.Unlock()

	return nil
}

// Disable moves a job to Disabled and clears its schedule. Only valid from
// the mutation-allowed states (spec §4.8 invariants).
func (c *Controller) Disable(id string) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	if _, err := entry.fsm.Fire(EventDisable, StateNone); err != nil {
		return err
	}

	c.registry.Remove(id)

	return nil
}

// Enable moves a Disabled job back through the bootstrap sequence to Idle.
func (c *Controller) Enable(id string) error {
	entry, err := c.entry(id)
	if err != nil {
		return err
	}

	if _, err := entry.fsm.Fire(EventEnable, StateNone); err != nil {
		return err
	}

	if err := bootstrapToIdle(entry.fsm); err != nil {
		return err
	}

	entry.mu.Lock()
	schedules := entry.cfg.Schedules
	entry.mu.Unlock()

	return c.registry.Set(id, schedules)
}

// Run starts the global worker loop and the schedule ticker. It blocks
// until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(2)

	go c.workerLoop(ctx)
	go c.schedulerLoop(ctx)

	c.wg.Wait()
}

// workerLoop is the single global worker: it serializes job runs one at a
// time (spec §4.8 "a single worker loop serializes job runs").
func (c *Controller) workerLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue:
			c.runJob(ctx, id)
		}
	}
}

func (c *Controller) schedulerLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.checkSchedules(now)
		}
	}
}

func (c *Controller) checkSchedules(now time.Time) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.jobs))

	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		entry, err := c.entry(id)
		if err != nil {
			continue
		}

		entry.mu.Lock()
		last := entry.lastTick
		entry.lastTick = now
		entry.mu.Unlock()

		next, ok := c.registry.Next(id, last)
		if !ok || next.After(now) {
			continue
		}

		if err := c.Enqueue(id, false); err != nil {
			c.logger.Debug("scheduled enqueue skipped",
				slog.String("job_id", id), slog.String("reason", err.Error()))
		}
	}
}

// runJob drives one job through Scanning, Backup/Restore, and Verify,
// honoring pause and cancel requests at unit boundaries.
func (c *Controller) runJob(ctx context.Context, id string) {
	entry, err := c.entry(id)
	if err != nil {
		return
	}

	// A job canceled while still sitting in the queue (before this
	// goroutine dequeued it) already moved to Cancelling; drain it without
	// running any phase.
	if entry.fsm.State() == StateCancelling {
		c.drain(entry)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry.mu.Lock()
	entry.cancelFn = cancel
	entry.pauseReq = false
	entry.mu.Unlock()

	if _, err := entry.fsm.Fire(EventRun, StateScanning); err != nil {
		c.logger.Error("job run rejected", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}

	// runID correlates this run's log lines across phases — distinct from
	// cfg.ID, which is the caller-supplied, stable job identity.
	runID := uuid.NewString()

	c.logger.Info("job started", slog.String("job_id", id), slog.String("run_id", runID))

	unitDone := c.unitCheckpoint(entry)

	if !c.runPhase(runCtx, entry, PhaseScan, unitDone) {
		return
	}

	nextPhase := StateBackingUp
	phase := PhaseBackup

	if entry.isRestore {
		nextPhase = StateRestoring
		phase = PhaseRestore
	}

	if _, err := entry.fsm.Fire(EventOk, nextPhase); err != nil {
		c.fail(entry, err)
		return
	}

	if !c.runPhase(runCtx, entry, phase, unitDone) {
		return
	}

	if _, err := entry.fsm.Fire(EventOk, StateVerifying); err != nil {
		c.fail(entry, err)
		return
	}

	if !c.runPhase(runCtx, entry, PhaseVerify, unitDone) {
		return
	}

	entry.mu.Lock()
	oneShot := entry.oneShot
	entry.mu.Unlock()

	final := StateIdle
	if oneShot {
		final = StateCompleted
	}

	if _, err := entry.fsm.Fire(EventOk, final); err != nil {
		c.fail(entry, err)
		return
	}

	c.logger.Info("job finished",
		slog.String("job_id", id), slog.String("run_id", runID), slog.String("final_state", final.String()))
}

// runPhase executes one phase's Runner method. Returns false if the run
// should stop here (cancelled or errored); the caller's runJob loop returns
// immediately in that case.
func (c *Controller) runPhase(ctx context.Context, entry *jobEntry, phase Phase, unitDone func()) bool {
	runErr := c.dispatchPhase(ctx, entry, phase, unitDone)

	if ctx.Err() != nil {
		c.drain(entry)
		return false
	}

	if runErr != nil {
		c.fail(entry, runErr)
		return false
	}

	return true
}

func (c *Controller) dispatchPhase(ctx context.Context, entry *jobEntry, phase Phase, unitDone func()) error {
	entry.mu.Lock()
	cfg := entry.cfg
	entry.mu.Unlock()

	switch phase {
	case PhaseScan:
		return c.cfg.Runner.Scan(ctx, cfg, unitDone)
	case PhaseBackup:
		return c.cfg.Runner.Backup(ctx, cfg, unitDone)
	case PhaseRestore:
		return c.cfg.Runner.Restore(ctx, cfg, unitDone)
	case PhaseVerify:
		return c.cfg.Runner.Verify(ctx, cfg, unitDone)
	default:
		return fmt.Errorf("job: unknown phase %q", phase)
	}
}

// unitCheckpoint returns the per-unit callback a Runner invokes after each
// file/folder unit. It blocks the calling goroutine while a pause is
// requested and the FSM sits in a pausable state (BackingUp/Restoring);
// Scanning and Verifying ignore pause requests, matching the spec's
// transition table (Pause is only valid from BackingUp/Restoring).
func (c *Controller) unitCheckpoint(entry *jobEntry) func() {
	return func() {
		entry.mu.Lock()
		paused := entry.pauseReq
		entry.mu.Unlock()

		if !paused {
			return
		}

		cur := entry.fsm.State()
		if cur != StateBackingUp && cur != StateRestoring {
			return
		}

		if _, err := entry.fsm.Fire(EventPause, StatePaused); err != nil {
			return
		}

		c.logger.Info("job paused", slog.String("job_id", entry.cfg.ID))

		for {
			time.Sleep(pausePollInterval)

			entry.mu.Lock()
			stillPaused := entry.pauseReq
			entry.mu.Unlock()

			if !stillPaused {
				break
			}
		}

		c.logger.Info("job resumed", slog.String("job_id", entry.cfg.ID))
	}
}

// fail drives a fatal error to StateError (spec: "Any--fatal-->Error").
func (c *Controller) fail(entry *jobEntry, err error) {
	c.logger.Error("job failed", slog.String("job_id", entry.cfg.ID), slog.String("error", err.Error()))

	_, _ = entry.fsm.Fire(EventFatal, StateError)
}

// drain completes Cancelling--drained-->Cancelled--ok-->Idle after a
// canceled run's phase function returns.
func (c *Controller) drain(entry *jobEntry) {
	if _, err := entry.fsm.Fire(EventDrained, StateCancelled); err != nil {
		c.logger.Error("cancel drain rejected",
			slog.String("job_id", entry.cfg.ID), slog.String("error", err.Error()))

		return
	}

	c.logger.Info("job cancelled", slog.String("job_id", entry.cfg.ID))

	if _, err := entry.fsm.Fire(EventOk, StateIdle); err != nil {
		c.logger.Error("cancel->idle rejected",
			slog.String("job_id", entry.cfg.ID), slog.String("error", err.Error()))
	}
}
