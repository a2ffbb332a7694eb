package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	scanCalls    atomic.Int32
	backupCalls  atomic.Int32
	restoreCalls atomic.Int32
	verifyCalls  atomic.Int32

	backupFn func(ctx context.Context, cfg *Config, unitDone func()) error
}

func (f *fakeRunner) Scan(_ context.Context, _ *Config, unitDone func()) error {
	f.scanCalls.Add(1)
	unitDone()

	return nil
}

func (f *fakeRunner) Backup(ctx context.Context, cfg *Config, unitDone func()) error {
	f.backupCalls.Add(1)

	if f.backupFn != nil {
		return f.backupFn(ctx, cfg, unitDone)
	}

	unitDone()

	return nil
}

func (f *fakeRunner) Restore(_ context.Context, _ *Config, unitDone func()) error {
	f.restoreCalls.Add(1)
	unitDone()

	return nil
}

func (f *fakeRunner) Verify(_ context.Context, _ *Config, unitDone func()) error {
	f.verifyCalls.Add(1)
	unitDone()

	return nil
}

func testConfig(id string) *Config {
	return &Config{ID: id}
}

func TestControllerRegisterStartsIdle(t *testing.T) {
	c := NewController(ControllerConfig{Runner: &fakeRunner{}})
	require.NoError(t, c.Register(testConfig("job1"), false))

	state, err := c.State("job1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestControllerRunOneShotReachesCompleted(t *testing.T) {
	runner := &fakeRunner{}
	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", true))

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), runner.scanCalls.Load())
	assert.Equal(t, int32(1), runner.backupCalls.Load())
	assert.Equal(t, int32(1), runner.verifyCalls.Load())
	assert.Equal(t, int32(0), runner.restoreCalls.Load())
}

func TestControllerRunRecurringReturnsToIdle(t *testing.T) {
	runner := &fakeRunner{}
	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", false))

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestControllerRestoreBranchInvokesRestore(t *testing.T) {
	runner := &fakeRunner{}
	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", false))

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateIdle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), runner.restoreCalls.Load())
	assert.Equal(t, int32(0), runner.backupCalls.Load())
}

func TestControllerCancelDuringBackupDrainsToIdle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	runner := &fakeRunner{
		backupFn: func(ctx context.Context, _ *Config, _ func()) error {
			close(started)

			select {
			case <-release:
			case <-ctx.Done():
			}

			return ctx.Err()
		},
	}

	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", false))
	<-started

	require.NoError(t, c.Cancel("job1"))
	close(release)

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestControllerReconfigureRejectedWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	runner := &fakeRunner{
		backupFn: func(_ context.Context, _ *Config, _ func()) error {
			close(started)
			<-release

			return nil
		},
	}

	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", false))
	<-started

	err := c.Reconfigure(testConfig("job1"))
	assert.Error(t, err)

	close(release)

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestControllerDisableThenEnableReturnsToIdle(t *testing.T) {
	c := NewController(ControllerConfig{Runner: &fakeRunner{}})
	require.NoError(t, c.Register(testConfig("job1"), false))

	require.NoError(t, c.Disable("job1"))

	state, err := c.State("job1")
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, state)

	require.NoError(t, c.Enable("job1"))

	state, err = c.State("job1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestControllerPauseThenResumeCompletesRun(t *testing.T) {
	proceed := make(chan struct{})

	runner := &fakeRunner{
		backupFn: func(_ context.Context, _ *Config, unitDone func()) error {
			<-proceed
			unitDone() // observes the pending pause request and blocks until Resume

			return nil
		},
	}

	c := NewController(ControllerConfig{Runner: runner, TickInterval: time.Hour})
	require.NoError(t, c.Register(testConfig("job1"), false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.Enqueue("job1", false))

	// Set the pause request before Backup's checkpoint runs, so the happens-
	// before relation through the proceed channel guarantees unitDone sees it.
	require.NoError(t, c.Pause("job1"))
	close(proceed)

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StatePaused
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Resume("job1"))

	require.Eventually(t, func() bool {
		state, _ := c.State("job1")
		return state == StateIdle
	}, time.Second, 5*time.Millisecond)
}
