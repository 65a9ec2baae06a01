package postprocessing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/testutil"
)

// recordingTask publishes one counter histogram and records its calls.
type recordingTask struct {
	mu        sync.Mutex
	calls     []string
	triggers  []Trigger
	initErr   error
	updateErr error
	panicOn   string
	h         *plot.H1
}

func (f *recordingTask) record(name string, t Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.triggers = append(f.triggers, t)
	if f.panicOn == name {
		panic("boom")
	}
}

func (f *recordingTask) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *recordingTask) Configure(config.PostProcessingConfig) error { return nil }

func (f *recordingTask) Initialize(_ context.Context, t Trigger, s *Services) error {
	f.record("init", t)
	if f.initErr != nil {
		return f.initErr
	}
	f.h = plot.NewH1("counter", "counter", 10, 0, 10)
	_, err := s.Objects.StartPublishing(f.h)
	return err
}

func (f *recordingTask) Update(_ context.Context, t Trigger, _ *Services) error {
	f.record("update", t)
	if f.updateErr != nil {
		return f.updateErr
	}
	f.h.Fill(1)
	return nil
}

func (f *recordingTask) Finalize(_ context.Context, t Trigger, _ *Services) error {
	f.record("finalize", t)
	return nil
}

func ppConfig(init, update, stop []string) config.PostProcessingConfig {
	return config.PostProcessingConfig{
		Name:           "counter_task",
		ModuleName:     "test",
		ClassName:      "Recording",
		DetectorName:   "TST",
		InitTriggers:   init,
		UpdateTriggers: update,
		StopTriggers:   stop,
	}
}

func newTestRunner(t *testing.T, cfg config.PostProcessingConfig, task Task, repo Repository, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.TestLogger())}, opts...)
	r, err := NewRunner(cfg, task, repo, opts...)
	require.NoError(t, err)
	return r
}

func TestRunnerFinalizesWhenUpdatesExhausted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	task := &recordingTask{}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"once"}, []string{"never"}), task, repo)
	assert.Equal(t, StateCreated, r.State())

	require.NoError(t, r.Start(ctx))
	assert.Empty(t, task.Calls())

	more, err := r.Step(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, StateFinished, r.State())
	assert.Equal(t, []string{"init", "update", "finalize"}, task.Calls())
	assert.True(t, task.triggers[2].Last)
	assert.Equal(t, TriggerUserOrControl, task.triggers[2].Type)

	versions, err := repo.ListVersions(ctx, model.MOPath("TST", "counter_task")+"/counter")
	require.NoError(t, err)
	assert.NotEmpty(t, versions)
	mo, err := repo.RetrieveMO(ctx, model.MOPath("TST", "counter_task"), "counter", repository.Latest, model.Activity{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, mo.Payload.Entries())

	updates, failures := r.Stats()
	assert.Equal(t, 1, updates)
	assert.Equal(t, 0, failures)
}

func TestRunnerInvalidOnInitFailure(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{initErr: errors.New("no calibration")}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"always"}, []string{"user"}), task, nil)
	require.NoError(t, r.Start(ctx))

	_, err := r.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, StateInvalid, r.State())
	assert.Equal(t, "INVALID", r.State().String())

	_, err = r.Step(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, r.Start(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.Stop(ctx), ErrInvalidState)
	assert.Equal(t, []string{"init"}, task.Calls())
}

func TestRunnerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{panicOn: "update"}
	r := newTestRunner(t, ppConfig([]string{"user"}, []string{"always"}, []string{"user"}), task, nil)
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateRunning, r.State(), "user init triggers initialize at start")

	more, err := r.Step(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	_, failures := r.Stats()
	assert.Equal(t, 1, failures)
}

func TestRunnerUpdateFailureKeepsRunning(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{updateErr: errors.New("transient")}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"always"}, []string{"never"}), task, nil)
	require.NoError(t, r.Start(ctx))
	for range 3 {
		more, err := r.Step(ctx)
		require.NoError(t, err)
		assert.True(t, more)
	}
	updates, failures := r.Stats()
	assert.Equal(t, 3, updates)
	assert.Equal(t, 3, failures)
	assert.Equal(t, StateRunning, r.State())
}

func TestRunnerStop(t *testing.T) {
	ctx := context.Background()

	t.Run("user stop trigger finalizes", func(t *testing.T) {
		task := &recordingTask{}
		r := newTestRunner(t, ppConfig([]string{"once"}, []string{"always"}, []string{"user"}), task, nil)
		require.NoError(t, r.Start(ctx))
		_, err := r.Step(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Stop(ctx))
		assert.Equal(t, StateFinished, r.State())
		assert.Equal(t, "finalize", task.Calls()[len(task.Calls())-1])
		require.NoError(t, r.Stop(ctx))
	})

	t.Run("without user stop trigger nothing happens", func(t *testing.T) {
		task := &recordingTask{}
		r := newTestRunner(t, ppConfig([]string{"once"}, []string{"always"}, []string{"1 hour"}), task, nil)
		require.NoError(t, r.Start(ctx))
		_, err := r.Step(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Stop(ctx))
		assert.Equal(t, StateRunning, r.State())
		assert.NotContains(t, task.Calls(), "finalize")
	})
}

func TestRunnerPeriodicStopTrigger(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	task := &recordingTask{}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"10 sec"}, []string{"1 min"}), task, nil, WithClock(clock.Now))
	require.NoError(t, r.Start(ctx))

	more, err := r.Step(ctx)
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, []string{"init"}, task.Calls())

	for range 6 {
		clock.Advance(10 * time.Second)
		more, err = r.Step(ctx)
		require.NoError(t, err)
	}
	assert.False(t, more)
	assert.Equal(t, StateFinished, r.State())
	calls := task.Calls()
	assert.Equal(t, "finalize", calls[len(calls)-1])
	updates, _ := r.Stats()
	assert.Equal(t, 6, updates)
}

func TestRunnerRunHonoursCancellation(t *testing.T) {
	task := &recordingTask{}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"always"}, []string{"user"}), task, nil,
		WithPeriod(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		updates, _ := r.Stats()
		return updates >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateFinished, r.State())
}

func TestRunOverTimestamps(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	task := &recordingTask{}
	r := newTestRunner(t, ppConfig([]string{"once"}, []string{"once"}, []string{"user"}), task, repo)

	assert.Error(t, r.RunOverTimestamps(ctx, []int64{1000}))

	require.NoError(t, r.RunOverTimestamps(ctx, []int64{1000, 2000, 3000, 4000}))
	assert.Equal(t, []string{"init", "update", "update", "finalize"}, task.Calls())
	assert.Equal(t, int64(1000), task.triggers[0].Timestamp)
	assert.False(t, task.triggers[1].Last)
	assert.True(t, task.triggers[2].Last)
	assert.Equal(t, int64(4000), task.triggers[3].Timestamp)
	assert.Equal(t, StateFinished, r.State())

	versions, err := repo.ListVersions(ctx, model.MOPath("TST", "counter_task")+"/counter")
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, versions)
}

func TestFromConfigUnknownClass(t *testing.T) {
	_, err := FromConfig(ppConfig(nil, nil, nil), nil)
	assert.ErrorIs(t, err, config.ErrFatalConfiguration)
}

type badConfigTask struct{ recordingTask }

func (*badConfigTask) Configure(config.PostProcessingConfig) error { return errors.New("bad") }

func TestNewRunnerConfigureFailure(t *testing.T) {
	_, err := NewRunner(ppConfig(nil, nil, nil), &badConfigTask{}, nil)
	assert.ErrorIs(t, err, config.ErrFatalConfiguration)
}

func TestStartRejectsBadTriggers(t *testing.T) {
	r := newTestRunner(t, ppConfig([]string{"sometimes"}, nil, nil), &recordingTask{}, nil)
	assert.ErrorIs(t, r.Start(context.Background()), config.ErrFatalConfiguration)
	assert.Equal(t, StateInvalid, r.State())
}
