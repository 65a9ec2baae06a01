package postprocessing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/telemetry"
)

// DefaultPeriod is the trigger polling period.
const DefaultPeriod = 10 * time.Second

// ErrInvalidState is returned once a task failed to initialize.
var ErrInvalidState = errors.New("postprocessing: task is in INVALID state")

// State is the lifecycle state of a runner.
type State int

// Runner states.
const (
	StateCreated State = iota
	StateRunning
	StateFinished
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateFinished:
		return "Finished"
	case StateInvalid:
		return "INVALID"
	}
	return "State(" + fmt.Sprint(int(s)) + ")"
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The runner adds a "postprocessing" attribute.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithPeriod sets how often Run polls the triggers.
func WithPeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.period = d
		}
	}
}

// WithRunEvents connects sor/eor triggers to hub.
func WithRunEvents(hub *RunEvents) Option {
	return func(r *Runner) { r.env.RunEvents = hub }
}

// WithClock replaces time.Now for trigger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.env.Now = now }
}

// Runner drives one post-processing task through its triggers.
type Runner struct {
	cfg      config.PostProcessingConfig
	task     Task
	services *Services
	env      *TriggerEnv
	logger   *slog.Logger
	period   time.Duration

	mu             sync.Mutex
	state          State
	initTriggers   []TriggerFunc
	updateTriggers []TriggerFunc
	stopTriggers   []TriggerFunc
	updates        int
	failures       int

	metrics runnerMetrics
}

// FromConfig instantiates the configured task class and wraps it in a Runner.
func FromConfig(cfg config.PostProcessingConfig, repo Repository, opts ...Option) (*Runner, error) {
	t, err := NewTask(cfg.ModuleName, cfg.ClassName)
	if err != nil {
		return nil, err
	}
	return NewRunner(cfg, t, repo, opts...)
}

// NewRunner configures task and returns a runner in the Created state.
func NewRunner(cfg config.PostProcessingConfig, task Task, repo Repository, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		task:   task,
		period: DefaultPeriod,
		env:    &TriggerEnv{Activity: cfg.Activity, Repository: repo},
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("postprocessing", cfg.Name)
	r.env.Logger = r.logger

	om := objects.NewManager(cfg.Name, cfg.DetectorName, r.logger)
	om.SetActivity(cfg.Activity)
	r.services = &Services{Repository: repo, Objects: om, Logger: r.logger}
	r.metrics = newRunnerMetrics(cfg)

	if err := r.call("configure", func() error { return task.Configure(cfg) }); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	return r, nil
}

// Name returns the task name.
func (r *Runner) Name() string { return r.cfg.Name }

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Objects returns the manager holding the task's published objects.
func (r *Runner) Objects() *objects.Manager { return r.services.Objects }

// Start arms the init triggers. A user or control init trigger
// initializes the task immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRunning:
		r.logger.Debug("postprocessing: start requested while running")
		return nil
	case StateInvalid:
		return ErrInvalidState
	}
	fns, err := ParseTriggers(ctx, r.cfg.InitTriggers, r.env)
	if err != nil {
		r.state = StateInvalid
		return err
	}
	r.initTriggers = fns
	r.state = StateCreated
	if HasUserOrControl(r.cfg.InitTriggers) {
		return r.initialize(ctx, r.userTrigger(false))
	}
	return nil
}

// Step polls the triggers once and advances the state machine. It returns
// false once the task has finished.
func (r *Runner) Step(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCreated {
		if t := tryTrigger(ctx, &r.initTriggers); t.Fired() {
			if err := r.initialize(ctx, t); err != nil {
				return false, err
			}
		}
	}
	if r.state == StateRunning {
		if t := tryTrigger(ctx, &r.updateTriggers); t.Fired() {
			r.update(ctx, t)
		}
		if len(r.updateTriggers) == 0 {
			r.finalize(ctx, r.userTrigger(true))
		} else if t := tryTrigger(ctx, &r.stopTriggers); t.Fired() {
			r.finalize(ctx, t)
		}
	}
	switch r.state {
	case StateFinished:
		r.logger.Debug("postprocessing: task finished")
		return false, nil
	case StateInvalid:
		return false, ErrInvalidState
	}
	return true, nil
}

// Run starts the runner and polls the triggers every period until the task
// finishes or ctx is cancelled. On cancellation a task with a user or
// control stop trigger is finalized.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		more, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		select {
		case <-ctx.Done():
			return r.Stop(context.WithoutCancel(ctx))
		case <-ticker.C:
		}
	}
}

// Stop finalizes the task if its stop triggers include user or control.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateCreated, StateRunning:
		if HasUserOrControl(r.cfg.StopTriggers) {
			r.finalize(ctx, r.userTrigger(true))
		}
	case StateFinished:
		r.logger.Debug("postprocessing: stop requested after finalize")
	case StateInvalid:
		return ErrInvalidState
	}
	return nil
}

// RunOverTimestamps replays the task over stored data: it initializes at
// the first timestamp, updates at every intermediate one and finalizes at
// the last.
func (r *Runner) RunOverTimestamps(ctx context.Context, timestamps []int64) error {
	if len(timestamps) < 2 {
		return fmt.Errorf("postprocessing: run over timestamps needs at least 2 timestamps, got %d", len(timestamps))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInvalid {
		return ErrInvalidState
	}
	at := func(i int) Trigger {
		t := r.userTrigger(i == len(timestamps)-2)
		t.Timestamp = timestamps[i]
		return t
	}
	if err := r.initialize(ctx, at(0)); err != nil {
		return err
	}
	for i := 1; i < len(timestamps)-1; i++ {
		r.update(ctx, at(i))
	}
	last := at(len(timestamps) - 1)
	last.Last = false
	r.finalize(ctx, last)
	return nil
}

// Stats returns the number of updates run and how many of them failed.
func (r *Runner) Stats() (updates, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates, r.failures
}

func (r *Runner) userTrigger(last bool) Trigger {
	return Trigger{Type: TriggerUserOrControl, Last: last, Activity: r.cfg.Activity, Timestamp: r.env.nowMS()}
}

func (r *Runner) initialize(ctx context.Context, t Trigger) error {
	r.logger.Info("postprocessing: initializing", "trigger", t)
	if err := r.call("initialize", func() error { return r.task.Initialize(ctx, t, r.services) }); err != nil {
		r.state = StateInvalid
		r.logger.Error("postprocessing: initialize failed", "error", err)
		return err
	}
	// Update and stop triggers are created after init so timers start now.
	var err error
	if r.updateTriggers, err = ParseTriggers(ctx, r.cfg.UpdateTriggers, r.env); err == nil {
		r.stopTriggers, err = ParseTriggers(ctx, r.cfg.StopTriggers, r.env)
	}
	if err != nil {
		r.state = StateInvalid
		return err
	}
	r.state = StateRunning
	r.store(ctx, t)
	return nil
}

func (r *Runner) update(ctx context.Context, t Trigger) {
	r.logger.Info("postprocessing: updating", "trigger", t)
	r.updates++
	r.metrics.updates.Add(ctx, 1, r.metrics.attrs)
	if err := r.call("update", func() error { return r.task.Update(ctx, t, r.services) }); err != nil {
		r.failures++
		r.metrics.failures.Add(ctx, 1, r.metrics.attrs)
		r.logger.Warn("postprocessing: update failed", "error", err)
		return
	}
	r.store(ctx, t)
}

func (r *Runner) finalize(ctx context.Context, t Trigger) {
	r.logger.Info("postprocessing: finalizing", "trigger", t)
	if err := r.call("finalize", func() error { return r.task.Finalize(ctx, t, r.services) }); err != nil {
		r.logger.Warn("postprocessing: finalize failed", "error", err)
	}
	r.store(ctx, t)
	r.state = StateFinished
}

// store writes every published object to the repository, versioned by the
// trigger timestamp.
func (r *Runner) store(ctx context.Context, t Trigger) {
	om := r.services.Objects
	if r.services.Repository == nil || om.Len() == 0 {
		om.AfterPublication()
		return
	}
	ts := t.Timestamp
	if ts <= 0 {
		ts = r.env.nowMS()
	}
	for _, mo := range om.Objects() {
		snap := mo.Snapshot()
		snap.Activity = t.Activity
		snap.ValidFrom = ts
		if err := r.services.Repository.StoreMO(ctx, snap); err != nil {
			r.logger.Warn("postprocessing: store failed", "object", mo.Name(), "error", err)
			continue
		}
		r.metrics.stored.Add(ctx, 1, r.metrics.attrs)
	}
	om.AfterPublication()
}

func (r *Runner) call(phase string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("postprocessing: %s panicked: %v", phase, p)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("postprocessing: %s: %w", phase, err)
	}
	return nil
}

type runnerMetrics struct {
	attrs    metric.MeasurementOption
	updates  metric.Int64Counter
	failures metric.Int64Counter
	stored   metric.Int64Counter
}

func newRunnerMetrics(cfg config.PostProcessingConfig) runnerMetrics {
	meter := telemetry.Meter("qcflow/postprocessing")
	m := runnerMetrics{attrs: metric.WithAttributeSet(attribute.NewSet(
		attribute.String("task", cfg.Name),
		attribute.String("detector", cfg.DetectorName),
	))}
	m.updates, _ = meter.Int64Counter("qc_pp_updates",
		metric.WithDescription("Post-processing updates run"))
	m.failures, _ = meter.Int64Counter("qc_pp_update_failures",
		metric.WithDescription("Post-processing updates that returned an error"))
	m.stored, _ = meter.Int64Counter("qc_pp_objects_stored",
		metric.WithDescription("Objects written to the repository"))
	return m
}
