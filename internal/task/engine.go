// Package task implements the Task Engine: it drives one user module through
// its lifecycle, feeds it sampled data and publishes its objects every cycle.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/sampling"
	"github.com/ashita-ai/qcflow/internal/telemetry"
	"github.com/ashita-ai/qcflow/internal/transport"
)

// State is the lifecycle state of an engine.
type State int

const (
	Created State = iota
	Initialized
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidState is returned when a lifecycle transition is requested from
// the wrong state.
var ErrInvalidState = errors.New("task: invalid state transition")

// Defaults applied by New when the config leaves them zero.
const (
	DefaultSamplerTimeout = 100 * time.Millisecond
	DefaultRateWindow     = 10 * time.Second
)

// Config is the runtime configuration of one engine.
type Config struct {
	Name              string
	Detector          string
	CycleDuration     time.Duration
	MaxCycles         int // negative means unbounded
	ResetAfterCycles  int // 0 means never
	SaveObjectsToFile string
	SamplerTimeout    time.Duration
	RateWindow        time.Duration
	CustomParameters  map[string]string
}

// FromTaskConfig converts a configuration tree entry.
func FromTaskConfig(tc config.TaskConfig) Config {
	return Config{
		Name:              tc.Name,
		Detector:          tc.DetectorName,
		CycleDuration:     tc.CycleDuration,
		MaxCycles:         tc.MaxCycles,
		ResetAfterCycles:  tc.ResetAfterCycles,
		SaveObjectsToFile: tc.SaveObjectsToFile,
		CustomParameters:  tc.CustomParameters,
	}
}

// Observer is notified after end_of_cycle with the objects about to be
// published. Observers run on the engine worker and may annotate the
// objects; they must not register or remove objects.
type Observer interface {
	ObserveCycle(ctx context.Context, cycle int, objs []*model.MonitorObject)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, cycle int, objs []*model.MonitorObject)

// ObserveCycle implements Observer.
func (f ObserverFunc) ObserveCycle(ctx context.Context, cycle int, objs []*model.MonitorObject) {
	f(ctx, cycle, objs)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The engine adds a "task" attribute.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver adds an observer called every cycle before publication.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	State                 State
	Activity              model.Activity
	Cycles                int // completed in the current activity
	BlocksLastCycle       int
	BlocksTotal           int64
	ObjectsLastCycle      int
	ObjectsPublishedTotal int64
	ObjectsRate           float64 // objects per second over the last cycle
	WindowRate            float64 // objects per second over the last completed rate window
	PublishFailures       int64
	CycleDuration         time.Duration
	PublishDuration       time.Duration
	ActivityDuration      time.Duration
}

// Engine drives one module.
type Engine struct {
	cfg       Config
	module    Module
	objects   *objects.Manager
	sampler   sampling.Sampler
	sender    transport.Sender
	logger    *slog.Logger
	observers []Observer
	tracer    trace.Tracer
	metrics   *engineMetrics

	bufPool sync.Pool
	cycle   atomic.Int64
	dirty   bool

	stopMu sync.Mutex
	stop   context.CancelFunc

	mu            sync.Mutex
	state         State
	activity      model.Activity
	activityStart time.Time
	windowStart   time.Time
	windowObjects int64
	stats         Stats
}

// New wires module to a sampler and an outbound sender. The engine creates
// the Objects Manager and injects it into the module.
func New(cfg Config, module Module, sampler sampling.Sampler, sender transport.Sender, opts ...Option) (*Engine, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", config.ErrFatalConfiguration)
	}
	if module == nil || sampler == nil || sender == nil {
		return nil, errors.New("task: module, sampler and sender are required")
	}
	if cfg.Detector == "" {
		cfg.Detector = model.DefaultDetector
	}
	if cfg.CycleDuration <= 0 {
		cfg.CycleDuration = config.DefaultCycleDurationSeconds * time.Second
	}
	if cfg.SamplerTimeout <= 0 {
		cfg.SamplerTimeout = DefaultSamplerTimeout
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}

	e := &Engine{
		cfg:     cfg,
		module:  module,
		sampler: sampler,
		sender:  sender,
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("qcflow/task"),
		bufPool: sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("task", cfg.Name)
	e.objects = objects.NewManager(cfg.Name, cfg.Detector, e.logger)
	e.metrics = newEngineMetrics(e)

	module.SetName(cfg.Name)
	module.SetObjectsManager(e.objects)
	return e, nil
}

// Objects returns the engine's Objects Manager.
func (e *Engine) Objects() *objects.Manager { return e.objects }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.State = e.state
	s.Activity = e.activity
	if e.state == Running {
		s.ActivityDuration = time.Since(e.activityStart)
	}
	return s
}

func (e *Engine) transition(from, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, e.state)
	}
	e.state = to
	return nil
}

// Init calls the module's Initialize. A failure is fatal.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.transition(Created, Initialized); err != nil {
		return err
	}
	tctx := &Context{
		Name:     e.cfg.Name,
		Objects:  e.objects,
		Params:   e.cfg.CustomParameters,
		Logger:   e.logger,
		Activity: e.activity,
		cycle:    &e.cycle,
	}
	if err := e.call("initialize", func() error { return e.module.Initialize(tctx) }); err != nil {
		e.setState(Created)
		return fmt.Errorf("%w: task %s: %w", config.ErrFatalConfiguration, e.cfg.Name, err)
	}
	e.logger.Info("task: initialized", "objects", e.objects.Len())
	return nil
}

// StartOfActivity enters Running. A module failure is fatal and leaves the
// engine Initialized.
func (e *Engine) StartOfActivity(ctx context.Context, a model.Activity) error {
	if err := e.transition(Initialized, Running); err != nil {
		return err
	}
	e.objects.SetActivity(a)
	if err := e.call("start_of_activity", func() error { return e.module.StartOfActivity(a) }); err != nil {
		e.setState(Initialized)
		return fmt.Errorf("%w: task %s: %w", config.ErrFatalConfiguration, e.cfg.Name, err)
	}

	now := time.Now()
	e.mu.Lock()
	e.activity = a
	e.activityStart = now
	e.windowStart = now
	e.windowObjects = 0
	e.stats = Stats{}
	e.mu.Unlock()
	e.cycle.Store(0)
	e.dirty = true
	e.logger.Info("task: start of activity", "activity", a.String())
	return nil
}

// RunCycles executes the cycle loop until MaxCycles is reached or ctx is
// cancelled. A cancellation lets the current cycle finish its publish phase.
func (e *Engine) RunCycles(ctx context.Context) error {
	if e.State() != Running {
		return fmt.Errorf("%w: cycle loop requires Running, have %s", ErrInvalidState, e.State())
	}
	for e.cfg.MaxCycles < 0 || int(e.cycle.Load()) < e.cfg.MaxCycles {
		if ctx.Err() != nil {
			break
		}
		e.runCycle(ctx)
	}
	return nil
}

// EndOfActivity leaves Running. Objects registered ThroughStop are removed
// afterwards, and the objects are saved to file when configured.
func (e *Engine) EndOfActivity(ctx context.Context) error {
	if err := e.transition(Running, Stopped); err != nil {
		return err
	}
	e.mu.Lock()
	a := e.activity
	e.stats.ActivityDuration = time.Since(e.activityStart)
	e.mu.Unlock()

	err := e.call("end_of_activity", func() error { return e.module.EndOfActivity(a) })
	if err != nil {
		e.logger.Error("task: end of activity failed", "error", err)
	}
	if e.cfg.SaveObjectsToFile != "" {
		if serr := e.saveObjects(e.cfg.SaveObjectsToFile); serr != nil {
			e.logger.Error("task: save objects failed", "path", e.cfg.SaveObjectsToFile, "error", serr)
		}
	}
	e.objects.EndOfActivity()
	e.logger.Info("task: end of activity", "activity", a.String(), "cycles", e.cycle.Load())
	return err
}

// Reset clears the module's accumulated state and returns to Initialized.
// A second Reset without activity in between does nothing.
func (e *Engine) Reset() error {
	state := e.State()
	if state == Created {
		return fmt.Errorf("%w: reset before init", ErrInvalidState)
	}
	if err := e.resetModule(); err != nil {
		return err
	}
	e.setState(Initialized)
	return nil
}

func (e *Engine) resetModule() error {
	if !e.dirty {
		return nil
	}
	e.dirty = false
	if err := e.call("reset", e.module.Reset); err != nil {
		e.logger.Error("task: reset failed", "error", err)
		return err
	}
	e.logger.Debug("task: reset")
	return nil
}

// Run performs the whole lifecycle for one activity: init (when still
// Created), start of activity, the cycle loop and end of activity. Stop or
// ctx cancellation end the loop gracefully.
func (e *Engine) Run(ctx context.Context, a model.Activity) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stopMu.Lock()
	e.stop = cancel
	e.stopMu.Unlock()

	if e.State() == Created {
		if err := e.Init(runCtx); err != nil {
			return err
		}
	}
	if err := e.StartOfActivity(runCtx, a); err != nil {
		return err
	}
	if err := e.RunCycles(runCtx); err != nil {
		return err
	}
	// end of activity must run even when the caller's context is done.
	return e.EndOfActivity(context.WithoutCancel(ctx))
}

// Stop requests a graceful end of Run.
func (e *Engine) Stop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.stop != nil {
		e.stop()
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) runCycle(ctx context.Context) {
	cycle := int(e.cycle.Load())
	defer e.cycle.Add(1)
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "task.cycle", trace.WithAttributes(
		attribute.String("task", e.cfg.Name),
		attribute.Int("cycle", cycle),
	))
	defer span.End()
	e.dirty = true

	if err := e.call("start_of_cycle", e.module.StartOfCycle); err != nil {
		e.logger.Error("task: start of cycle failed", "cycle", cycle, "error", err)
	}

	blocks := e.sample(ctx, start.Add(e.cfg.CycleDuration))

	if err := e.call("end_of_cycle", e.module.EndOfCycle); err != nil {
		e.logger.Error("task: end of cycle failed", "cycle", cycle, "error", err)
	}

	// The publish phase completes even when a stop arrived during sampling.
	pubCtx := context.WithoutCancel(ctx)
	objs := e.objects.Objects()
	for _, o := range e.observers {
		e.observe(pubCtx, o, cycle, objs)
	}
	pubStart := time.Now()
	published, failed := e.publish(pubCtx)
	now := time.Now()
	e.record(cycle, blocks, published, failed, now.Sub(start), now.Sub(pubStart), now)
	e.objects.AfterPublication()

	if n := e.cfg.ResetAfterCycles; n > 0 && (cycle+1)%n == 0 {
		_ = e.resetModule()
	}
}

// sample feeds slices to Monitor until deadline. It returns the number of
// slices consumed.
func (e *Engine) sample(ctx context.Context, deadline time.Time) int {
	blocks := 0
	for ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		s, err := e.sampler.GetSlice(ctx, min(e.cfg.SamplerTimeout, remaining))
		switch {
		case err == nil:
			blocks++
			e.metrics.dataReceived.Add(ctx, 1, e.metrics.attrs)
			if merr := e.call("monitor", func() error { return e.module.Monitor(s) }); merr != nil {
				e.logger.Error("task: monitor failed", "error", merr)
			}
			s.Release()
		case errors.Is(err, sampling.ErrNoData):
		case ctx.Err() != nil:
			return blocks
		default:
			e.logger.Warn("task: sampler error", "error", err)
			e.wait(ctx, e.cfg.CycleDuration)
			return blocks
		}
	}
	return blocks
}

func (e *Engine) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) observe(ctx context.Context, o Observer, cycle int, objs []*model.MonitorObject) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task: observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	o.ObserveCycle(ctx, cycle, objs)
}

// publish sends every object on data-out followed by the announcement on
// the sidecar channel. Send failures are logged and skipped.
func (e *Engine) publish(ctx context.Context) (published, failed int) {
	ctx, span := e.tracer.Start(ctx, "task.publish")
	defer span.End()

	for name, mo := range e.objects.All() {
		buf := e.bufPool.Get().(*bytes.Buffer)
		buf.Reset()
		if err := model.WriteMonitorObject(buf, mo); err != nil {
			e.bufPool.Put(buf)
			failed++
			e.logger.Error("task: serialize failed", "object", name, "error", err)
			continue
		}
		msg := transport.Message{
			Channel: transport.ChannelDataOut,
			Headers: map[string]string{
				transport.HeaderTask:     e.cfg.Name,
				transport.HeaderObject:   name,
				transport.HeaderDetector: e.cfg.Detector,
			},
			Body:    buf.Bytes(),
			Cleanup: func(error) { e.bufPool.Put(buf) },
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			failed++
			e.logger.Warn("task: publish failed", "object", name, "error", err)
			continue
		}
		published++
	}

	ann := transport.Message{Channel: transport.ChannelInfoOut, Body: []byte(e.objects.Announcement())}
	if err := e.sender.Send(ctx, ann); err != nil {
		e.logger.Warn("task: announcement failed", "error", err)
	}
	return published, failed
}

func (e *Engine) record(cycle, blocks, published, failed int, cycleDur, pubDur time.Duration, now time.Time) {
	e.mu.Lock()
	e.stats.Cycles = cycle + 1
	e.stats.BlocksLastCycle = blocks
	e.stats.BlocksTotal += int64(blocks)
	e.stats.ObjectsLastCycle = published
	e.stats.ObjectsPublishedTotal += int64(published)
	e.stats.PublishFailures += int64(failed)
	e.stats.CycleDuration = cycleDur
	e.stats.PublishDuration = pubDur
	if secs := cycleDur.Seconds(); secs > 0 {
		e.stats.ObjectsRate = float64(published) / secs
	}
	e.windowObjects += int64(published)
	var windowRate float64
	windowDone := now.Sub(e.windowStart) >= e.cfg.RateWindow
	if windowDone {
		windowRate = float64(e.windowObjects) / now.Sub(e.windowStart).Seconds()
		e.stats.WindowRate = windowRate
		e.windowStart = now
		e.windowObjects = 0
	}
	e.mu.Unlock()

	ctx := context.Background()
	e.metrics.cycleDuration.Record(ctx, cycleDur.Seconds(), e.metrics.attrs)
	e.metrics.publishDuration.Record(ctx, pubDur.Seconds(), e.metrics.attrs)
	e.metrics.objectsPublished.Add(ctx, int64(published), e.metrics.attrs)
	e.logger.Debug("task: cycle done",
		"cycle", cycle,
		"blocks", blocks,
		"published", published,
		"cycle_duration_ms", cycleDur.Milliseconds(),
		"publish_duration_ms", pubDur.Milliseconds(),
	)
	if windowDone {
		e.logger.Info("task: rate over window", "window", e.cfg.RateWindow.String(), "objects_per_second", windowRate)
	}
}

// call runs fn, converting a panic into an error.
func (e *Engine) call(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task: %s panicked: %v", phase, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("task: %s: %w", phase, err)
	}
	return nil
}

// saveObjects writes every object as a JSON array of encoded objects.
func (e *Engine) saveObjects(path string) error {
	var encoded []json.RawMessage
	for _, enc := range e.objects.SerializeAll() {
		if enc.Err != nil {
			e.logger.Warn("task: skip object in save", "object", enc.Name, "error", enc.Err)
			continue
		}
		encoded = append(encoded, enc.Data)
	}
	data, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("task: marshal objects: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("task: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("task: rename %s: %w", path, err)
	}
	return nil
}
