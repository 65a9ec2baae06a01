package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/telemetry"
	"github.com/ashita-ai/qcflow/internal/transport"
)

// Store persists checked objects. A nil Store disables persistence.
type Store interface {
	StoreMO(ctx context.Context, mo *model.MonitorObject) error
	StoreQO(ctx context.Context, qo *model.QualityObject) error
}

// Aggregator grades a group of checks with the worst of their latest
// qualities.
type Aggregator struct {
	Name     string
	Detector string
	Inputs   []string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore enables persistence of quality objects and checked objects.
func WithStore(s Store) RunnerOption { return func(r *Runner) { r.store = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithRateWindow sets the interval of the rate log lines. Default 10s.
func WithRateWindow(d time.Duration) RunnerOption { return func(r *Runner) { r.rateWindow = d } }

// WithName labels the runner in logs and metrics.
func WithName(name string) RunnerOption { return func(r *Runner) { r.name = name } }

// Runner owns a set of checks and aggregators and evaluates them on every
// batch of received objects. Process is safe for concurrent use; batches
// are evaluated one at a time.
type Runner struct {
	name        string
	checks      []*Check
	aggregators []Aggregator
	store       Store
	logger      *slog.Logger
	tracer      trace.Tracer
	rateWindow  time.Duration

	mu          sync.Mutex
	policies    *PolicyManager // inputs are monitor objects
	aggPolicies *PolicyManager // inputs are check results
	cache       map[string]*model.MonitorObject
	latest      map[string]*model.QualityObject

	metrics     runnerMetrics
	received    atomic.Int64
	executed    atomic.Int64
	qoStored    atomic.Int64
	moStored    atomic.Int64
	windowStart time.Time
	windowBase  [4]int64
}

// NewRunner builds a runner. Check names and aggregator names share one
// namespace.
func NewRunner(checks []*Check, aggregators []Aggregator, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		name:        "checker",
		checks:      slices.Clone(checks),
		aggregators: slices.Clone(aggregators),
		logger:      slog.Default(),
		tracer:      telemetry.Tracer("qcflow/check"),
		rateWindow:  10 * time.Second,
		policies:    NewPolicyManager(),
		aggPolicies: NewPolicyManager(),
		cache:       make(map[string]*model.MonitorObject),
		latest:      make(map[string]*model.QualityObject),
		windowStart: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("runner", r.name)

	isCheck := make(map[string]bool)
	for _, c := range r.checks {
		if isCheck[c.Name] {
			return nil, fmt.Errorf("%w: duplicate check %q", config.ErrFatalConfiguration, c.Name)
		}
		isCheck[c.Name] = true
		r.policies.AddPolicy(c.Name, c.Policy, c.Inputs)
	}
	seen := make(map[string]bool)
	for _, a := range r.aggregators {
		if isCheck[a.Name] || seen[a.Name] {
			return nil, fmt.Errorf("%w: aggregator %q clashes with another name", config.ErrFatalConfiguration, a.Name)
		}
		seen[a.Name] = true
		for _, in := range a.Inputs {
			if !isCheck[in] {
				return nil, fmt.Errorf("%w: aggregator %s: unknown check %q", config.ErrFatalConfiguration, a.Name, in)
			}
		}
		r.aggPolicies.AddPolicy(a.Name, OnAny, a.Inputs)
	}
	r.metrics = newRunnerMetrics(r.name)
	return r, nil
}

// FromConfig instantiates every configured check and aggregator.
func FromConfig(checks []config.CheckConfig, aggs []config.AggregatorConfig, logger *slog.Logger, opts ...RunnerOption) (*Runner, error) {
	built := make([]*Check, 0, len(checks))
	for _, cc := range checks {
		c, err := New(cc, logger)
		if err != nil {
			return nil, err
		}
		built = append(built, c)
	}
	aggregators := make([]Aggregator, 0, len(aggs))
	for _, ac := range aggs {
		det := ac.DetectorName
		if det == "" {
			det = model.DefaultDetector
		}
		aggregators = append(aggregators, Aggregator{Name: ac.Name, Detector: det, Inputs: slices.Clone(ac.Inputs)})
	}
	return NewRunner(built, aggregators, append([]RunnerOption{WithLogger(logger)}, opts...)...)
}

// ObserveCycle lets a runner observe a task engine in process.
func (r *Runner) ObserveCycle(ctx context.Context, _ int, objs []*model.MonitorObject) {
	r.Process(ctx, objs)
}

// Process evaluates every ready check over the received objects, updates
// their quality metadata and stores the results. It returns the quality
// objects produced by checks and aggregators in this pass.
func (r *Runner) Process(ctx context.Context, mos []*model.MonitorObject) []*model.QualityObject {
	ctx, span := r.tracer.Start(ctx, "check.process", trace.WithAttributes(attribute.Int("objects", len(mos))))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictDestroyed()
	mos = slices.DeleteFunc(slices.Clone(mos), (*model.MonitorObject).Destroyed)
	for _, mo := range mos {
		r.cache[mo.Name()] = mo
		r.policies.UpdateObjectRevision(mo.Name())
	}
	r.received.Add(int64(len(mos)))
	r.metrics.received.Add(ctx, int64(len(mos)))

	var produced []*model.QualityObject
	graded := make(map[string]model.Quality)
	for _, c := range r.checks {
		if !r.policies.IsReady(c.Name) {
			continue
		}
		qos := r.run(c, graded)
		r.policies.UpdateActorRevision(c.Name)
		for _, qo := range qos {
			r.latest[c.Name] = qo
			r.aggPolicies.UpdateObjectRevision(c.Name)
		}
		produced = append(produced, qos...)
	}
	for _, a := range r.aggregators {
		if !r.aggPolicies.IsReady(a.Name) {
			continue
		}
		if qo := r.aggregate(a); qo != nil {
			r.latest[a.Name] = qo
			produced = append(produced, qo)
		}
		r.aggPolicies.UpdateActorRevision(a.Name)
	}
	r.policies.UpdateGlobalRevision()
	r.aggPolicies.UpdateGlobalRevision()

	r.persist(ctx, mos, produced)
	r.logRates()
	return produced
}

// evictDestroyed drops cached objects whose owner released them since the
// previous pass.
func (r *Runner) evictDestroyed() {
	for name, mo := range r.cache {
		if mo.Destroyed() {
			delete(r.cache, name)
			r.policies.RemoveObject(name)
		}
	}
}

// run evaluates c. graded holds the qualities already written in this pass;
// an object keeps the worst quality it received.
func (r *Runner) run(c *Check, graded map[string]model.Quality) []*model.QualityObject {
	r.executed.Add(1)
	r.metrics.executed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("check", c.Name)))

	if c.Policy == OnEachSeparately {
		var out []*model.QualityObject
		for _, name := range r.policies.Updated(c.Name) {
			mo, ok := r.cache[name]
			if !ok {
				continue
			}
			in := c.accepted(map[string]*model.MonitorObject{name: mo})
			if len(in) == 0 {
				continue
			}
			q := c.evaluate(in)[name]
			r.apply(c, mo, q, graded)
			qo := c.newQO(q, []string{name}, in)
			qo.MonitorObjectName = name
			out = append(out, qo)
		}
		return out
	}

	in := make(map[string]*model.MonitorObject)
	var missing []string
	for _, name := range r.policies.inputsOf(r.policies.actors[c.Name]) {
		if mo, ok := r.cache[name]; ok {
			in[name] = mo
		} else {
			missing = append(missing, name)
		}
	}
	names := slices.Sorted(maps.Keys(in))
	if len(in) == 0 {
		q := model.Null.WithReason(fmt.Sprintf("%s: %v", objects.ErrNotFound, missing))
		return []*model.QualityObject{c.newQO(q, missing, in)}
	}
	in = c.accepted(in)
	if len(in) == 0 {
		return nil
	}

	per := c.evaluate(in)
	qualities := make([]model.Quality, 0, len(per))
	var evaluated []string
	for _, name := range names {
		q, ok := per[name]
		if !ok {
			continue
		}
		evaluated = append(evaluated, name)
		qualities = append(qualities, q)
		r.apply(c, in[name], q, graded)
	}
	return []*model.QualityObject{c.newQO(model.Worst(qualities...), evaluated, in)}
}

// apply writes q into mo unless a worse quality was already written in this
// pass, then calls beautify with the quality the object carries.
func (r *Runner) apply(c *Check, mo *model.MonitorObject, q model.Quality, graded map[string]model.Quality) {
	prev, seen := graded[mo.Name()]
	if !seen || !prev.IsWorseThan(q) {
		mo.SetQuality(c.Name, q)
		graded[mo.Name()] = q
	}
	c.beautify(mo, q)
}

func (r *Runner) aggregate(a Aggregator) *model.QualityObject {
	var qs []model.Quality
	var names []string
	var activity model.Activity
	for _, in := range a.Inputs {
		qo, ok := r.latest[in]
		if !ok {
			continue
		}
		qs = append(qs, qo.Quality)
		names = append(names, qo.MonitorObjectNames...)
		activity = qo.Activity
	}
	if len(qs) == 0 {
		return nil
	}
	slices.Sort(names)
	qo := model.NewQualityObject(a.Name, a.Detector, string(OnAny), model.Worst(qs...), slices.Compact(names))
	qo.Activity = activity
	return qo
}

func (r *Runner) persist(ctx context.Context, mos []*model.MonitorObject, qos []*model.QualityObject) {
	if r.store == nil {
		return
	}
	now := time.Now().UnixMilli()
	for _, qo := range qos {
		if qo.ValidFrom == 0 {
			qo.ValidFrom = now
		}
		if err := r.store.StoreQO(ctx, qo); err != nil {
			r.logger.Error("check: store quality object failed", "path", qo.Path(), "error", err)
			continue
		}
		r.qoStored.Add(1)
		r.metrics.qoStored.Add(ctx, 1)
	}
	for _, mo := range mos {
		// mo belongs to the caller; every pass is its own version.
		snap := mo.Snapshot()
		snap.ValidFrom = now
		if err := r.store.StoreMO(ctx, snap); err != nil {
			r.logger.Error("check: store monitor object failed", "object", mo.Name(), "error", err)
			continue
		}
		r.moStored.Add(1)
		r.metrics.moStored.Add(ctx, 1)
	}
}

func (r *Runner) logRates() {
	elapsed := time.Since(r.windowStart)
	if elapsed < r.rateWindow {
		return
	}
	cur := [4]int64{r.received.Load(), r.executed.Load(), r.qoStored.Load(), r.moStored.Load()}
	secs := elapsed.Seconds()
	r.logger.Info("check: rates over window",
		"window", r.rateWindow.String(),
		"objects_received_per_s", float64(cur[0]-r.windowBase[0])/secs,
		"checks_executed_per_s", float64(cur[1]-r.windowBase[1])/secs,
		"qo_stored_per_s", float64(cur[2]-r.windowBase[2])/secs,
		"mo_stored_per_s", float64(cur[3]-r.windowBase[3])/secs,
	)
	r.windowBase = cur
	r.windowStart = time.Now()
}

// Latest returns the most recent quality object of a check or aggregator.
func (r *Runner) Latest(name string) (*model.QualityObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qo, ok := r.latest[name]
	return qo, ok
}

// Counters returns the number of received objects, executed checks and
// stored quality and monitor objects.
func (r *Runner) Counters() (received, executed, qoStored, moStored int64) {
	return r.received.Load(), r.executed.Load(), r.qoStored.Load(), r.moStored.Load()
}

// Consume subscribes the runner to data-out and the announcement channel of
// recv. Objects are buffered per task and processed as one batch when the
// task's announcement arrives.
func (r *Runner) Consume(ctx context.Context, recv transport.Receiver) (cancel func() error, err error) {
	var mu sync.Mutex
	pending := make(map[string][]*model.MonitorObject)

	cancelData, err := recv.Subscribe(transport.ChannelDataOut, func(msg transport.Message) {
		mo, err := model.DecodeMonitorObject(msg.Body)
		if err != nil {
			r.logger.Warn("check: dropping undecodable object", "object", msg.Headers[transport.HeaderObject], "error", err)
			return
		}
		mu.Lock()
		pending[mo.TaskName] = append(pending[mo.TaskName], mo)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	cancelInfo, err := recv.Subscribe(transport.ChannelInfoOut, func(msg transport.Message) {
		task, _, err := objects.ParseAnnouncement(string(msg.Body))
		if err != nil {
			r.logger.Warn("check: bad announcement", "error", err)
			return
		}
		mu.Lock()
		batch := pending[task]
		delete(pending, task)
		mu.Unlock()
		if len(batch) > 0 {
			r.Process(ctx, batch)
		}
	})
	if err != nil {
		_ = cancelData()
		return nil, err
	}
	return func() error {
		return errors.Join(cancelData(), cancelInfo())
	}, nil
}
