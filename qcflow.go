// Package qcflow is a quality control framework for detector data. Task
// engines feed sampled data to user modules and publish the objects they
// fill, checks grade the published objects, and post-processing tasks trend
// stored objects over time.
//
// An App runs any combination of those engines in one process. The cmd/qc-*
// binaries each run one of them; embedders pick theirs with options:
//
//	app, err := qcflow.New(ctx, "file:/etc/qc/tpc.yaml",
//		qcflow.WithTask("tpcClusters"),
//		qcflow.WithLocalChecks(),
//	)
//	if err != nil {
//		return err
//	}
//	defer app.Close()
//	return app.Run(ctx)
package qcflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/qcflow/internal/check"
	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/infoservice"
	"github.com/ashita-ai/qcflow/internal/postprocessing"
	"github.com/ashita-ai/qcflow/internal/ratelimit"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/sampling"
	"github.com/ashita-ai/qcflow/internal/task"
	"github.com/ashita-ai/qcflow/internal/telemetry"
	"github.com/ashita-ai/qcflow/internal/transport"

	// Built-in trending task and reductors.
	_ "github.com/ashita-ai/qcflow/internal/trending"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrNothingToRun is returned by New when no engine was selected.
var ErrNothingToRun = errors.New("qcflow: no engine selected")

// ErrFatalConfiguration marks errors that must abort the process. Errors
// returned by New and Run match it with errors.Is when they stem from the
// configuration rather than from the runtime.
var ErrFatalConfiguration = config.ErrFatalConfiguration

// App is the QC process lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	tree    *config.Tree
	logger  *slog.Logger
	version string

	otelShutdown telemetry.Shutdown
	repo         Repository
	ownsRepo     bool
	transport    Transport
	nats         *transport.NATS // nil unless New connected to NATS itself

	queue   *transport.Queue
	engine  *task.Engine
	sampler Sampler
	ownsSam bool
	checks  *check.Runner // local checks of the task engine
	checker *check.Runner // remote checker fed by the transport

	runners   []*postprocessing.Runner
	replay    []int64
	runEvents *postprocessing.KafkaRunEvents

	index   *infoservice.Index
	info    *infoservice.Server
	limiter *ratelimit.TokenBucket

	closeOnce sync.Once
}

// New builds the engines selected by opts from the configuration tree at
// configuration ("file:/path.json" or "file:/path.yaml"). It connects the
// transport and opens the repository, but starts no goroutine beyond those
// of the sampler. The configuration may be empty when only the information
// service runs.
func New(ctx context.Context, configuration string, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.task == "" && !o.checker && !o.allPost && len(o.postProcess) == 0 && !o.infoService {
		return nil, ErrNothingToRun
	}
	if o.localChecks && o.task == "" {
		return nil, fmt.Errorf("%w: local checks need a task", ErrFatalConfiguration)
	}
	if len(o.replay) == 1 {
		return nil, fmt.Errorf("%w: a replay needs at least 2 timestamps", ErrFatalConfiguration)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFatalConfiguration, err)
		}
	}
	if o.repositoryURL != "" {
		cfg.RepositoryURL = o.repositoryURL
	}
	if o.infoAddr != "" {
		cfg.InfoAddr = o.infoAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = task.DefaultRateWindow
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	needsTree := o.task != "" || o.checker || o.allPost || len(o.postProcess) > 0
	if needsTree || configuration != "" {
		tree, err := config.LoadTree(configuration)
		if err != nil {
			return nil, err
		}
		a.tree = tree
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := a.openTransport(o); err != nil {
		return nil, err
	}
	if o.checker || o.localChecks || o.allPost || len(o.postProcess) > 0 {
		if err := a.openRepository(ctx, o); err != nil {
			return nil, err
		}
	}

	if o.task != "" {
		if err := a.buildTask(ctx, o); err != nil {
			return nil, err
		}
	}
	if o.checker {
		checks, aggs, err := a.checkConfig()
		if err != nil {
			return nil, err
		}
		a.checker, err = check.FromConfig(checks, aggs, logger,
			check.WithStore(a.repo),
			check.WithRateWindow(cfg.RateWindow),
			check.WithName("checker"),
		)
		if err != nil {
			return nil, err
		}
	}
	if o.allPost || len(o.postProcess) > 0 {
		if err := a.buildPostProcessing(o); err != nil {
			return nil, err
		}
		a.replay = o.replay
	}
	if o.infoService {
		a.index = infoservice.NewIndex(logger)
		scfg := infoservice.Config{
			Addr:    cfg.InfoAddr,
			Index:   a.index,
			Logger:  logger,
			Version: version,
		}
		if cfg.InfoRateLimitRPS > 0 {
			a.limiter = ratelimit.NewTokenBucket(float64(cfg.InfoRateLimitRPS), cfg.InfoRateLimitBurst)
			scfg.Limiter = a.limiter
			logger.Info("infoservice: rate limiting", "rps", cfg.InfoRateLimitRPS, "burst", cfg.InfoRateLimitBurst)
		}
		a.info = infoservice.New(scfg)
	}

	logger.Info("qcflow: ready",
		"version", version,
		"task", o.task,
		"local_checks", o.localChecks,
		"checker", o.checker,
		"postprocessing", len(a.runners),
		"infoservice", o.infoService,
	)
	ok = true
	return a, nil
}

func (a *App) openTransport(o resolvedOptions) error {
	switch {
	case o.transport != nil:
		a.transport = o.transport
	case a.cfg.NATSURL != "":
		n, err := transport.Connect(a.cfg.NATSURL, a.cfg.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		a.transport, a.nats = n, n
		a.logger.Info("transport: nats", "url", a.cfg.NATSURL, "prefix", a.cfg.SubjectPrefix)
	default:
		a.transport = transport.NewMemory(false)
		a.logger.Info("transport: in-process (no QC_NATS_URL)")
	}
	return nil
}

func (a *App) openRepository(ctx context.Context, o resolvedOptions) error {
	if o.repository != nil {
		a.repo = o.repository
		return nil
	}
	repo, err := repository.Open(ctx, a.cfg.RepositoryURL, a.logger)
	if err != nil {
		if errors.Is(err, repository.ErrUnsupportedURL) {
			return fmt.Errorf("%w: %w", ErrFatalConfiguration, err)
		}
		return fmt.Errorf("repository: %w", err)
	}
	a.repo, a.ownsRepo = repo, true
	return nil
}

func (a *App) checkConfig() ([]config.CheckConfig, []config.AggregatorConfig, error) {
	checks, err := a.tree.Checks()
	if err != nil {
		return nil, nil, err
	}
	aggs, err := a.tree.Aggregators()
	if err != nil {
		return nil, nil, err
	}
	return checks, aggs, nil
}

func (a *App) buildTask(ctx context.Context, o resolvedOptions) error {
	tc, err := a.tree.Task(o.task)
	if err != nil {
		return err
	}
	module, err := task.NewModule(tc.ModuleName, tc.ClassName)
	if err != nil {
		return err
	}

	if o.sampler != nil {
		a.sampler = o.sampler
	} else {
		s, err := sampling.Open(ctx, a.tree.DataSampling(), sampling.Options{NATSURL: a.cfg.NATSURL, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("sampling: %w", err)
		}
		a.sampler, a.ownsSam = s, true
	}

	a.queue = transport.NewQueue(a.transport, a.logger, a.cfg.TransportQueueSize)
	engineOpts := []task.Option{task.WithLogger(a.logger)}
	if o.localChecks {
		checks, aggs, err := a.checkConfig()
		if err != nil {
			return err
		}
		a.checks, err = check.FromConfig(checks, aggs, a.logger,
			check.WithStore(a.repo),
			check.WithRateWindow(a.cfg.RateWindow),
			check.WithName(o.task),
		)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, task.WithObserver(a.checks))
	}

	tcfg := task.FromTaskConfig(tc)
	tcfg.SamplerTimeout = a.cfg.SamplerTimeout
	tcfg.RateWindow = a.cfg.RateWindow
	a.engine, err = task.New(tcfg, module, a.sampler, a.queue, engineOpts...)
	return err
}

func (a *App) buildPostProcessing(o resolvedOptions) error {
	names := o.postProcess
	if o.allPost {
		names = a.tree.PostProcessingNames()
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: no post-processing task configured", ErrFatalConfiguration)
	}

	ppOpts := []postprocessing.Option{
		postprocessing.WithLogger(a.logger),
		postprocessing.WithPeriod(a.cfg.PostProcessingPeriod),
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		hub := postprocessing.NewRunEvents()
		a.runEvents = postprocessing.NewKafkaRunEvents(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaGroupID, hub, a.logger)
		ppOpts = append(ppOpts, postprocessing.WithRunEvents(hub))
		a.logger.Info("run events: kafka", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	} else {
		a.logger.Info("run events: disabled (no QC_KAFKA_BROKERS)")
	}

	for _, name := range names {
		pc, err := a.tree.PostProcessing(name)
		if err != nil {
			return err
		}
		r, err := postprocessing.FromConfig(pc, a.repo, ppOpts...)
		if err != nil {
			return err
		}
		a.runners = append(a.runners, r)
	}
	return nil
}

// Engine returns the task engine, or nil when the App runs no task.
func (a *App) Engine() *task.Engine { return a.engine }

// Checker returns the remote check runner, or nil.
func (a *App) Checker() *check.Runner { return a.checker }

// Index returns the information service index, or nil.
func (a *App) Index() *infoservice.Index { return a.index }

// Run starts every engine and blocks until ctx is cancelled or an engine
// fails. Without a long-running service (checker or information service)
// Run also returns once the task and post-processing engines are done.
// Shutdown drains the outbound queue within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Subscriptions come first so nothing published by the task engine of
	// this process is missed.
	if a.checker != nil {
		stop, err := a.checker.Consume(gctx, a.transport)
		if err != nil {
			return fmt.Errorf("checker: %w", err)
		}
		defer func() { _ = stop() }()
	}
	if a.index != nil {
		stop, err := a.index.Consume(a.transport)
		if err != nil {
			return fmt.Errorf("infoservice: %w", err)
		}
		defer func() { _ = stop() }()
		g.Go(func() error {
			if err := a.info.Start(); err != nil {
				return fmt.Errorf("infoservice: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer shutCancel()
			if err := a.info.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("infoservice: shutdown error", "error", err)
			}
			return nil
		})
	}
	if a.runEvents != nil {
		g.Go(func() error {
			if err := a.runEvents.Run(gctx); err != nil && gctx.Err() == nil {
				a.logger.Warn("run events: consumer stopped", "error", err)
			}
			return nil
		})
	}

	var finite sync.WaitGroup
	if a.engine != nil {
		a.queue.Start(context.WithoutCancel(ctx))
		finite.Add(1)
		g.Go(func() error {
			defer finite.Done()
			if err := a.engine.Run(gctx, a.tree.Activity()); err != nil {
				return fmt.Errorf("task: %w", err)
			}
			return nil
		})
	}
	for _, r := range a.runners {
		finite.Add(1)
		g.Go(func() error {
			defer finite.Done()
			run := r.Run
			if len(a.replay) > 0 {
				run = func(ctx context.Context) error { return r.RunOverTimestamps(ctx, a.replay) }
			}
			if err := run(gctx); err != nil {
				return fmt.Errorf("postprocessing %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	if a.checker == nil && a.index == nil {
		g.Go(func() error {
			finite.Wait()
			cancel()
			return nil
		})
	}

	err := g.Wait()

	if a.queue != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		a.queue.Drain(drainCtx)
		drainCancel()
	}
	a.logger.Info("qcflow: stopped")
	return err
}

// Close releases the sampler, transport, repository and telemetry opened by
// New. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.runEvents != nil {
			errs = append(errs, a.runEvents.Close())
		}
		if a.limiter != nil {
			errs = append(errs, a.limiter.Close())
		}
		if a.sampler != nil && a.ownsSam {
			errs = append(errs, a.sampler.Close())
		}
		if a.nats != nil {
			a.nats.Close()
		}
		if a.repo != nil && a.ownsRepo {
			errs = append(errs, a.repo.Close())
		}
		if a.otelShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.otelShutdown(ctx))
			cancel()
		}
	})
	return errors.Join(errs...)
}
