package qcflow

import (
	"log/slog"

	"github.com/ashita-ai/qcflow/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	config        *config.Config
	logger        *slog.Logger
	version       string
	repository    Repository
	repositoryURL string
	transport     Transport
	sampler       Sampler
	task          string
	localChecks   bool
	checker       bool
	postProcess   []string
	allPost       bool
	replay        []int64
	infoService   bool
	infoAddr      string
}

// WithConfig replaces the process configuration otherwise read from the
// environment by New.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.config = &cfg }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by the information service
// and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRepository replaces the repository opened from QC_REPOSITORY_URL.
// The App does not close a repository passed this way.
func WithRepository(r Repository) Option {
	return func(o *resolvedOptions) { o.repository = r }
}

// WithRepositoryURL overrides the repository location from config
// (QC_REPOSITORY_URL env var).
func WithRepositoryURL(url string) Option {
	return func(o *resolvedOptions) { o.repositoryURL = url }
}

// WithTransport replaces the transport selected from QC_NATS_URL.
func WithTransport(t Transport) Option {
	return func(o *resolvedOptions) { o.transport = t }
}

// WithSampler replaces the sampler selected by qc.data_sampling. It only
// matters together with WithTask.
func WithSampler(s Sampler) Option {
	return func(o *resolvedOptions) { o.sampler = s }
}

// WithTask runs the named task from the configuration tree.
func WithTask(name string) Option {
	return func(o *resolvedOptions) { o.task = name }
}

// WithLocalChecks runs the configured checks inside the task engine, on the
// objects of every cycle before they are published. It requires WithTask.
func WithLocalChecks() Option {
	return func(o *resolvedOptions) { o.localChecks = true }
}

// WithChecker runs the configured checks and aggregators on the objects
// received from the transport.
func WithChecker() Option {
	return func(o *resolvedOptions) { o.checker = true }
}

// WithPostProcessing runs the named post-processing tasks. Without names
// every task of the configuration tree runs.
func WithPostProcessing(names ...string) Option {
	return func(o *resolvedOptions) {
		if len(names) == 0 {
			o.allPost = true
		}
		o.postProcess = append(o.postProcess, names...)
	}
}

// WithInfoService consumes object announcements and serves them over HTTP
// on addr. An empty addr uses QC_INFO_ADDR.
func WithInfoService(addr string) Option {
	return func(o *resolvedOptions) {
		o.infoService = true
		o.infoAddr = addr
	}
}

// WithReplay makes the post-processing tasks replay the given timestamps
// (milliseconds) instead of waiting for their triggers: initialize at the
// first, update at each intermediate one and finalize at the last.
func WithReplay(timestamps ...int64) Option {
	return func(o *resolvedOptions) { o.replay = append(o.replay, timestamps...) }
}
