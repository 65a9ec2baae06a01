// Package sampling serves borrowed data slices to the task engine.
//
// A Sampler is pulled by exactly one engine. GetSlice is the only blocking
// call of the engine's cycle loop; it returns ErrNoData when nothing arrived
// within the timeout. The returned Slice is owned by the caller until
// Release, after which its bytes must not be referenced.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/qcflow/internal/config"
)

var (
	// ErrNoData is returned when no slice arrived within the timeout.
	ErrNoData = errors.New("sampling: no data available")

	// ErrClosed is returned once the sampler was closed and drained.
	ErrClosed = errors.New("sampling: sampler closed")
)

// Implementation names accepted by Open.
const (
	ImplMemory    = "memory"
	ImplDirectory = "directory"
	ImplNATS      = "nats"
	ImplGenerator = "generator"
)

// DefaultQueueSize is the number of slices buffered by the built-in samplers.
const DefaultQueueSize = 64

// Sampler hands out data slices.
type Sampler interface {
	GetSlice(ctx context.Context, timeout time.Duration) (*Slice, error)
	Close() error
}

// Slice is one borrowed unit of sampled data.
type Slice struct {
	// Data is valid until Release.
	Data []byte
	// Source identifies where the slice came from (file name, subject...).
	Source string

	once     sync.Once
	release  func()
	released bool
}

// NewSlice wraps data. release, when not nil, runs once on Release.
func NewSlice(data []byte, source string, release func()) *Slice {
	return &Slice{Data: data, Source: source, release: release}
}

// Release returns the slice to its producer and invalidates Data.
func (s *Slice) Release() {
	s.once.Do(func() {
		s.Data = nil
		s.released = true
		if s.release != nil {
			s.release()
		}
	})
}

// Released reports whether Release was called.
func (s *Slice) Released() bool { return s.released }

// Options carries process-level settings not present in the tree.
type Options struct {
	NATSURL string
	Logger  *slog.Logger
}

// Open builds the sampler selected by cfg.Implementation. An empty
// implementation selects the in-memory sampler.
func Open(ctx context.Context, cfg config.DataSamplingConfig, opts Options) (Sampler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	switch cfg.Implementation {
	case "", ImplMemory:
		return NewChan(size), nil
	case ImplDirectory:
		return NewDirectory(ctx, cfg.Directory, size, logger)
	case ImplNATS:
		if opts.NATSURL == "" {
			return nil, fmt.Errorf("%w: nats sampler requires QC_NATS_URL", config.ErrFatalConfiguration)
		}
		if cfg.Subject == "" {
			return nil, fmt.Errorf("%w: qc.data_sampling.subject is required", config.ErrFatalConfiguration)
		}
		return DialNATS(opts.NATSURL, cfg.Subject, size, logger)
	case ImplGenerator:
		period := time.Duration(cfg.PeriodMS) * time.Millisecond
		return NewGenerator(ctx, cfg.SliceSize, period, size), nil
	default:
		return nil, fmt.Errorf("%w: unknown data sampling implementation %q", config.ErrFatalConfiguration, cfg.Implementation)
	}
}

// waitFor receives one value from ch, bounded by timeout and ctx.
func waitFor[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-timer.C:
		return zero, ErrNoData
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
