package sampling

import (
	"context"
	"math/rand/v2"
	"time"
)

// Generator produces random slices at a fixed period. It stands in for a
// readout source when running tasks without detector data.
type Generator struct {
	ch     chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGenerator emits one slice of sliceSize random bytes every period.
// Defaults: 1024 bytes every 10ms.
func NewGenerator(ctx context.Context, sliceSize int, period time.Duration, size int) *Generator {
	if sliceSize <= 0 {
		sliceSize = 1024
	}
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g := &Generator{ch: make(chan []byte, size), cancel: cancel, done: make(chan struct{})}
	go g.loop(loopCtx, sliceSize, period)
	return g
}

func (g *Generator) loop(ctx context.Context, sliceSize int, period time.Duration) {
	defer close(g.done)
	defer close(g.ch)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf := make([]byte, sliceSize)
			for i := range buf {
				buf[i] = byte(rand.IntN(256))
			}
			select {
			case g.ch <- buf:
			default:
				// Consumer is behind; the generator drops rather than queues.
			}
		}
	}
}

// GetSlice implements Sampler.
func (g *Generator) GetSlice(ctx context.Context, timeout time.Duration) (*Slice, error) {
	data, err := waitFor(ctx, g.ch, timeout)
	if err != nil {
		return nil, err
	}
	return NewSlice(data, "generator", nil), nil
}

// Close stops the generator.
func (g *Generator) Close() error {
	g.cancel()
	<-g.done
	return nil
}
