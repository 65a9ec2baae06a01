package sampling

import (
	"context"
	"sync"
	"time"
)

// Chan is an in-memory sampler fed by Push. Tests and embedding
// applications use it to drive a task engine directly.
type Chan struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewChan returns a sampler buffering up to size slices.
func NewChan(size int) *Chan {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Chan{ch: make(chan []byte, size)}
}

// Push queues data, blocking while the buffer is full.
func (c *Chan) Push(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued slices.
func (c *Chan) Pending() int { return len(c.ch) }

// GetSlice implements Sampler.
func (c *Chan) GetSlice(ctx context.Context, timeout time.Duration) (*Slice, error) {
	data, err := waitFor(ctx, c.ch, timeout)
	if err != nil {
		return nil, err
	}
	return NewSlice(data, "memory", nil), nil
}

// Close stops accepting pushes. Slices already queued are still served.
func (c *Chan) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
