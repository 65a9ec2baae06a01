package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/qcflow/internal/telemetry"
)

// DefaultQueueSize bounds the outbound queue when no size is configured.
const DefaultQueueSize = 1024

// Queue decouples callers from a slow Sender. Send never blocks: it enqueues
// the message or fails with ErrQueueFull. A single worker forwards messages
// in FIFO order, so per-channel ordering of the caller is preserved.
type Queue struct {
	next   Sender
	logger *slog.Logger
	queue  chan Message

	sentCount    atomic.Int64
	failedCount  atomic.Int64
	droppedCount atomic.Int64

	startOnce  sync.Once
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the sendLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
	drainMu    sync.Mutex

	closeMu sync.RWMutex
	closed  bool
}

// NewQueue wraps next with a bounded queue of the given size.
func NewQueue(next Sender, logger *slog.Logger, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		next:   next,
		logger: logger,
		queue:  make(chan Message, size),
		done:   make(chan struct{}),
	}
}

// Start begins the background send loop and registers OTEL metrics. Call
// Drain to stop.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.registerMetrics()
		loopCtx, cancel := context.WithCancel(ctx)
		q.cancelLoop = cancel
		go q.sendLoop(loopCtx)
	})
}

// Send enqueues msg. When the queue is full the message is dropped, its
// cleanup runs with ErrQueueFull and the same error is returned. After
// Drain every send fails with ErrClosed.
func (q *Queue) Send(_ context.Context, msg Message) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		q.droppedCount.Add(1)
		msg.Done(ErrClosed)
		return ErrClosed
	}
	select {
	case q.queue <- msg:
		return nil
	default:
		q.droppedCount.Add(1)
		msg.Done(ErrQueueFull)
		return ErrQueueFull
	}
}

// Depth returns the number of queued messages.
func (q *Queue) Depth() int { return len(q.queue) }

// Stats returns the number of forwarded, failed and dropped messages.
func (q *Queue) Stats() (sent, failed, dropped int64) {
	return q.sentCount.Load(), q.failedCount.Load(), q.droppedCount.Load()
}

func (q *Queue) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.drainMu.Lock()
			drainCtx := q.drainCtx
			q.drainMu.Unlock()
			if drainCtx != nil {
				q.flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				q.flush(fallbackCtx)
				cancel()
			}
			close(q.done)
			return
		case msg := <-q.queue:
			q.forward(ctx, msg)
		}
	}
}

// flush forwards whatever is still queued, stopping early if ctx expires.
// Messages left behind get their cleanup invoked with the context error.
func (q *Queue) flush(ctx context.Context) {
	for {
		select {
		case msg := <-q.queue:
			if err := ctx.Err(); err != nil {
				q.droppedCount.Add(1)
				msg.Done(err)
				continue
			}
			q.forward(ctx, msg)
		default:
			return
		}
	}
}

func (q *Queue) forward(ctx context.Context, msg Message) {
	if err := q.next.Send(ctx, msg); err != nil {
		q.failedCount.Add(1)
		q.logger.Warn("transport: send failed", "channel", msg.Channel, "error", err)
		return
	}
	q.sentCount.Add(1)
}

// Drain stops the send loop after it forwarded the remaining messages. ctx
// bounds both the wait and the final flush.
func (q *Queue) Drain(ctx context.Context) {
	q.closeMu.Lock()
	q.closed = true
	q.closeMu.Unlock()

	q.drainMu.Lock()
	q.drainCtx = ctx
	q.drainMu.Unlock()
	if q.cancelLoop == nil {
		q.flush(ctx)
		return
	}
	q.cancelLoop()
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("transport: drain timed out waiting for send loop")
	}
}

func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("qcflow/transport")

	_, _ = meter.Int64ObservableGauge("qc_transport_queue_depth",
		metric.WithDescription("Messages waiting in the outbound queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Depth()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("qc_transport_dropped_total",
		metric.WithDescription("Messages dropped because the outbound queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.droppedCount.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("qc_transport_failed_total",
		metric.WithDescription("Messages the underlying sender rejected"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.failedCount.Load())
			return nil
		}),
	)
}
