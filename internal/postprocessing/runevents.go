package postprocessing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"
)

// RunEventType distinguishes run start from run stop.
type RunEventType string

// Run event types as they appear on the wire.
const (
	RunStarted RunEventType = "sor"
	RunStopped RunEventType = "eor"
)

// DefaultRunEventBuffer is the number of undelivered events kept per subscriber.
const DefaultRunEventBuffer = 16

// RunEvent announces the start or end of a run.
type RunEvent struct {
	Type RunEventType `json:"type"`
	Run  int          `json:"run"`
	// Timestamp in milliseconds; zero means "when received".
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RunEvents fans run events out to trigger functions. Slow subscribers lose
// events instead of blocking the publisher.
type RunEvents struct {
	mu   sync.Mutex
	subs []chan RunEvent
}

// NewRunEvents creates an empty hub.
func NewRunEvents() *RunEvents { return &RunEvents{} }

// Subscribe returns a channel receiving every event published from now on.
func (h *RunEvents) Subscribe(size int) <-chan RunEvent {
	ch := make(chan RunEvent, max(size, 1))
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Publish delivers e to every subscriber with room for it.
func (h *RunEvents) Publish(e RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// KafkaRunEvents feeds run events read from a Kafka topic into a hub.
type KafkaRunEvents struct {
	reader *kafka.Reader
	hub    *RunEvents
	logger *slog.Logger
}

// NewKafkaRunEvents creates a consumer for topic in group.
func NewKafkaRunEvents(brokers []string, topic, group string, hub *RunEvents, logger *slog.Logger) *KafkaRunEvents {
	return &KafkaRunEvents{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
		hub:    hub,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// skipped.
func (k *KafkaRunEvents) Run(ctx context.Context) error {
	k.logger.Info("postprocessing: run event consumer started", "topic", k.reader.Config().Topic)
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("postprocessing: read run event: %w", err)
		}
		e, err := decodeRunEvent(msg.Value)
		if err != nil {
			k.logger.Warn("postprocessing: dropping run event", "offset", msg.Offset, "error", err)
			continue
		}
		if e.Timestamp == 0 && !msg.Time.IsZero() {
			e.Timestamp = msg.Time.UnixMilli()
		}
		k.hub.Publish(e)
	}
}

// Close closes the underlying reader.
func (k *KafkaRunEvents) Close() error { return k.reader.Close() }

func decodeRunEvent(b []byte) (RunEvent, error) {
	var e RunEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return RunEvent{}, fmt.Errorf("decode: %w", err)
	}
	if e.Type != RunStarted && e.Type != RunStopped {
		return RunEvent{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Run <= 0 {
		return RunEvent{}, errors.New("missing run number")
	}
	return e, nil
}
