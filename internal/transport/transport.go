// Package transport carries published objects and announcements between QC
// processes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Channel names used by the task engine.
const (
	ChannelDataOut = "data-out"
	ChannelInfoOut = "information-service-out"
)

// Header keys attached to data-out messages.
const (
	HeaderTask      = "Qc-Task"
	HeaderObject    = "Qc-Object"
	HeaderDetector  = "Qc-Detector"
	HeaderMessageID = "Qc-Message-Id"
)

var (
	// ErrTransient marks a send that failed but may succeed on a later cycle.
	ErrTransient = errors.New("transport: transient send failure")

	// ErrQueueFull is returned when the outbound queue has no room left.
	ErrQueueFull = fmt.Errorf("transport: queue full: %w", ErrTransient)

	// ErrClosed is returned by senders that were already closed.
	ErrClosed = errors.New("transport: closed")
)

// Message is one outbound unit. Cleanup, when set, is invoked exactly once
// after delivery or failure with the send result.
type Message struct {
	Channel string
	Headers map[string]string
	Body    []byte
	Cleanup func(err error)
}

// Done reports the outcome to the cleanup callback.
func (m Message) Done(err error) {
	if m.Cleanup != nil {
		m.Cleanup(err)
	}
}

// Sender delivers messages to a channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Handler consumes an inbound message. Body is only valid during the call.
type Handler func(msg Message)

// Receiver delivers inbound messages of a channel to a handler until the
// returned cancel function is called.
type Receiver interface {
	Subscribe(channel string, h Handler) (cancel func() error, err error)
}

// Memory is an in-process transport. Sent messages are delivered
// synchronously to subscribers of the channel and retained for inspection.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
	sent     []Message
	keep     bool
	fail     map[string]error
}

// NewMemory returns an in-process transport. When keep is true every sent
// message is retained and returned by Sent.
func NewMemory(keep bool) *Memory {
	return &Memory{
		handlers: make(map[string]map[int]Handler),
		keep:     keep,
		fail:     make(map[string]error),
	}
}

// FailChannel makes every send on channel fail with err. A nil err clears it.
func (m *Memory) FailChannel(channel string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, channel)
		return
	}
	m.fail[channel] = err
}

// Send implements Sender.
func (m *Memory) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		msg.Done(err)
		return err
	}
	m.mu.Lock()
	if err := m.fail[msg.Channel]; err != nil {
		m.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrTransient, err)
		msg.Done(err)
		return err
	}
	body := append([]byte(nil), msg.Body...)
	copied := Message{Channel: msg.Channel, Headers: maps.Clone(msg.Headers), Body: body}
	if m.keep {
		m.sent = append(m.sent, copied)
	}
	handlers := make([]Handler, 0, len(m.handlers[msg.Channel]))
	for _, h := range m.handlers[msg.Channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(copied)
	}
	msg.Done(nil)
	return nil
}

// Subscribe implements Receiver.
func (m *Memory) Subscribe(channel string, h Handler) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[channel] == nil {
		m.handlers[channel] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.handlers[channel][id] = h
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[channel], id)
		return nil
	}, nil
}

// Sent returns the retained messages, optionally filtered by channel.
func (m *Memory) Sent(channel string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.sent {
		if channel == "" || msg.Channel == channel {
			out = append(out, msg)
		}
	}
	return out
}

// Reset forgets retained messages.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
