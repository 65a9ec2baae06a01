package sampling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS serves messages of one subject as slices. Messages arriving while
// the buffer is full are dropped by the client as a slow consumer.
type NATS struct {
	conn    *nats.Conn
	owned   bool
	sub     *nats.Subscription
	msgs    chan *nats.Msg
	subject string
}

// DialNATS connects to url and subscribes to subject.
func DialNATS(url, subject string, size int, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("qcflow-sampler"),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			logger.Warn("sampling: nats async error", "subject", subj, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sampling: connect %s: %w", url, err)
	}
	n, err := NewNATS(conn, subject, size)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.owned = true
	return n, nil
}

// NewNATS subscribes to subject on an existing connection.
func NewNATS(conn *nats.Conn, subject string, size int) (*NATS, error) {
	if size <= 0 {
		size = DefaultQueueSize
	}
	msgs := make(chan *nats.Msg, size)
	sub, err := conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("sampling: subscribe %s: %w", subject, err)
	}
	return &NATS{conn: conn, sub: sub, msgs: msgs, subject: subject}, nil
}

// GetSlice implements Sampler.
func (n *NATS) GetSlice(ctx context.Context, timeout time.Duration) (*Slice, error) {
	if !n.sub.IsValid() && len(n.msgs) == 0 {
		return nil, ErrClosed
	}
	m, err := waitFor(ctx, n.msgs, timeout)
	if err != nil {
		return nil, err
	}
	return NewSlice(m.Data, m.Subject, nil), nil
}

// Close unsubscribes and, when the connection was dialled here, closes it.
func (n *NATS) Close() error {
	err := n.sub.Unsubscribe()
	if n.owned {
		n.conn.Close()
	}
	return err
}
