package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATS publishes channels as subjects "<prefix>.<channel>".
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url and returns a NATS transport. The connection is owned by
// the transport and closed by Close.
func Connect(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("qcflow"))
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", url, err)
	}
	return NewNATS(conn, prefix), nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn *nats.Conn, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix}
}

// Subject maps a channel name to its NATS subject.
func (n *NATS) Subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

// Send implements Sender. Each message carries a fresh message id header.
func (n *NATS) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		msg.Done(err)
		return err
	}
	if n.conn.IsClosed() {
		msg.Done(ErrClosed)
		return ErrClosed
	}
	out := nats.NewMsg(n.Subject(msg.Channel))
	out.Data = msg.Body
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	out.Header.Set(HeaderMessageID, uuid.NewString())
	if err := n.conn.PublishMsg(out); err != nil {
		err = fmt.Errorf("%w: publish %s: %w", ErrTransient, out.Subject, err)
		msg.Done(err)
		return err
	}
	msg.Done(nil)
	return nil
}

// Subscribe implements Receiver.
func (n *NATS) Subscribe(channel string, h Handler) (func() error, error) {
	sub, err := n.conn.Subscribe(n.Subject(channel), func(m *nats.Msg) {
		headers := make(map[string]string, len(m.Header))
		for k := range m.Header {
			headers[canonicalHeader(k)] = m.Header.Get(k)
		}
		h(Message{Channel: channel, Headers: headers, Body: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", channel, err)
	}
	return sub.Unsubscribe, nil
}

// Flush waits until the server processed everything published so far.
func (n *NATS) Flush(ctx context.Context) error {
	return n.conn.FlushWithContext(ctx)
}

// Close drains pending subscriptions and closes the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
		n.conn.Close()
	}
}

// canonicalHeader restores the dash-separated title case used by the header
// constants; NATS keeps keys as sent but proxies may lowercase them.
func canonicalHeader(k string) string {
	parts := strings.Split(strings.ToLower(k), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
