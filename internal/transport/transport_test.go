package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/testutil"
)

func TestMemoryDeliversAndCleansUp(t *testing.T) {
	m := NewMemory(true)
	var got []string
	cancel, err := m.Subscribe(ChannelDataOut, func(msg Message) {
		got = append(got, string(msg.Body))
	})
	require.NoError(t, err)

	var cleaned []error
	msg := Message{Channel: ChannelDataOut, Body: []byte("h"), Cleanup: func(err error) { cleaned = append(cleaned, err) }}
	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, []string{"h"}, got)
	assert.Equal(t, []error{nil}, cleaned)

	require.NoError(t, cancel())
	require.NoError(t, m.Send(context.Background(), Message{Channel: ChannelDataOut, Body: []byte("g")}))
	assert.Len(t, got, 1)
	assert.Len(t, m.Sent(ChannelDataOut), 2)
	assert.Empty(t, m.Sent(ChannelInfoOut))
}

func TestMemoryFailureIsTransient(t *testing.T) {
	m := NewMemory(true)
	m.FailChannel(ChannelDataOut, errors.New("link down"))

	var cleanupErr error
	err := m.Send(context.Background(), Message{Channel: ChannelDataOut, Cleanup: func(err error) { cleanupErr = err }})
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, cleanupErr, ErrTransient)
	assert.Empty(t, m.Sent(""))

	m.FailChannel(ChannelDataOut, nil)
	assert.NoError(t, m.Send(context.Background(), Message{Channel: ChannelDataOut}))
}

func TestQueuePreservesOrder(t *testing.T) {
	m := NewMemory(true)
	q := NewQueue(m, testutil.TestLogger(), 64)
	q.Start(context.Background())

	for i := range 20 {
		require.NoError(t, q.Send(context.Background(), Message{Channel: ChannelDataOut, Body: fmt.Appendf(nil, "%d", i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Drain(ctx)

	sent := m.Sent(ChannelDataOut)
	require.Len(t, sent, 20)
	for i, msg := range sent {
		assert.Equal(t, fmt.Sprint(i), string(msg.Body))
	}
	s, f, d := q.Stats()
	assert.Equal(t, int64(20), s)
	assert.Zero(t, f)
	assert.Zero(t, d)
}

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingSender) Send(ctx context.Context, msg Message) error {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	msg.Done(nil)
	return nil
}

func TestQueueFullDropsWithCleanup(t *testing.T) {
	bs := &blockingSender{release: make(chan struct{})}
	q := NewQueue(bs, testutil.TestLogger(), 1)

	// Without Start nothing is consumed, so the second send overflows.
	require.NoError(t, q.Send(context.Background(), Message{Channel: ChannelDataOut}))
	var cleanupErr error
	err := q.Send(context.Background(), Message{Channel: ChannelDataOut, Cleanup: func(err error) { cleanupErr = err }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, cleanupErr, ErrQueueFull)
	assert.Equal(t, 1, q.Depth())

	close(bs.release)
	q.Drain(context.Background())
	assert.Equal(t, 1, bs.n)
	_, _, dropped := q.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestSendAfterDrainIsClosed(t *testing.T) {
	m := NewMemory(true)
	q := NewQueue(m, testutil.TestLogger(), 4)
	q.Start(context.Background())
	require.NoError(t, q.Send(context.Background(), Message{Channel: ChannelDataOut}))
	q.Drain(context.Background())

	cleanups := 0
	var cleanupErr error
	err := q.Send(context.Background(), Message{Channel: ChannelDataOut, Cleanup: func(err error) {
		cleanups++
		cleanupErr = err
	}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, cleanupErr, ErrClosed)
	assert.Equal(t, 1, cleanups)
	assert.Zero(t, q.Depth())
	assert.Len(t, m.Sent(ChannelDataOut), 1)
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "qc.data-out", NewNATS(nil, "qc").Subject(ChannelDataOut))
	assert.Equal(t, "data-out", NewNATS(nil, "").Subject(ChannelDataOut))
	assert.Equal(t, HeaderMessageID, canonicalHeader("qc-message-id"))
}
