package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
)

// recorder is a Handler that forwards everything to channels.
type recorder struct {
	datagrams chan string
	presence  chan bool
	conn      chan bool
}

func newRecorder() *recorder {
	return &recorder{
		datagrams: make(chan string, 16),
		presence:  make(chan bool, 16),
		conn:      make(chan bool, 16),
	}
}

func (r *recorder) HandleDatagram(_ ids.ID, data []byte) { r.datagrams <- string(data) }
func (r *recorder) HandlePresence(_ ids.ID, online bool)  { r.presence <- online }
func (r *recorder) HandleConnection(connected bool)       { r.conn <- connected }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestMemoryNetworkDatagramsAndPresence(t *testing.T) {
	ctx := context.Background()
	n := NewMemoryNetwork()
	alice, bob := ids.ID{1}, ids.ID{2}

	ra := newRecorder()
	epA, err := n.Join(ctx, alice, ra)
	require.NoError(t, err)
	assert.True(t, recv(t, ra.conn))

	require.NoError(t, epA.Watch([]ids.ID{bob}))

	rb := newRecorder()
	epB, err := n.Join(ctx, bob, rb)
	require.NoError(t, err)
	assert.True(t, recv(t, rb.conn))
	assert.True(t, recv(t, ra.presence), "alice sees bob online")

	require.NoError(t, epB.SendTo(ctx, alice, []byte("hi")))
	assert.Equal(t, "hi", recv(t, ra.datagrams))

	n.Drop(bob)
	assert.False(t, recv(t, rb.conn))
	assert.False(t, recv(t, ra.presence), "alice sees bob offline")
	assert.ErrorIs(t, epB.SendTo(ctx, alice, []byte("late")), ErrClosed)

	// Datagrams to offline peers vanish without error.
	require.NoError(t, epA.SendTo(ctx, bob, []byte("lost")))
}

func TestMemoryNetworkWatchReportsOnlinePeers(t *testing.T) {
	ctx := context.Background()
	n := NewMemoryNetwork()
	alice, bob := ids.ID{1}, ids.ID{2}

	_, err := n.Join(ctx, bob, newRecorder())
	require.NoError(t, err)

	ra := newRecorder()
	epA, err := n.Join(ctx, alice, ra)
	require.NoError(t, err)
	recv(t, ra.conn)

	require.NoError(t, epA.Watch([]ids.ID{bob}))
	assert.True(t, recv(t, ra.presence))
}
