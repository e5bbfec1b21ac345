package mux

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/protocol"
)

// recorder records every event a stream handler receives.
type recorder struct {
	mu     sync.Mutex
	states []StreamState
	events []string
	data   [][]byte
	accept func(cookie string) bool
}

func newRecorder() *recorder { return &recorder{} }

func (p *recorder) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recorder) handler() HandlerFuncs {
	return HandlerFuncs{
		StateChanged: func(_ *Stream, st StreamState) {
			p.mu.Lock()
			p.states = append(p.states, st)
			p.mu.Unlock()
			p.record("state:" + st.String())
		},
		StreamData: func(_ *Stream, data []byte) {
			p.mu.Lock()
			p.data = append(p.data, append([]byte(nil), data...))
			p.mu.Unlock()
		},
		ChannelOpen: func(_ *Stream, _ uint16, cookie string) bool {
			if p.accept != nil {
				return p.accept(cookie)
			}
			return true
		},
		ChannelOpened: func(_ *Stream, ch uint16) { p.record(fmt.Sprintf("opened:%d", ch)) },
		ChannelClose: func(_ *Stream, ch uint16, reason CloseReason) {
			p.record(fmt.Sprintf("close:%d:%s", ch, reason))
		},
		ChannelData: func(_ *Stream, ch uint16, data []byte) bool {
			p.record(fmt.Sprintf("data:%d:%d", ch, len(data)))
			return true
		},
		ChannelPend:   func(_ *Stream, ch uint16) { p.record(fmt.Sprintf("pending:%d", ch)) },
		ChannelResume: func(_ *Stream, ch uint16) { p.record(fmt.Sprintf("resume:%d", ch)) },
	}
}

func (p *recorder) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recorder) lastState() StreamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return 0
	}
	return p.states[len(p.states)-1]
}

func (p *recorder) waitEvent(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(p.snapshot(), want)
	}, 3*time.Second, 5*time.Millisecond, "event %q never arrived (have %v)", want, p.snapshot())
}

type pair struct {
	ma, mb *Mux
	sa, sb *Stream
	pa, pb *recorder
	la, lb *link.MemoryLink
}

// connectedPair builds two muxes with one stream each over an in-process link.
func connectedPair(t *testing.T, opts Options, jitter time.Duration) *pair {
	t.Helper()
	p := &pair{pa: newRecorder(), pb: newRecorder()}
	p.la, p.lb = link.NewMemoryPair(link.MemoryOptions{Jitter: jitter})
	p.ma, p.mb = New(Config{}), New(Config{})

	var err error
	p.sa, err = p.ma.AddStream(StreamTypeApplication, opts, p.pa.handler())
	require.NoError(t, err)
	p.sb, err = p.mb.AddStream(StreamTypeApplication, opts, p.pb.handler())
	require.NoError(t, err)

	p.ma.Transition(StateConnecting)
	p.mb.Transition(StateConnecting)
	require.NoError(t, p.ma.Attach(p.la, true, Hooks{}))
	require.NoError(t, p.mb.Attach(p.lb, false, Hooks{}))

	for _, s := range []*Stream{p.sa, p.sb} {
		require.Eventually(t, func() bool { return s.State() == StateConnected },
			2*time.Second, 5*time.Millisecond)
	}

	t.Cleanup(func() {
		p.ma.Close(CloseLocal)
		p.mb.Close(CloseLocal)
	})
	return p
}

func TestAddStreamReportsInitializedOnce(t *testing.T) {
	m := New(Config{})
	for typ := StreamTypeAudio; typ <= StreamTypeMessage; typ++ {
		for opts := Options(0); opts <= optionMask; opts++ {
			if opts&^optionMask != 0 {
				continue
			}
			p := newRecorder()
			s, err := m.AddStream(typ, opts, p.handler())
			require.NoError(t, err, "%s/%s", typ, opts)
			assert.Equal(t, []StreamState{StateInitialized}, p.states, "%s/%s", typ, opts)
			if opts.Has(OptionPortForwarding) {
				assert.True(t, s.Options().Has(OptionMultiplexing), "port forwarding promotes multiplexing")
			}
		}
	}

	_, err := m.AddStream(StreamTypeMessage+1, 0, nil)
	assert.ErrorIs(t, err, errcode.ErrInvalidArgs)
	_, err = m.AddStream(StreamTypeText, 0x01, nil)
	assert.ErrorIs(t, err, errcode.ErrInvalidArgs)
}

func TestStreamIDsIncrease(t *testing.T) {
	m := New(Config{})
	a, err := m.AddStream(StreamTypeText, 0, nil)
	require.NoError(t, err)
	b, err := m.AddStream(StreamTypeText, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), a.ID())
	assert.Equal(t, uint16(2), b.ID())
	assert.Len(t, m.Streams(), 2)
}

func TestWriteBeforeConnectedIsRejected(t *testing.T) {
	m := New(Config{})
	p := newRecorder()
	s, err := m.AddStream(StreamTypeText, OptionReliable, p.handler())
	require.NoError(t, err)

	m.Transition(StateTransportReady)
	_, err = s.WriteData([]byte("early"))
	assert.ErrorIs(t, err, errcode.ErrWrongState)

	m.Transition(StateConnecting)
	_, err = s.WriteData([]byte("early"))
	assert.ErrorIs(t, err, errcode.ErrWrongState)

	assert.Equal(t, []StreamState{StateInitialized, StateTransportReady, StateConnecting}, p.states)
}

func TestConnectedFollowsConnecting(t *testing.T) {
	p := connectedPair(t, OptionReliable, 0)
	want := []StreamState{StateInitialized, StateTransportReady, StateConnecting, StateConnected}
	p.pa.mu.Lock()
	assert.Equal(t, want, p.pa.states)
	p.pa.mu.Unlock()
}

func TestReliableStreamPreservesOrder(t *testing.T) {
	p := connectedPair(t, OptionReliable, 3*time.Millisecond)

	const count = 200
	for i := range count {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(i))
		n, err := p.sa.WriteData(buf)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}

	require.Eventually(t, func() bool {
		p.pb.mu.Lock()
		defer p.pb.mu.Unlock()
		return len(p.pb.data) == count
	}, 5*time.Second, 10*time.Millisecond)

	p.pb.mu.Lock()
	defer p.pb.mu.Unlock()
	for i, d := range p.pb.data {
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(d), "frame %d out of order", i)
	}
}

func TestLargeWriteIsChunked(t *testing.T) {
	p := connectedPair(t, OptionReliable, 0)

	payload := make([]byte, 3*ChunkSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := p.sa.WriteData(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.Eventually(t, func() bool {
		p.pb.mu.Lock()
		defer p.pb.mu.Unlock()
		return len(p.pb.data) == 4
	}, 2*time.Second, 5*time.Millisecond)

	p.pb.mu.Lock()
	defer p.pb.mu.Unlock()
	assert.Equal(t, payload, slices.Concat(p.pb.data...))
}

func TestWriteDataOnMultiplexedStream(t *testing.T) {
	p := connectedPair(t, OptionMultiplexing, 0)
	_, err := p.sa.WriteData([]byte("x"))
	assert.ErrorIs(t, err, errcode.ErrWrongState)

	_, err = connectedPair(t, 0, 0).sa.OpenChannel("x")
	assert.ErrorIs(t, err, errcode.ErrWrongState, "plain streams have no channels")
}

func TestChannelOpenAcceptAndReject(t *testing.T) {
	p := connectedPair(t, OptionReliable|OptionMultiplexing, 0)
	p.pb.accept = func(cookie string) bool { return cookie == "ok" }

	refused, err := p.sa.OpenChannel("nope")
	require.NoError(t, err)
	p.pa.waitEvent(t, fmt.Sprintf("close:%d:rejected", refused))

	id, err := p.sa.OpenChannel("ok")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id%2, "initiator allocates odd ids")
	p.pa.waitEvent(t, fmt.Sprintf("opened:%d", id))
	p.pb.waitEvent(t, fmt.Sprintf("opened:%d", id))

	n, err := p.sa.WriteChannel(id, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	p.pb.waitEvent(t, fmt.Sprintf("data:%d:5", id))

	back, err := p.sb.OpenChannel("ok")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), back%2, "responder allocates even ids")

	require.NoError(t, p.sa.CloseChannel(id, CloseLocal))
	p.pb.waitEvent(t, fmt.Sprintf("close:%d:remote-close", id))
	assert.ErrorIs(t, p.sa.CloseChannel(id, CloseLocal), errcode.ErrNotExist)

	_, err = p.sa.WriteChannel(id, []byte("late"))
	assert.ErrorIs(t, err, errcode.ErrNotExist)
}

func TestChannelWriteBeforeOpenAck(t *testing.T) {
	p := connectedPair(t, OptionReliable|OptionMultiplexing, 0)
	p.lb.Pause()

	id, err := p.sb.OpenChannel("slow")
	require.NoError(t, err)
	_, err = p.sb.WriteChannel(id, []byte("x"))
	assert.ErrorIs(t, err, errcode.ErrWrongState)

	p.lb.Resume()
	p.pb.waitEvent(t, fmt.Sprintf("opened:%d", id))
}

func TestChannelPendingThenResume(t *testing.T) {
	p := connectedPair(t, OptionReliable|OptionMultiplexing, 0)

	id, err := p.sa.OpenChannel("bulk")
	require.NoError(t, err)
	p.pa.waitEvent(t, fmt.Sprintf("opened:%d", id))

	p.la.Pause()
	chunk := make([]byte, ChunkSize)
	var werr error
	for range 64 {
		if _, werr = p.sa.WriteChannel(id, chunk); werr != nil {
			break
		}
	}
	require.ErrorIs(t, werr, errcode.ErrWouldBlock)
	assert.True(t, errcode.Transient(werr))

	pending := fmt.Sprintf("pending:%d", id)
	resume := fmt.Sprintf("resume:%d", id)
	assert.Contains(t, p.pa.snapshot(), pending)

	ch, ok := p.sa.Channel(id)
	require.True(t, ok)
	assert.Equal(t, ChannelPaused, ch.State())

	_, err = p.sa.WriteChannel(id, chunk)
	assert.ErrorIs(t, err, errcode.ErrWouldBlock, "no write succeeds while paused")

	p.la.Resume()
	p.pa.waitEvent(t, resume)

	events := p.pa.snapshot()
	assert.Less(t, slices.Index(events, pending), slices.Index(events, resume))

	_, err = p.sa.WriteChannel(id, []byte("after"))
	assert.NoError(t, err)
}

func TestRemoveStreamClosesSynchronously(t *testing.T) {
	p := connectedPair(t, OptionReliable|OptionMultiplexing, 0)

	id, err := p.sa.OpenChannel("c")
	require.NoError(t, err)
	p.pb.waitEvent(t, fmt.Sprintf("opened:%d", id))

	require.NoError(t, p.ma.RemoveStream(p.sa))
	assert.Equal(t, StateClosed, p.pa.lastState())
	assert.Contains(t, p.pa.snapshot(), fmt.Sprintf("close:%d:local-close", id))

	assert.ErrorIs(t, p.ma.RemoveStream(p.sa), errcode.ErrNotExist)

	p.pb.waitEvent(t, fmt.Sprintf("close:%d:remote-close", id))
	p.pb.waitEvent(t, "state:closed")

	_, err = p.sa.WriteChannel(id, []byte("x"))
	assert.Error(t, err)
}

func TestLinkLossClosesStreams(t *testing.T) {
	la, lb := link.NewMemoryPair(link.MemoryOptions{})
	m := New(Config{})
	pr := newRecorder()
	s, err := m.AddStream(StreamTypeAudio, 0, pr.handler())
	require.NoError(t, err)

	lost := make(chan error, 1)
	connected := make(chan struct{})
	require.NoError(t, m.Attach(la, true, Hooks{
		OnConnected: func() { close(connected) },
		OnLinkLost:  func(err error) { lost <- err },
	}))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	require.NoError(t, lb.Close())
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, errcode.ErrLinkLost)
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not reported")
	}
	assert.Equal(t, StateClosed, s.State())

	closed := 0
	pr.mu.Lock()
	for _, st := range pr.states {
		if st == StateClosed {
			closed++
		}
	}
	pr.mu.Unlock()
	assert.Equal(t, 1, closed, "Closed is reported exactly once")
}

func TestLossyWriteReportsAcceptedBytes(t *testing.T) {
	p := connectedPair(t, 0, 0)
	p.la.Pause()

	payload := make([]byte, 1<<20)
	n, err := p.sa.WriteData(payload)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Less(t, n, len(payload), "a congested link takes only part of the write")
	assert.LessOrEqual(t, n, link.HighWaterMark+ChunkSize)
	assert.Equal(t, n, p.la.Buffered()-frameOverhead(n), "every counted byte was queued")

	n, err = p.sa.WriteData(payload)
	assert.ErrorIs(t, err, errcode.ErrWouldBlock)
	assert.Zero(t, n)

	p.la.Resume()
	require.Eventually(t, func() bool { return p.la.Buffered() <= link.LowWaterMark }, 3*time.Second, 5*time.Millisecond)
	n, err = p.sa.WriteData([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

// frameOverhead is the header bytes added to n payload bytes split into
// ChunkSize frames.
func frameOverhead(n int) int {
	frames := (n + ChunkSize - 1) / ChunkSize
	return frames * protocol.HeaderSize
}

func TestChannelIDsAreReused(t *testing.T) {
	p := connectedPair(t, OptionReliable|OptionMultiplexing, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	seen := make(map[uint16]int)
	for range 1<<15 + 1024 {
		id, err := p.sa.OpenChannel("cycle")
		require.NoError(t, err)
		seen[id]++
		ch, ok := p.sa.Channel(id)
		require.True(t, ok)
		require.NoError(t, ch.Wait(ctx))
		require.NoError(t, p.sa.CloseChannel(id, CloseLocal))
	}

	assert.Greater(t, seen[1], 1, "ids wrap around")
	for id := range seen {
		assert.Equal(t, uint16(1), id%2, "initiator ids stay odd")
	}
	assert.LessOrEqual(t, p.sa.tombstones.Len(), maxTombstones)

	require.Eventually(t, func() bool {
		p.mb.rxTab.Lock()
		defer p.mb.rxTab.Unlock()
		return len(p.mb.rx) <= 2
	}, 3*time.Second, 5*time.Millisecond, "reorder state of closed channels is released")
	assert.LessOrEqual(t, p.sb.tombstones.Len(), maxTombstones)

	id, err := p.sa.OpenChannel("after")
	require.NoError(t, err)
	ch, ok := p.sa.Channel(id)
	require.True(t, ok)
	assert.NoError(t, ch.Wait(ctx))
}
