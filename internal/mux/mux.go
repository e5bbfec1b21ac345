// Package mux carries the streams of one session over a single link.
//
// Each stream is addressed by its id in the frame header. Multiplexed streams
// additionally carry channels, each with its own sequence space, so the
// receiver can restore per-channel order on the unordered reliable lane.
package mux

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/protocol"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

const (
	// ChunkSize is the largest payload put into a single frame.
	ChunkSize = 16 * 1024
	// DefaultWriteWait bounds how long a reliable stream write waits for the
	// link to drain before it reports WouldBlock.
	DefaultWriteWait = 2 * time.Second
)

// Config tunes a Mux.
type Config struct {
	WriteWait time.Duration
	Clock     clock.Clock
}

// Hooks are called by the mux when the attached link changes state.
type Hooks struct {
	// OnConnected runs once after every stream reached Connected.
	OnConnected func()
	// OnLinkLost runs once if the link goes away before Close is called.
	OnLinkLost func(err error)
}

type lanedFrame struct {
	lane link.Lane
	data []byte
}

type rxKey struct {
	stream, channel uint16
	lane            link.Lane
}

// Mux owns the streams of one session and the link beneath them.
type Mux struct {
	cfg Config

	mu         sync.Mutex
	streams    map[uint16]*Stream
	order      []uint16
	nextStream uint32
	ln         link.Link
	initiator  bool
	hooks      Hooks
	connected  bool
	closed     bool
	early      []lanedFrame
	drainCh    chan struct{} // closed and replaced on every drain
	done       chan struct{}

	rxMu  sync.Mutex // serializes inbound dispatch
	rxTab sync.Mutex // guards rx
	rx    map[rxKey]*Reassembler
}

// New creates an empty mux. Streams are added before a link is attached.
func New(cfg Config) *Mux {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Mux{
		cfg:        cfg,
		streams:    make(map[uint16]*Stream),
		nextStream: 1,
		drainCh:    make(chan struct{}),
		done:       make(chan struct{}),
		rx:         make(map[rxKey]*Reassembler),
	}
}

// AddStream validates (typ, opts), assigns the next stream id and reports
// Initialized to h before returning.
func (m *Mux) AddStream(typ StreamType, opts Options, h StreamHandler) (*Stream, error) {
	opts, err := Normalize(typ, opts)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = HandlerFuncs{}
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, errcode.New(errcode.ErrWrongState, "add stream: mux closed")
	case m.ln != nil:
		m.mu.Unlock()
		return nil, errcode.New(errcode.ErrWrongState, "add stream: session already negotiated")
	case m.nextStream > 0xFFFF:
		m.mu.Unlock()
		return nil, errcode.New(errcode.ErrLimitExceeded, "add stream")
	}
	s := newStream(m, uint16(m.nextStream), typ, opts, h)
	m.nextStream++
	m.streams[s.id] = s
	m.order = append(m.order, s.id)
	m.mu.Unlock()

	s.advance(StateInitialized)
	return s, nil
}

// Streams returns the live streams in creation order.
func (m *Mux) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedLocked()
}

func (m *Mux) orderedLocked() []*Stream {
	out := make([]*Stream, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Stream looks a stream up by id.
func (m *Mux) Stream(id uint16) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Transition moves every stream forward to state. Closed is reached only
// through RemoveStream, Close or link loss.
func (m *Mux) Transition(state StreamState) {
	if state >= StateClosed {
		return
	}
	for _, s := range m.Streams() {
		s.advance(state)
	}
}

// Attach hands the negotiated link to the mux. Streams become Connected once
// the link is ready. The initiator side allocates odd channel ids.
func (m *Mux) Attach(ln link.Link, initiator bool, hooks Hooks) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "attach: mux closed")
	}
	if m.ln != nil {
		m.mu.Unlock()
		return errcode.New(errcode.ErrAlreadyExist, "attach: link already attached")
	}
	m.ln = ln
	m.initiator = initiator
	m.hooks = hooks
	m.mu.Unlock()

	ln.OnFrame(m.onFrame)
	ln.OnDrain(m.onDrain)
	go m.watch(ln)
	return nil
}

func (m *Mux) watch(ln link.Link) {
	select {
	case <-ln.Ready():
	case <-ln.Done():
		m.lost()
		return
	case <-m.done:
		return
	}

	m.Transition(StateConnected)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	early := m.early
	m.early = nil
	onConnected := m.hooks.OnConnected
	m.mu.Unlock()

	for _, f := range early {
		m.dispatch(f.lane, f.data)
	}
	if onConnected != nil {
		onConnected()
	}

	select {
	case <-ln.Done():
		m.lost()
	case <-m.done:
	}
}

// lost tears everything down after the link vanished underneath us.
func (m *Mux) lost() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	streams := m.orderedLocked()
	onLost := m.hooks.OnLinkLost
	m.mu.Unlock()

	util.LogDebug("mux: link lost, closing %d stream(s)", len(streams))
	for _, s := range streams {
		s.teardown(CloseError, false)
	}
	if onLost != nil {
		onLost(errcode.New(errcode.ErrLinkLost, "session link"))
	}
}

// Close closes every stream with reason and then the link.
func (m *Mux) Close(reason CloseReason) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	streams := m.orderedLocked()
	ln := m.ln
	m.mu.Unlock()

	for _, s := range streams {
		s.teardown(reason, true)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Done is closed once the mux is closed or its link is lost.
func (m *Mux) Done() <-chan struct{} { return m.done }

// RemoveStream closes s and forgets it. The Closed state has been reported
// to the stream handler when RemoveStream returns.
func (m *Mux) RemoveStream(s *Stream) error {
	m.mu.Lock()
	if cur, ok := m.streams[s.id]; !ok || cur != s {
		m.mu.Unlock()
		return errcode.New(errcode.ErrNotExist, "stream %d", s.id)
	}
	delete(m.streams, s.id)
	for i, id := range m.order {
		if id == s.id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	s.teardown(CloseLocal, true)
	return nil
}

func (m *Mux) isInitiator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiator
}

func (m *Mux) link() link.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ln
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (m *Mux) send(lane link.Lane, f *protocol.Frame) error {
	ln := m.link()
	if ln == nil {
		return errcode.New(errcode.ErrWrongState, "no link")
	}
	buf := protocol.Encode(f)
	if err := ln.Send(lane, buf); err != nil {
		if errors.Is(err, link.ErrClosed) {
			return errcode.Wrap(errcode.ErrLinkLost, err, "send %s", protocol.TypeName(f.Type))
		}
		return err
	}
	metrics.Stats.AddSent(lane.String(), len(buf))
	return nil
}

func (m *Mux) congested() bool {
	ln := m.link()
	return ln == nil || ln.Buffered() > link.HighWaterMark
}

// waitWritable blocks until the link is below the high watermark, the write
// wait expires or the mux closes.
func (m *Mux) waitWritable() bool {
	timer := m.cfg.Clock.Timer(m.cfg.WriteWait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		drained := m.drainCh
		ln := m.ln
		m.mu.Unlock()

		if ln == nil {
			return false
		}
		if ln.Buffered() <= link.HighWaterMark {
			return true
		}
		select {
		case <-drained:
		case <-timer.C:
			return false
		case <-m.done:
			return false
		}
	}
}

func (m *Mux) onDrain() {
	m.mu.Lock()
	close(m.drainCh)
	m.drainCh = make(chan struct{})
	streams := m.orderedLocked()
	m.mu.Unlock()

	for _, s := range streams {
		s.resumeChannels()
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (m *Mux) onFrame(lane link.Lane, data []byte) {
	metrics.Stats.AddRecv(lane.String(), len(data))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.connected {
		// The peer may see the link ready before we do.
		m.early = append(m.early, lanedFrame{lane: lane, data: append([]byte(nil), data...)})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.dispatch(lane, data)
}

func (m *Mux) dispatch(lane link.Lane, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("mux: %v", err)
		metrics.Stats.FrameDropped()
		return
	}

	m.rxMu.Lock()
	defer m.rxMu.Unlock()

	s, ok := m.Stream(f.StreamID)
	if !ok || s.State() == StateClosed {
		metrics.Stats.FrameDropped()
		return
	}
	if s.isTombstoned(f.ChannelID) {
		if f.Type != protocol.TypeOpen && f.Type != protocol.TypeForward {
			metrics.Stats.FrameDropped()
			return
		}
		// The peer reused an id it no longer remembers.
		s.revive(f.ChannelID)
	}

	for _, ready := range m.reassembler(f.StreamID, f.ChannelID, lane).Feed(f) {
		s.handleFrame(ready)
	}
}

func (m *Mux) reassembler(stream, channel uint16, lane link.Lane) *Reassembler {
	key := rxKey{stream: stream, channel: channel, lane: lane}

	m.rxTab.Lock()
	defer m.rxTab.Unlock()
	r := m.rx[key]
	if r == nil {
		if lane == link.LaneLossy {
			r = NewLossyReassembler()
		} else {
			r = NewReassembler()
		}
		m.rx[key] = r
	}
	return r
}

// dropRx forgets the reorder state of a closed channel on both lanes.
func (m *Mux) dropRx(stream, channel uint16) {
	m.rxTab.Lock()
	delete(m.rx, rxKey{stream: stream, channel: channel, lane: link.LaneReliable})
	delete(m.rx, rxKey{stream: stream, channel: channel, lane: link.LaneLossy})
	m.rxTab.Unlock()
}

// channelIDs returns the ids of chans in ascending order.
func channelIDs(chans map[uint16]*Channel) []uint16 {
	out := make([]uint16, 0, len(chans))
	for id := range chans {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
