package mux

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/protocol"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// maxTombstones bounds how many closed channel ids a stream remembers in
// order to drop the peer's late frames. Older ids become reusable.
const maxTombstones = 1024

// Stream is one typed flow of a session.
type Stream struct {
	m       *Mux
	id      uint16
	typ     StreamType
	opts    Options
	handler StreamHandler

	seq [2]SeqGen // channel 0, per lane

	mu          sync.Mutex
	state       StreamState
	channels    map[uint16]*Channel
	tombstones  *lru.Cache[uint16, struct{}]
	nextChannel uint16
	forwarder   ForwardAcceptor
}

func newStream(m *Mux, id uint16, typ StreamType, opts Options, h StreamHandler) *Stream {
	tombstones, _ := lru.New[uint16, struct{}](maxTombstones)
	return &Stream{
		m:          m,
		id:         id,
		typ:        typ,
		opts:       opts,
		handler:    h,
		channels:   make(map[uint16]*Channel),
		tombstones: tombstones,
	}
}

func (s *Stream) ID() uint16             { return s.id }
func (s *Stream) Type() StreamType       { return s.typ }
func (s *Stream) Options() Options       { return s.opts }
func (s *Stream) Handler() StreamHandler { return s.handler }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetForwarder installs the acceptor consulted for peer forwarding requests.
func (s *Stream) SetForwarder(f ForwardAcceptor) {
	s.mu.Lock()
	s.forwarder = f
	s.mu.Unlock()
}

// advance moves the stream forward to target, reporting every state passed.
func (s *Stream) advance(target StreamState) {
	s.mu.Lock()
	if s.state == StateClosed || target <= s.state {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = target
	s.mu.Unlock()

	for st := from + 1; st <= target; st++ {
		s.handler.OnStateChanged(s, st)
	}
}

// teardown closes every channel and reports Closed. notify sends a
// STREAM_CLOSE to the peer when a link is attached.
func (s *Stream) teardown(reason CloseReason, notify bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	s.state = StateClosed
	chans := s.channels
	s.channels = make(map[uint16]*Channel)
	for id := range chans {
		s.tombstones.Add(id, struct{}{})
	}
	s.mu.Unlock()
	for id := range chans {
		s.m.dropRx(s.id, id)
	}

	for _, id := range channelIDs(chans) {
		ch := chans[id]
		if ch.markClosed() {
			ch.complete(errcode.New(errcode.ErrWrongState, "stream %d closed", s.id))
			metrics.Stats.Channel("closed")
			ch.emitClose(reason)
		}
	}

	if notify && wasConnected {
		f := &protocol.Frame{Type: protocol.TypeStreamClose, StreamID: s.id, SeqNum: s.seq[link.LaneReliable].Next()}
		if err := s.m.send(link.LaneReliable, f); err != nil {
			util.LogDebug("[%04x] stream close notice: %v", s.id, err)
		}
	}

	s.handler.OnStateChanged(s, StateClosed)
}

func (s *Stream) connected() error {
	if st := s.State(); st != StateConnected {
		return errcode.New(errcode.ErrWrongState, "stream %d is %s", s.id, st)
	}
	return nil
}

// WriteData sends p on a non-multiplexed stream. Reliable streams wait for
// the link to drain and report WouldBlock with the count already sent if it
// does not within the write wait. Other streams send what the link accepts
// now and report WouldBlock only when nothing was accepted.
func (s *Stream) WriteData(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, errcode.New(errcode.ErrInvalidArgs, "empty write")
	}
	if s.opts.Has(OptionMultiplexing) {
		return 0, errcode.New(errcode.ErrWrongState, "stream %d is multiplexed, write to a channel", s.id)
	}
	if err := s.connected(); err != nil {
		return 0, err
	}

	lane := link.LaneLossy
	if s.opts.Has(OptionReliable) {
		lane = link.LaneReliable
	}

	n := 0
	for len(p) > 0 {
		if lane == link.LaneReliable {
			if !s.m.waitWritable() {
				metrics.Stats.Backpressure()
				return n, errcode.New(errcode.ErrWouldBlock, "stream %d", s.id)
			}
		} else if s.m.congested() {
			break
		}

		size := min(len(p), ChunkSize)
		f := &protocol.Frame{
			Type:     protocol.TypeStreamData,
			StreamID: s.id,
			SeqNum:   s.seq[lane].Next(),
			Payload:  p[:size],
		}
		if err := s.m.send(lane, f); err != nil {
			if errors.Is(err, link.ErrDropped) {
				break
			}
			return n, err
		}
		n += size
		p = p[size:]
	}

	if n == 0 {
		metrics.Stats.Backpressure()
		return 0, errcode.New(errcode.ErrWouldBlock, "stream %d", s.id)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// allocChannel gives ch the next free id of this side's parity, wrapping
// around and skipping ids that are open or still tombstoned.
func (s *Stream) allocChannel(ch *Channel) error {
	first := uint16(2)
	if s.m.isInitiator() {
		first = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextChannel == 0 {
		s.nextChannel = first
	}
	for range 1 << 15 {
		id := s.nextChannel
		s.nextChannel += 2
		if s.nextChannel < first {
			s.nextChannel = first
		}
		if _, open := s.channels[id]; open || s.tombstones.Contains(id) {
			continue
		}
		ch.id = id
		s.channels[id] = ch
		return nil
	}
	return errcode.New(errcode.ErrLimitExceeded, "stream %d: channel ids exhausted", s.id)
}

func (s *Stream) channel(id uint16) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// Channel looks up a channel by id.
func (s *Stream) Channel(id uint16) (*Channel, bool) {
	ch := s.channel(id)
	return ch, ch != nil
}

// forget removes a channel and ignores whatever the peer still sends on it.
func (s *Stream) forget(id uint16) {
	s.mu.Lock()
	delete(s.channels, id)
	s.tombstones.Add(id, struct{}{})
	s.mu.Unlock()
	s.m.dropRx(s.id, id)
}

func (s *Stream) isTombstoned(id uint16) bool {
	if id == 0 {
		return false
	}
	return s.tombstones.Contains(id)
}

// revive clears the tombstone of an id the peer opens again.
func (s *Stream) revive(id uint16) {
	s.tombstones.Remove(id)
}

// OpenChannel asks the peer for a new channel carrying cookie. The channel is
// Opening until the peer accepts it.
func (s *Stream) OpenChannel(cookie string) (uint16, error) {
	if !s.opts.Has(OptionMultiplexing) {
		return 0, errcode.New(errcode.ErrWrongState, "stream %d is not multiplexed", s.id)
	}
	if err := s.connected(); err != nil {
		return 0, err
	}

	ch := newChannel(s, cookie)
	if err := s.allocChannel(ch); err != nil {
		return 0, err
	}
	if err := ch.sendControl(protocol.TypeOpen, []byte(cookie)); err != nil {
		s.forget(ch.id)
		return 0, err
	}
	return ch.id, nil
}

// OpenForward asks the peer to connect a new channel to service. owner
// receives the channel's events; Wait reports the peer's decision.
func (s *Stream) OpenForward(service string, owner ChannelHandler) (*Channel, error) {
	if !s.opts.Has(OptionPortForwarding) {
		return nil, errcode.New(errcode.ErrWrongState, "stream %d has no port forwarding", s.id)
	}
	if owner == nil {
		return nil, errcode.New(errcode.ErrInvalidArgs, "nil channel owner")
	}
	if err := s.connected(); err != nil {
		return nil, err
	}

	ch := newChannel(s, "")
	ch.forward = true
	ch.service = service
	ch.owner = owner
	if err := s.allocChannel(ch); err != nil {
		return nil, err
	}
	if err := ch.sendControl(protocol.TypeForward, []byte(service)); err != nil {
		s.forget(ch.id)
		return nil, err
	}
	return ch, nil
}

// WriteChannel writes p to an open channel.
func (s *Stream) WriteChannel(id uint16, p []byte) (int, error) {
	ch := s.channel(id)
	if ch == nil {
		return 0, errcode.New(errcode.ErrNotExist, "stream %d channel %d", s.id, id)
	}
	return ch.Write(p)
}

// CloseChannel closes a channel locally and notifies the peer.
func (s *Stream) CloseChannel(id uint16, reason CloseReason) error {
	ch := s.channel(id)
	if ch == nil {
		return errcode.New(errcode.ErrNotExist, "stream %d channel %d", s.id, id)
	}
	return ch.Close(reason)
}

func (s *Stream) resumeChannels() {
	s.mu.Lock()
	chans := s.channels
	ids := channelIDs(chans)
	list := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		list = append(list, chans[id])
	}
	s.mu.Unlock()

	for _, ch := range list {
		ch.resume()
	}
}

// reject refuses a peer-initiated channel.
func (s *Stream) reject(id uint16) {
	s.forget(id)
	f := &protocol.Frame{Type: protocol.TypeReject, StreamID: s.id, ChannelID: id, SeqNum: 1}
	if err := s.m.send(link.LaneReliable, f); err != nil {
		util.LogDebug("[%04x/%04x] reject: %v", s.id, id, err)
	}
	metrics.Stats.Channel("rejected")
}

// ---------------------------------------------------------------------------
// Inbound frames (called under the mux receive lock)
// ---------------------------------------------------------------------------

func (s *Stream) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeStreamData:
		if f.ChannelID != 0 {
			metrics.Stats.FrameDropped()
			return
		}
		s.handler.OnStreamData(s, f.Payload)

	case protocol.TypeStreamClose:
		s.teardown(CloseRemote, false)

	case protocol.TypeOpen:
		s.onOpen(f.ChannelID, string(f.Payload))

	case protocol.TypeForward:
		s.onForward(f.ChannelID, string(f.Payload))

	case protocol.TypeOpenAck:
		if ch := s.channel(f.ChannelID); ch != nil {
			ch.onOpenAck()
		}

	case protocol.TypeReject:
		if ch := s.channel(f.ChannelID); ch != nil {
			ch.onReject()
		}

	case protocol.TypeData:
		ch := s.channel(f.ChannelID)
		if ch == nil || !ch.deliver(f.Payload) {
			metrics.Stats.FrameDropped()
		}

	case protocol.TypeClose:
		reason := CloseRemote
		if len(f.Payload) > 0 && f.Payload[0] >= byte(CloseLocal) && f.Payload[0] <= byte(CloseError) {
			reason = CloseReason(f.Payload[0]).remote()
		}
		if ch := s.channel(f.ChannelID); ch != nil {
			ch.onRemoteClose(reason)
		}

	default:
		util.LogDebug("[%04x/%04x] unknown frame type %s", s.id, f.ChannelID, protocol.TypeName(f.Type))
		metrics.Stats.FrameDropped()
	}
}

func (s *Stream) onOpen(id uint16, cookie string) {
	if id == 0 || s.channel(id) != nil {
		metrics.Stats.FrameDropped()
		return
	}
	if !s.opts.Has(OptionMultiplexing) {
		s.reject(id)
		return
	}

	ch := newChannel(s, cookie)
	ch.id = id
	if !s.handler.OnChannelOpen(s, id, cookie) {
		s.reject(id)
		return
	}
	s.accept(ch)
	s.handler.OnChannelOpened(s, id)
}

func (s *Stream) onForward(id uint16, service string) {
	if id == 0 || s.channel(id) != nil {
		metrics.Stats.FrameDropped()
		return
	}

	s.mu.Lock()
	fwd := s.forwarder
	s.mu.Unlock()

	if !s.opts.Has(OptionPortForwarding) || fwd == nil || !fwd.HasService(service) {
		util.LogWarning("[%04x/%04x] forward to unknown service %q refused", s.id, id, service)
		s.reject(id)
		return
	}

	ch := newChannel(s, "")
	ch.id = id
	ch.forward = true
	ch.service = service
	owner := fwd.AcceptForward(ch, service)
	if owner == nil {
		s.reject(id)
		return
	}
	ch.owner = owner
	s.accept(ch)
	owner.OnOpened(ch)
}

func (s *Stream) accept(ch *Channel) {
	ch.state = ChannelOpen
	s.mu.Lock()
	s.channels[ch.id] = ch
	s.mu.Unlock()

	if err := ch.sendControl(protocol.TypeOpenAck, nil); err != nil {
		util.LogDebug("[%04x/%04x] open ack: %v", s.id, ch.id, err)
	}
	metrics.Stats.Channel("opened")
}
