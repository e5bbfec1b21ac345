// Package session negotiates the sessions between two friends.
//
// The initiator adds its streams and sends a request carrying its
// descriptor. The responder learns about it through an event, adds the same
// streams and replies with a descriptor of its own. Both sides then call
// Start with the peer's descriptor, which connects the transport and hands
// the resulting link to the stream multiplexer.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/portfwd"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Limits and defaults.
const (
	MaxBundleLen   = 127
	MaxReasonLen   = 255
	DefaultTimeout = 60 * time.Second
)

// State is the lifecycle of a session.
type State uint8

const (
	StateCreated State = iota + 1
	StateNegotiating
	StateActive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("session-state(%d)", uint8(s))
	}
}

// Reply is the outcome of a request. Err is nil only when the peer agreed,
// in which case SDP is its descriptor, ready for Start.
type Reply struct {
	Status int
	Reason string
	SDP    string
	Err    error
}

// CompletionHandler receives the outcome of Request, exactly once.
type CompletionHandler func(s *Session, r Reply)

// Session is one negotiated set of streams with a friend. Its methods are
// safe for concurrent use.
type Session struct {
	m      *Manager
	peer   ids.ID
	mux    *mux.Mux
	bridge *portfwd.Bridge
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	err        error
	initiator  bool
	ticket     string
	bundle     string
	completion CompletionHandler
	timer      *clock.Timer
	hs         link.Handshake
	agreed     bool // initiator: reply received
	started    bool
	connecting bool
	remote     []byte // transport blob to connect with

	doneOnce sync.Once
	done     chan struct{}
}

func newSession(m *Manager, peer ids.ID) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Session{
		m:      m,
		peer:   peer,
		mux:    mux.New(mux.Config{WriteWait: m.cfg.WriteWait, Clock: m.cfg.Clock}),
		bridge: portfwd.NewBridge(ctx),
		ctx:    ctx,
		cancel: cancel,
		state:  StateCreated,
		done:   make(chan struct{}),
	}
}

// Peer returns the friend on the other side.
func (s *Session) Peer() ids.ID { return s.peer }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session failed or was closed by the peer.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is closed or failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Streams returns the session's streams in creation order.
func (s *Session) Streams() []*mux.Stream { return s.mux.Streams() }

// ---------------------------------------------------------------------------
// Streams and services
// ---------------------------------------------------------------------------

// AddStream adds a stream of type typ. Streams can only be added before
// the session is requested or replied to.
func (s *Session) AddStream(typ mux.StreamType, opts mux.Options, h mux.StreamHandler) (*mux.Stream, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateCreated {
		return nil, errcode.New(errcode.ErrWrongState, "add stream: session %s", state)
	}

	st, err := s.mux.AddStream(typ, opts, h)
	if err != nil {
		return nil, err
	}
	if st.Options().Has(mux.OptionPortForwarding) {
		s.bridge.Attach(st)
	}
	return st, nil
}

// RemoveStream closes st. Its handler has seen Closed when this returns.
func (s *Session) RemoveStream(st *mux.Stream) error {
	if st == nil {
		return errcode.New(errcode.ErrInvalidArgs, "nil stream")
	}
	return s.mux.RemoveStream(st)
}

// AddService makes a local TCP service reachable by the peer.
func (s *Session) AddService(name string, proto portfwd.Protocol, host string, port int) error {
	return s.bridge.AddService(name, proto, host, port)
}

// RemoveService withdraws a service.
func (s *Session) RemoveService(name string) error {
	return s.bridge.RemoveService(name)
}

// OpenPortForwarding listens on host:port and forwards accepted connections
// to the peer's service over st.
func (s *Session) OpenPortForwarding(st *mux.Stream, service string, proto portfwd.Protocol, host string, port int) (int, error) {
	if st == nil {
		return 0, errcode.New(errcode.ErrInvalidArgs, "nil stream")
	}
	if cur, ok := s.mux.Stream(st.ID()); !ok || cur != st {
		return 0, errcode.New(errcode.ErrNotExist, "stream %d", st.ID())
	}
	return s.bridge.OpenPortForwarding(st, service, proto, host, port)
}

// ClosePortForwarding stops a forwarding opened by OpenPortForwarding.
func (s *Session) ClosePortForwarding(id int) error {
	return s.bridge.ClosePortForwarding(id)
}

// Forwarding describes an open forwarding.
func (s *Session) Forwarding(id int) (portfwd.Forwarding, bool) {
	return s.bridge.Forwarding(id)
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Request sends the session request to the peer. h runs once with the
// peer's answer, on timeout, or when the session is closed first.
func (s *Session) Request(bundle string, h CompletionHandler) error {
	switch {
	case h == nil:
		return errcode.New(errcode.ErrInvalidArgs, "nil completion handler")
	case len(bundle) > MaxBundleLen:
		return errcode.New(errcode.ErrTooLong, "bundle of %d bytes", len(bundle))
	}

	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "request: session %s", state)
	}
	if len(s.mux.Streams()) == 0 {
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "request: no streams")
	}
	s.state = StateNegotiating
	s.initiator = true
	s.ticket = uuid.NewString()
	s.bundle = bundle
	s.completion = h
	s.armTimerLocked()
	ticket := s.ticket
	s.m.register(ticket, s)
	s.mu.Unlock()

	util.LogDebug("[%s] session %s requested", s.peer.Short(), ticket[:8])
	go s.offer()
	return nil
}

func (s *Session) offer() {
	hs, err := s.m.cfg.Transport.Offer(s.ctx, s.peer)
	if err != nil {
		s.fail(errcode.Wrap(errcode.ErrLinkLost, err, "transport offer"))
		return
	}
	if !s.adopt(hs) {
		return
	}

	sdp, err := s.describe(hs.Blob())
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	ticket, bundle := s.ticket, s.bundle
	s.mu.Unlock()
	err = s.m.cfg.Send(s.peer, &wire.Message{
		Type:   wire.TypeSessionRequest,
		Ticket: ticket,
		Bundle: bundle,
		SDP:    sdp,
	})
	if err != nil {
		s.fail(fmt.Errorf("send session request: %w", err))
	}
}

// ReplyRequest answers the peer's pending session request. A non-zero
// status declines it and requires a reason.
func (s *Session) ReplyRequest(status int, reason string) error {
	switch {
	case status != 0 && reason == "":
		return errcode.New(errcode.ErrInvalidArgs, "rejection without reason")
	case status == 0 && reason != "":
		return errcode.New(errcode.ErrInvalidArgs, "reason on confirmation")
	case len(reason) > MaxReasonLen:
		return errcode.New(errcode.ErrTooLong, "reason of %d bytes", len(reason))
	}

	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "reply: session %s", state)
	}
	if status == 0 && len(s.mux.Streams()) == 0 {
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "reply: no streams")
	}
	req, ok := s.m.takeInbound(s.peer)
	if !ok {
		s.mu.Unlock()
		return errcode.New(errcode.ErrNoMatchedRequest, "session request from %s", s.peer.Short())
	}

	if status != 0 {
		s.state = StateFailed
		s.err = errcode.New(errcode.ErrRejected, "declined with status %d: %s", status, reason)
		s.mu.Unlock()

		err := s.m.cfg.Send(s.peer, &wire.Message{
			Type:   wire.TypeSessionReply,
			Ticket: req.ticket,
			Status: int32(status),
			Reason: reason,
		})
		return multierr.Append(err, s.release(mux.CloseRejected, false))
	}

	s.state = StateNegotiating
	s.ticket = req.ticket
	s.bundle = req.bundle
	s.armTimerLocked()
	s.m.register(req.ticket, s)
	s.mu.Unlock()

	util.LogDebug("[%s] session %s accepted", s.peer.Short(), req.ticket[:min(8, len(req.ticket))])
	go s.answer(req.desc.Blob)
	return nil
}

func (s *Session) answer(offer []byte) {
	hs, err := s.m.cfg.Transport.Answer(s.ctx, s.peer, offer)
	if err != nil {
		s.fail(errcode.Wrap(errcode.ErrLinkLost, err, "transport answer"))
		return
	}
	if !s.adopt(hs) {
		return
	}

	sdp, err := s.describe(hs.Blob())
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	ticket := s.ticket
	s.mu.Unlock()
	err = s.m.cfg.Send(s.peer, &wire.Message{
		Type:   wire.TypeSessionReply,
		Ticket: ticket,
		SDP:    sdp,
	})
	if err != nil {
		s.fail(fmt.Errorf("send session reply: %w", err))
		return
	}
	s.mux.Transition(mux.StateTransportReady)
	s.maybeConnect()
}

// adopt records the handshake unless the session moved on meanwhile.
func (s *Session) adopt(hs link.Handshake) bool {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		hs.Abort()
		return false
	}
	s.hs = hs
	s.mu.Unlock()
	return true
}

func (s *Session) describe(blob []byte) (string, error) {
	s.mu.Lock()
	bundle := s.bundle
	s.mu.Unlock()
	d := &Descriptor{
		Peer:    s.m.cfg.Self,
		Bundle:  bundle,
		Streams: describe(s.mux.Streams()),
		Blob:    blob,
	}
	return d.Encode()
}

func (s *Session) handleReply(msg *wire.Message) {
	s.mu.Lock()
	if !s.initiator || s.state != StateNegotiating || s.agreed || s.completion == nil {
		s.mu.Unlock()
		util.LogDebug("[%s] unexpected session reply dropped", s.peer.Short())
		return
	}

	if msg.Status != 0 {
		s.state = StateFailed
		s.err = errcode.New(errcode.ErrRejected, "session status %d: %s", msg.Status, msg.Reason)
		h := s.takeLocked()
		err := s.err
		s.mu.Unlock()

		util.LogInfo("[%s] session rejected: %s", s.peer.Short(), msg.Reason)
		h(s, Reply{Status: int(msg.Status), Reason: msg.Reason, Err: err})
		s.release(mux.CloseRejected, false)
		return
	}

	d, err := ParseDescriptor(msg.SDP)
	if err == nil && d.Peer != s.peer {
		err = errcode.New(errcode.ErrIncompatible, "descriptor names %s", d.Peer.Short())
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	s.agreed = true
	h := s.completion
	s.completion = nil
	s.mu.Unlock()

	s.mux.Transition(mux.StateTransportReady)
	h(s, Reply{SDP: msg.SDP})
}

// Start connects the session using the peer's descriptor: the reply SDP on
// the initiator, the request SDP on the responder. It may be called once.
func (s *Session) Start(peerSDP string) error {
	d, err := ParseDescriptor(peerSDP)
	if err != nil {
		return err
	}
	if d.Peer != s.peer {
		return errcode.New(errcode.ErrIncompatible, "descriptor names %s", d.Peer.Short())
	}

	s.mu.Lock()
	switch {
	case s.state != StateNegotiating:
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "start: session %s", state)
	case s.initiator && !s.agreed:
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "start: no reply yet")
	case s.started:
		s.mu.Unlock()
		return errcode.New(errcode.ErrWrongState, "start: already started")
	}
	if err := compatible(describe(s.mux.Streams()), d.Streams); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	if s.initiator {
		s.remote = d.Blob
	}
	s.mu.Unlock()

	s.mux.Transition(mux.StateConnecting)
	s.maybeConnect()
	return nil
}

// maybeConnect starts the transport once Start was called and the
// handshake exists.
func (s *Session) maybeConnect() {
	s.mu.Lock()
	if s.state != StateNegotiating || !s.started || s.hs == nil || s.connecting {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	hs, remote, initiator := s.hs, s.remote, s.initiator
	s.mu.Unlock()

	go s.connect(hs, remote, initiator)
}

func (s *Session) connect(hs link.Handshake, remote []byte, initiator bool) {
	ln, err := hs.Connect(s.ctx, remote)
	if err != nil {
		s.fail(errcode.Wrap(errcode.ErrLinkLost, err, "connect"))
		return
	}

	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.hs = nil // the mux owns the link from here on
	s.mu.Unlock()

	err = s.mux.Attach(ln, initiator, mux.Hooks{
		OnConnected: s.onConnected,
		OnLinkLost:  s.onLinkLost,
	})
	if err != nil {
		ln.Close()
		s.fail(err)
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.stopTimerLocked()
	s.mu.Unlock()

	metrics.Stats.SessionUp()
	util.LogSuccess("[%s] session active", s.peer.Short())
}

func (s *Session) onLinkLost(err error) {
	s.mu.Lock()
	var h CompletionHandler
	wasActive := false
	switch s.state {
	case StateNegotiating:
		s.state = StateFailed
		h = s.takeLocked()
	case StateActive:
		s.state = StateClosed
		wasActive = true
	default:
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()

	util.LogWarning("[%s] session link lost: %v", s.peer.Short(), err)
	if wasActive {
		metrics.Stats.SessionDown()
	}
	if h != nil {
		h(s, Reply{Err: err})
	}
	s.release(mux.CloseError, false)
}

// handleClose reacts to the peer closing its side.
func (s *Session) handleClose() {
	s.mu.Lock()
	var h CompletionHandler
	wasActive := false
	switch s.state {
	case StateNegotiating:
		s.state = StateFailed
		s.err = errcode.New(errcode.ErrLinkLost, "session closed by peer")
		h = s.takeLocked()
	case StateActive:
		s.state = StateClosed
		wasActive = true
	default:
		s.mu.Unlock()
		return
	}
	err := s.err
	s.mu.Unlock()

	if wasActive {
		metrics.Stats.SessionDown()
	}
	if h != nil {
		h(s, Reply{Err: err})
	}
	s.release(mux.CloseRemote, false)
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = errcode.New(errcode.ErrNegotiationTimeout, "session with %s", s.peer.Short())
	h := s.takeLocked()
	err := s.err
	s.mu.Unlock()

	util.LogWarning("[%s] session negotiation timed out", s.peer.Short())
	if h != nil {
		h(s, Reply{Err: err})
	}
	s.release(mux.CloseTimeout, true)
}

// fail ends a negotiation that cannot continue.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	h := s.takeLocked()
	s.mu.Unlock()

	util.LogWarning("[%s] session failed: %v", s.peer.Short(), err)
	if h != nil {
		h(s, Reply{Err: err})
	}
	s.release(mux.CloseError, true)
}

// Close ends the session: pending negotiation, link, streams and
// forwardings.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if prev != StateFailed {
		s.state = StateClosed
	}
	h := s.takeLocked()
	s.mu.Unlock()

	if h != nil {
		h(s, Reply{Err: errcode.New(errcode.ErrCanceled, "session closed")})
	}
	if prev == StateActive {
		metrics.Stats.SessionDown()
	}
	return s.release(mux.CloseLocal, prev == StateNegotiating || prev == StateActive)
}

// release frees everything the session holds. It may run more than once.
func (s *Session) release(reason mux.CloseReason, notify bool) error {
	s.mu.Lock()
	hs, ticket := s.hs, s.ticket
	s.hs = nil
	s.stopTimerLocked()
	s.mu.Unlock()

	if notify && ticket != "" {
		if err := s.m.cfg.Send(s.peer, &wire.Message{Type: wire.TypeSessionClose, Ticket: ticket}); err != nil {
			util.LogDebug("[%s] session close notice: %v", s.peer.Short(), err)
		}
	}

	var err error
	err = multierr.Append(err, s.bridge.Close())
	err = multierr.Append(err, s.mux.Close(reason))
	if hs != nil {
		err = multierr.Append(err, hs.Abort())
	}
	s.cancel()
	s.m.unregister(s)
	s.doneOnce.Do(func() { close(s.done) })
	return err
}

func (s *Session) armTimerLocked() {
	s.timer = s.m.cfg.Clock.AfterFunc(s.m.cfg.Timeout, s.expire)
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// takeLocked stops the negotiation timer and claims the completion
// handler, which may be nil.
func (s *Session) takeLocked() CompletionHandler {
	s.stopTimerLocked()
	h := s.completion
	s.completion = nil
	return h
}
