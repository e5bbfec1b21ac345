package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/friend"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Friends tells whether a peer may take part in a session. It is consulted
// from application goroutines.
type Friends interface {
	State(peer ids.ID) friend.State
}

// Config wires a Manager to the node.
type Config struct {
	Self      ids.ID
	Friends   Friends
	Transport link.Transport
	// Send queues a control message; it must be safe for concurrent use.
	Send      func(to ids.ID, msg *wire.Message) error
	Emit      event.Emitter
	Clock     clock.Clock
	Timeout   time.Duration
	WriteWait time.Duration
}

type inbound struct {
	ticket string
	bundle string
	desc   *Descriptor
}

// Manager creates sessions and routes session traffic to them.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	byTicket map[string]*Session
	live     map[*Session]struct{}
	inbound  map[ids.ID]inbound // latest unanswered request per peer
}

// NewManager returns a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Emit == nil {
		cfg.Emit = func(event.Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		byTicket: make(map[string]*Session),
		live:     make(map[*Session]struct{}),
		inbound:  make(map[ids.ID]inbound),
	}
}

// NewSession creates a session with a friend.
func (m *Manager) NewSession(peer ids.ID) (*Session, error) {
	if peer == m.cfg.Self {
		return nil, errcode.New(errcode.ErrSelfReference, "new session")
	}
	if m.ctx.Err() != nil {
		return nil, errcode.New(errcode.ErrWrongState, "session manager closed")
	}
	switch m.cfg.Friends.State(peer) {
	case friend.Friend:
	case friend.Requested:
		return nil, errcode.New(errcode.ErrNotFriend, "new session with %s", peer.Short())
	default:
		return nil, errcode.New(errcode.ErrNoSuchPeer, "new session with %s", peer.Short())
	}

	s := newSession(m, peer)
	m.mu.Lock()
	m.live[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) register(ticket string, s *Session) {
	m.mu.Lock()
	m.byTicket[ticket] = s
	m.mu.Unlock()
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, s)
	for t, cur := range m.byTicket {
		if cur == s {
			delete(m.byTicket, t)
		}
	}
}

func (m *Manager) takeInbound(peer ids.ID) (inbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.inbound[peer]
	delete(m.inbound, peer)
	return req, ok
}

func (m *Manager) lookup(from ids.ID, ticket string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byTicket[ticket]
	if s == nil || s.peer != from {
		return nil
	}
	return s
}

// HandleMessage processes session traffic from a friend. It reports false
// for message types it does not own.
func (m *Manager) HandleMessage(from ids.ID, msg *wire.Message) bool {
	switch msg.Type {
	case wire.TypeSessionRequest:
		m.onRequest(from, msg)

	case wire.TypeSessionReply:
		if s := m.lookup(from, msg.Ticket); s != nil {
			s.handleReply(msg)
		} else {
			util.LogDebug("[%s] reply to unknown session dropped", from.Short())
		}

	case wire.TypeSessionClose:
		if s := m.lookup(from, msg.Ticket); s != nil {
			s.handleClose()
			return true
		}
		m.mu.Lock()
		if req, ok := m.inbound[from]; ok && req.ticket == msg.Ticket {
			delete(m.inbound, from)
		}
		m.mu.Unlock()

	default:
		return false
	}
	return true
}

func (m *Manager) onRequest(from ids.ID, msg *wire.Message) {
	if msg.Ticket == "" {
		util.LogDebug("[%s] session request without ticket dropped", from.Short())
		return
	}
	d, err := ParseDescriptor(msg.SDP)
	if err != nil {
		util.LogDebug("[%s] session request dropped: %v", from.Short(), err)
		return
	}
	if d.Peer != from || len(d.Streams) == 0 {
		util.LogDebug("[%s] session request with bad descriptor dropped", from.Short())
		return
	}

	m.mu.Lock()
	m.inbound[from] = inbound{ticket: msg.Ticket, bundle: msg.Bundle, desc: d}
	m.mu.Unlock()

	m.cfg.Emit(event.SessionRequest{From: from, Bundle: msg.Bundle, SDP: msg.SDP})
}

// Forget closes every session with peer and drops its pending request.
func (m *Manager) Forget(peer ids.ID) {
	m.mu.Lock()
	delete(m.inbound, peer)
	var doomed []*Session
	for s := range m.live {
		if s.peer == peer {
			doomed = append(doomed, s)
		}
	}
	m.mu.Unlock()

	for _, s := range doomed {
		s.Close()
	}
}

// Sessions returns the number of sessions not yet closed.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close closes every session. NewSession fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.live))
	for s := range m.live {
		all = append(all, s)
	}
	m.inbound = make(map[ids.ID]inbound)
	m.mu.Unlock()

	var err error
	for _, s := range all {
		err = multierr.Append(err, s.Close())
	}
	m.cancel()
	return err
}
