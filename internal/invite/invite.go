// Package invite implements friend invitations: a request carrying
// application data, answered by the friend with a status, a reason and data
// of its own.
//
// A Manager is driven by the node's protocol loop. Timer expirations are
// posted back onto that loop through Config.Post.
package invite

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Limits and defaults.
const (
	MaxDataLen     = 8 * 1024
	MaxBundleLen   = 127
	MaxReasonLen   = 255
	DefaultTimeout = 30 * time.Second
)

// State is the life of one outgoing invitation.
type State uint8

const (
	StateSent State = iota + 1
	StateConfirmed
	StateRejected
	StateTimeout
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	case StateTimeout:
		return "timeout"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Response is what an invitation's handler receives. Err is nil only when
// the friend confirmed; Data is set only then.
type Response struct {
	From   ids.ID
	Bundle string
	Status int
	Reason string
	Data   []byte
	Err    error
}

// Handler receives the outcome of an invitation, exactly once.
type Handler func(Response)

// Friends is the view of the friend registry invitations need.
type Friends interface {
	IsFriend(peer ids.ID) bool
	Online(peer ids.ID) bool
}

// Config wires a Manager to the node.
type Config struct {
	Self    ids.ID
	Friends Friends
	Send    func(to ids.ID, msg *wire.Message) error
	Emit    event.Emitter
	// Post runs fn on the protocol loop.
	Post    func(fn func())
	Clock   clock.Clock
	Timeout time.Duration
}

type ticket struct {
	id      string
	peer    ids.ID
	bundle  string
	handler Handler
	timer   *clock.Timer
	state   State
}

type inboundKey struct {
	peer   ids.ID
	bundle string
}

// Manager tracks outgoing tickets and unanswered incoming invitations.
type Manager struct {
	cfg         Config
	outstanding map[ids.ID]*ticket
	inbound     map[inboundKey]string // latest ticket per peer and bundle
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
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Manager{
		cfg:         cfg,
		outstanding: make(map[ids.ID]*ticket),
		inbound:     make(map[inboundKey]string),
	}
}

// checkFriend validates that peer can be addressed.
func (m *Manager) checkFriend(peer ids.ID, op string) error {
	if peer == m.cfg.Self {
		return errcode.WithCode(errcode.ErrSelfReference, errcode.NotExist, "%s", op)
	}
	if !m.cfg.Friends.IsFriend(peer) {
		return errcode.New(errcode.ErrNotFriend, "%s %s", op, peer.Short())
	}
	return nil
}

// Invite sends data to a friend. A previous invitation still waiting for
// that friend's answer is canceled.
func (m *Manager) Invite(peer ids.ID, bundle string, data []byte, h Handler) error {
	if err := m.checkFriend(peer, "invite"); err != nil {
		return err
	}
	switch {
	case h == nil:
		return errcode.New(errcode.ErrInvalidArgs, "nil handler")
	case len(data) == 0:
		return errcode.New(errcode.ErrInvalidArgs, "empty invite data")
	case len(data) > MaxDataLen:
		return errcode.New(errcode.ErrTooLong, "invite data of %d bytes", len(data))
	case len(bundle) > MaxBundleLen:
		return errcode.New(errcode.ErrTooLong, "bundle of %d bytes", len(bundle))
	}
	if !m.cfg.Friends.Online(peer) {
		return errcode.New(errcode.ErrFriendOffline, "invite %s", peer.Short())
	}

	t := &ticket{
		id:      uuid.NewString(),
		peer:    peer,
		bundle:  bundle,
		handler: h,
		state:   StateSent,
	}
	if err := m.cfg.Send(peer, &wire.Message{
		Type:   wire.TypeInviteRequest,
		Ticket: t.id,
		Bundle: bundle,
		Data:   data,
	}); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}

	// The previous invite survives a failed send.
	if old := m.outstanding[peer]; old != nil {
		m.finish(old, StateCanceled, Response{Err: errcode.New(errcode.ErrCanceled, "replaced by a newer invite")})
	}
	m.outstanding[peer] = t
	t.timer = m.cfg.Clock.AfterFunc(m.cfg.Timeout, func() {
		m.cfg.Post(func() { m.expire(t) })
	})
	util.LogDebug("[%s] invite %s sent", peer.Short(), t.id[:8])
	return nil
}

func (m *Manager) expire(t *ticket) {
	if m.outstanding[t.peer] != t {
		return
	}
	m.finish(t, StateTimeout, Response{Err: errcode.New(errcode.ErrTimeout, "invite %s", t.peer.Short())})
}

// finish ends t and runs its handler.
func (m *Manager) finish(t *ticket, state State, resp Response) {
	if m.outstanding[t.peer] == t {
		delete(m.outstanding, t.peer)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = state
	resp.From = t.peer
	resp.Bundle = t.bundle

	util.LogDebug("[%s] invite %s %s", t.peer.Short(), t.id[:8], state)
	t.handler(resp)
}

// Reply answers the latest invitation a friend sent with bundle. A non-zero
// status rejects it and requires a reason; data is only sent on success.
func (m *Manager) Reply(to ids.ID, bundle string, status int, reason string, data []byte) error {
	if err := m.checkFriend(to, "reply invite"); err != nil {
		return err
	}
	switch {
	case status != 0 && reason == "":
		return errcode.New(errcode.ErrInvalidArgs, "rejection without reason")
	case status == 0 && reason != "":
		return errcode.New(errcode.ErrInvalidArgs, "reason on confirmation")
	case len(reason) > MaxReasonLen:
		return errcode.New(errcode.ErrTooLong, "reason of %d bytes", len(reason))
	case len(data) > MaxDataLen:
		return errcode.New(errcode.ErrTooLong, "reply data of %d bytes", len(data))
	}

	key := inboundKey{peer: to, bundle: bundle}
	id, ok := m.inbound[key]
	if !ok {
		return errcode.New(errcode.ErrNoMatchedRequest, "reply invite %s", to.Short())
	}
	if !m.cfg.Friends.Online(to) {
		return errcode.New(errcode.ErrFriendOffline, "reply invite %s", to.Short())
	}
	delete(m.inbound, key)

	msg := &wire.Message{
		Type:   wire.TypeInviteReply,
		Ticket: id,
		Bundle: bundle,
		Status: int32(status),
		Reason: reason,
	}
	if status == 0 {
		msg.Data = data
	}
	return m.cfg.Send(to, msg)
}

// HandleMessage processes invitation traffic. It reports false for message
// types it does not own.
func (m *Manager) HandleMessage(from ids.ID, msg *wire.Message) bool {
	switch msg.Type {
	case wire.TypeInviteRequest:
		if !m.cfg.Friends.IsFriend(from) || len(msg.Data) == 0 || msg.Ticket == "" {
			util.LogDebug("[%s] invite request dropped", from.Short())
			return true
		}
		m.inbound[inboundKey{peer: from, bundle: msg.Bundle}] = msg.Ticket
		m.cfg.Emit(event.FriendInviteRequest{From: from, Bundle: msg.Bundle, Data: msg.Data})

	case wire.TypeInviteReply:
		t := m.outstanding[from]
		if t == nil || t.id != msg.Ticket {
			util.LogDebug("[%s] reply to unknown invite dropped", from.Short())
			return true
		}
		if msg.Status == 0 {
			m.finish(t, StateConfirmed, Response{Data: msg.Data})
			return true
		}
		m.finish(t, StateRejected, Response{
			Status: int(msg.Status),
			Reason: msg.Reason,
			Err:    errcode.New(errcode.ErrRejected, "invite status %d: %s", msg.Status, msg.Reason),
		})

	default:
		return false
	}
	return true
}

// Pending reports whether an invitation to peer awaits an answer.
func (m *Manager) Pending(peer ids.ID) bool {
	_, ok := m.outstanding[peer]
	return ok
}

// Forget cancels everything involving peer, e.g. after it stopped being a
// friend.
func (m *Manager) Forget(peer ids.ID) {
	if t := m.outstanding[peer]; t != nil {
		m.finish(t, StateCanceled, Response{Err: errcode.New(errcode.ErrCanceled, "friend %s removed", peer.Short())})
	}
	for key := range m.inbound {
		if key.peer == peer {
			delete(m.inbound, key)
		}
	}
}

// Close cancels every outstanding invitation.
func (m *Manager) Close() {
	for _, t := range m.outstanding {
		m.finish(t, StateCanceled, Response{Err: errcode.New(errcode.ErrCanceled, "node stopped")})
	}
	m.inbound = make(map[inboundKey]string)
}
