// Package friend keeps the node's relationships: who is a friend, who asked
// to become one, who is online and what they share about themselves.
//
// A Registry is not safe for concurrent use. The node drives it from its
// protocol loop only.
package friend

import (
	"bytes"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Limits.
const (
	MaxHelloLen    = 256
	MaxLabelLen    = 63
	MaxMessageLen  = 2048
	maxPendingReqs = 128
)

// State is the relationship with a peer.
type State uint8

const (
	Stranger State = iota
	Requested
	Friend
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Friend:
		return "friend"
	default:
		return "stranger"
	}
}

// Record is the persisted form of a relationship.
type Record struct {
	ID       ids.ID                 `cbor:"1,keyasint"`
	State    State                  `cbor:"2,keyasint"`
	Label    string                 `cbor:"3,keyasint,omitempty"`
	Info     wire.UserInfo          `cbor:"4,keyasint"`
	Hello    string                 `cbor:"5,keyasint,omitempty"` // outgoing request greeting
	Nospam   []byte                 `cbor:"6,keyasint,omitempty"`
	Presence event.Presence         `cbor:"-"`
	Status   event.ConnectionStatus `cbor:"-"`
}

type request struct {
	info  wire.UserInfo
	hello string
}

// Sender transmits a control message to a peer, best-effort.
type Sender func(to ids.ID, msg *wire.Message) error

// Config wires a Registry to the node.
type Config struct {
	Self     ids.ID
	Nospam   ids.Nospam
	Info     wire.UserInfo
	Presence event.Presence

	Send Sender
	Emit event.Emitter
	// Watch receives the peers whose presence matters, whenever the set
	// changes.
	Watch func(peers []ids.ID)
	// OnRemoved runs after a friend is removed, locally or by the peer.
	OnRemoved func(peer ids.ID)
}

// Registry tracks relationships.
type Registry struct {
	cfg     Config
	records map[ids.ID]*Record
	pending *lru.Cache[ids.ID, request]
	online  bool // own connection
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	pending, err := lru.New[ids.ID, request](maxPendingReqs)
	if err != nil {
		panic("friend: " + err.Error())
	}
	if cfg.Emit == nil {
		cfg.Emit = func(event.Event) {}
	}
	return &Registry{
		cfg:     cfg,
		records: make(map[ids.ID]*Record),
		pending: pending,
	}
}

// ---------------------------------------------------------------------------
// Self
// ---------------------------------------------------------------------------

func (r *Registry) Self() ids.ID { return r.cfg.Self }

func (r *Registry) Nospam() ids.Nospam { return r.cfg.Nospam }

func (r *Registry) SetNospam(n ids.Nospam) { r.cfg.Nospam = n }

// Address is the address peers use to send requests to this node.
func (r *Registry) Address() ids.Address { return ids.NewAddress(r.cfg.Self, r.cfg.Nospam) }

func (r *Registry) SelfInfo() wire.UserInfo { return r.cfg.Info }

func (r *Registry) Presence() event.Presence { return r.cfg.Presence }

// SetSelfInfo stores info and shares it with online friends.
func (r *Registry) SetSelfInfo(info wire.UserInfo) {
	if info == r.cfg.Info {
		return
	}
	r.cfg.Info = info
	r.cfg.Emit(event.SelfInfoChanged{Info: info})
	r.broadcastInfo()
}

// SetPresence stores p and shares it with online friends.
func (r *Registry) SetPresence(p event.Presence) error {
	if !p.Valid() {
		return errcode.New(errcode.ErrInvalidArgs, "presence %d", p)
	}
	if p == r.cfg.Presence {
		return nil
	}
	r.cfg.Presence = p
	r.broadcastInfo()
	return nil
}

func (r *Registry) infoMessage() *wire.Message {
	info := r.cfg.Info
	return &wire.Message{Type: wire.TypeFriendInfo, Info: &info, Presence: uint8(r.cfg.Presence)}
}

func (r *Registry) broadcastInfo() {
	for _, rec := range r.records {
		if rec.State == Friend && rec.Status == event.Connected {
			r.send(rec.ID, r.infoMessage())
		}
	}
}

func (r *Registry) send(to ids.ID, msg *wire.Message) {
	if err := r.cfg.Send(to, msg); err != nil {
		util.LogDebug("[%s] send %s: %v", to.Short(), msg.Type, err)
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// AddFriend asks addr's owner to become a friend. A pending request from the
// same peer is accepted instead.
func (r *Registry) AddFriend(addr ids.Address, hello string) error {
	if addr.ID == r.cfg.Self {
		return errcode.New(errcode.ErrSelfReference, "add friend")
	}
	if hello == "" {
		return errcode.New(errcode.ErrInvalidArgs, "empty hello")
	}
	if len(hello) > MaxHelloLen {
		return errcode.New(errcode.ErrTooLong, "hello of %d bytes", len(hello))
	}

	rec := r.records[addr.ID]
	if rec != nil && rec.State == Friend {
		return errcode.New(errcode.ErrAlreadyFriend, "add friend %s", addr.ID.Short())
	}
	if _, ok := r.pending.Peek(addr.ID); ok {
		return r.AcceptFriend(addr.ID)
	}

	if rec == nil {
		rec = &Record{ID: addr.ID}
		r.records[addr.ID] = rec
	}
	rec.State = Requested
	rec.Hello = hello
	rec.Nospam = nil
	if addr.HasNospam {
		rec.Nospam = append([]byte(nil), addr.Nospam[:]...)
	}

	r.sendRequest(rec)
	r.rewatch()
	util.LogEvent("friend request sent", "peer", addr.ID.Short())
	return nil
}

func (r *Registry) sendRequest(rec *Record) {
	info := r.cfg.Info
	r.send(rec.ID, &wire.Message{
		Type:   wire.TypeFriendRequest,
		Info:   &info,
		Hello:  rec.Hello,
		Nospam: rec.Nospam,
	})
}

// AcceptFriend accepts the pending request from peer.
func (r *Registry) AcceptFriend(peer ids.ID) error {
	if peer == r.cfg.Self {
		return errcode.New(errcode.ErrSelfReference, "accept friend")
	}
	if r.IsFriend(peer) {
		return errcode.New(errcode.ErrAlreadyFriend, "accept friend %s", peer.Short())
	}
	req, ok := r.pending.Peek(peer)
	if !ok {
		return errcode.New(errcode.ErrNoMatchedRequest, "accept friend %s", peer.Short())
	}
	r.pending.Remove(peer)

	rec := r.records[peer]
	if rec == nil {
		rec = &Record{ID: peer}
		r.records[peer] = rec
	}
	rec.Info = req.info
	r.sendAccept(peer)
	r.befriend(rec)
	return nil
}

func (r *Registry) sendAccept(to ids.ID) {
	info := r.cfg.Info
	r.send(to, &wire.Message{Type: wire.TypeFriendAccept, Info: &info, Presence: uint8(r.cfg.Presence)})
}

func (r *Registry) befriend(rec *Record) {
	rec.State = Friend
	rec.Hello = ""
	rec.Nospam = nil
	util.LogEvent("friend added", "peer", rec.ID.Short())
	r.cfg.Emit(event.FriendAdded{Friend: rec.snapshot()})
	r.rewatch()

	// Presence may have been learned while the request was outstanding.
	if rec.Status == event.Connected {
		r.cfg.Emit(event.FriendConnection{Peer: rec.ID, Status: event.Connected})
		r.send(rec.ID, r.infoMessage())
	}
}

// RemoveFriend ends the friendship locally and notifies the peer.
func (r *Registry) RemoveFriend(peer ids.ID) error {
	if !r.IsFriend(peer) {
		return errcode.New(errcode.ErrNotFriend, "remove friend %s", peer.Short())
	}
	r.send(peer, &wire.Message{Type: wire.TypeFriendRemove})
	r.drop(peer)
	return nil
}

func (r *Registry) drop(peer ids.ID) {
	delete(r.records, peer)
	util.LogEvent("friend removed", "peer", peer.Short())
	r.cfg.Emit(event.FriendRemoved{Peer: peer})
	r.rewatch()
	if r.cfg.OnRemoved != nil {
		r.cfg.OnRemoved(peer)
	}
}

// SetLabel sets a local label on a friend.
func (r *Registry) SetLabel(peer ids.ID, label string) error {
	if peer == r.cfg.Self {
		return errcode.WithCode(errcode.ErrSelfReference, errcode.NotExist, "label friend")
	}
	rec := r.records[peer]
	if rec == nil || rec.State != Friend {
		return errcode.New(errcode.ErrNotFriend, "label friend %s", peer.Short())
	}
	if len(label) > MaxLabelLen {
		return errcode.New(errcode.ErrTooLong, "label of %d bytes", len(label))
	}
	if rec.Label == label {
		return nil
	}
	rec.Label = label
	r.cfg.Emit(event.FriendInfoChanged{Peer: peer, Info: rec.snapshot()})
	return nil
}

// SendMessage delivers an application message to an online friend.
func (r *Registry) SendMessage(to ids.ID, data []byte) error {
	if to == r.cfg.Self {
		return errcode.WithCode(errcode.ErrSelfReference, errcode.NotExist, "send message")
	}
	rec := r.records[to]
	if rec == nil || rec.State != Friend {
		return errcode.New(errcode.ErrNotFriend, "send message to %s", to.Short())
	}
	if len(data) == 0 {
		return errcode.New(errcode.ErrInvalidArgs, "empty message")
	}
	if len(data) > MaxMessageLen {
		return errcode.New(errcode.ErrTooLong, "message of %d bytes", len(data))
	}
	if rec.Status != event.Connected {
		return errcode.New(errcode.ErrFriendOffline, "send message to %s", to.Short())
	}
	return r.cfg.Send(to, &wire.Message{Type: wire.TypeFriendMessage, Data: data})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (r *Registry) IsFriend(peer ids.ID) bool {
	rec := r.records[peer]
	return rec != nil && rec.State == Friend
}

// State reports the relationship with peer.
func (r *Registry) State(peer ids.ID) State {
	if rec := r.records[peer]; rec != nil {
		return rec.State
	}
	return Stranger
}

// Online reports whether peer is a friend currently reachable.
func (r *Registry) Online(peer ids.ID) bool {
	rec := r.records[peer]
	return rec != nil && rec.State == Friend && rec.Status == event.Connected
}

// Friend returns a snapshot of one friend.
func (r *Registry) Friend(peer ids.ID) (event.FriendInfo, error) {
	rec := r.records[peer]
	if rec == nil || rec.State != Friend {
		return event.FriendInfo{}, errcode.New(errcode.ErrNotFriend, "friend %s", peer.Short())
	}
	return rec.snapshot(), nil
}

// Friends lists friends ordered by id.
func (r *Registry) Friends() []event.FriendInfo {
	out := make([]event.FriendInfo, 0, len(r.records))
	for _, rec := range r.records {
		if rec.State == Friend {
			out = append(out, rec.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b event.FriendInfo) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	return out
}

// Records returns every relationship for persistence.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.ID.Compare(b.ID) })
	return out
}

// Load replaces the relationships with persisted ones. Everyone starts
// offline.
func (r *Registry) Load(records []Record) {
	r.records = make(map[ids.ID]*Record, len(records))
	for _, rec := range records {
		if rec.State == Stranger || rec.ID == r.cfg.Self {
			continue
		}
		rec.Status = event.Disconnected
		rec.Presence = event.PresenceNone
		r.records[rec.ID] = &rec
	}
}

// Watched lists the peers whose presence the registry follows.
func (r *Registry) Watched() []ids.ID {
	out := make([]ids.ID, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b ids.ID) int { return a.Compare(b) })
	return out
}

func (r *Registry) rewatch() {
	if r.cfg.Watch != nil && r.online {
		r.cfg.Watch(r.Watched())
	}
}

func (rec *Record) snapshot() event.FriendInfo {
	return event.FriendInfo{
		ID:       rec.ID,
		Label:    rec.Label,
		Status:   rec.Status,
		Presence: rec.Presence,
		Info:     rec.Info,
	}
}

// ---------------------------------------------------------------------------
// Network input
// ---------------------------------------------------------------------------

// HandleConnection follows the node's own attachment. Losing it takes every
// friend offline.
func (r *Registry) HandleConnection(connected bool) {
	r.online = connected
	if connected {
		r.rewatch()
		return
	}
	for _, rec := range r.records {
		r.setStatus(rec, event.Disconnected)
	}
}

// HandlePresence follows a peer's attachment. Duplicate reports are
// swallowed.
func (r *Registry) HandlePresence(peer ids.ID, online bool) {
	rec := r.records[peer]
	if rec == nil {
		return
	}
	status := event.Disconnected
	if online {
		status = event.Connected
	}
	if !r.setStatus(rec, status) || !online {
		return
	}

	switch rec.State {
	case Friend:
		r.send(peer, r.infoMessage())
	case Requested:
		r.sendRequest(rec)
	}
}

// setStatus reports whether the status changed. Only friends emit events.
func (r *Registry) setStatus(rec *Record, status event.ConnectionStatus) bool {
	if rec.Status == status {
		return false
	}
	rec.Status = status
	if status == event.Disconnected {
		rec.Presence = event.PresenceNone
	}
	if rec.State == Friend {
		util.LogDebug("[%s] friend %s", rec.ID.Short(), status)
		r.cfg.Emit(event.FriendConnection{Peer: rec.ID, Status: status})
	}
	return true
}

// HandleMessage processes a friend-related control message. It reports
// false for message types it does not own.
func (r *Registry) HandleMessage(from ids.ID, msg *wire.Message) bool {
	switch msg.Type {
	case wire.TypeFriendRequest:
		r.onRequest(from, msg)
	case wire.TypeFriendAccept:
		r.onAccept(from, msg)
	case wire.TypeFriendRemove:
		if r.IsFriend(from) {
			r.drop(from)
		}
	case wire.TypeFriendInfo:
		r.onInfo(from, msg)
	case wire.TypeFriendMessage:
		if !r.IsFriend(from) || len(msg.Data) == 0 {
			util.LogDebug("[%s] message from non-friend dropped", from.Short())
			return true
		}
		r.cfg.Emit(event.FriendMessage{From: from, Data: msg.Data})
	default:
		return false
	}
	return true
}

func (r *Registry) onRequest(from ids.ID, msg *wire.Message) {
	if from == r.cfg.Self {
		return
	}
	if len(msg.Nospam) > 0 && !bytes.Equal(msg.Nospam, r.cfg.Nospam[:]) {
		util.LogDebug("[%s] friend request with stale nospam dropped", from.Short())
		return
	}
	var info wire.UserInfo
	if msg.Info != nil {
		info = *msg.Info
	}

	rec := r.records[from]
	switch {
	case rec != nil && rec.State == Friend:
		// The peer lost us; confirm again without bothering the application.
		r.sendAccept(from)
	case rec != nil && rec.State == Requested:
		rec.Info = info
		r.sendAccept(from)
		r.befriend(rec)
	default:
		if prev, ok := r.pending.Peek(from); ok && prev.hello == msg.Hello {
			r.pending.Add(from, request{info: info, hello: msg.Hello})
			return
		}
		r.pending.Add(from, request{info: info, hello: msg.Hello})
		util.LogEvent("friend request received", "peer", from.Short())
		r.cfg.Emit(event.FriendRequest{From: from, Info: info, Hello: msg.Hello})
	}
}

func (r *Registry) onAccept(from ids.ID, msg *wire.Message) {
	rec := r.records[from]
	if rec == nil {
		util.LogDebug("[%s] unsolicited friend accept dropped", from.Short())
		return
	}
	if msg.Info != nil {
		rec.Info = *msg.Info
	}
	if rec.State == Requested {
		rec.Presence = event.Presence(msg.Presence)
		r.befriend(rec)
	}
}

func (r *Registry) onInfo(from ids.ID, msg *wire.Message) {
	rec := r.records[from]
	if rec == nil || rec.State != Friend {
		return
	}
	if msg.Info != nil && *msg.Info != rec.Info {
		rec.Info = *msg.Info
		r.cfg.Emit(event.FriendInfoChanged{Peer: from, Info: rec.snapshot()})
	}
	if p := event.Presence(msg.Presence); p.Valid() && p != rec.Presence {
		rec.Presence = p
		r.cfg.Emit(event.FriendPresence{Peer: from, Presence: p})
	}
}
