package friend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type delivery struct {
	from, to ids.ID
	msg      *wire.Message // nil for a presence report
	online   bool
}

// fakeNet connects registries through a queue that tests pump explicitly.
type fakeNet struct {
	regs    map[ids.ID]*Registry
	events  map[ids.ID][]event.Event
	watches map[ids.ID]map[ids.ID]bool
	queue   []delivery
	sent    map[ids.ID][]wire.Type
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		regs:    make(map[ids.ID]*Registry),
		events:  make(map[ids.ID][]event.Event),
		watches: make(map[ids.ID]map[ids.ID]bool),
		sent:    make(map[ids.ID][]wire.Type),
	}
}

func (n *fakeNet) add(id ids.ID, name string) *Registry {
	n.watches[id] = make(map[ids.ID]bool)
	r := New(Config{
		Self:   id,
		Nospam: ids.Nospam{1, 2, 3, 4},
		Info:   wire.UserInfo{Name: name},
		Send: func(to ids.ID, msg *wire.Message) error {
			n.sent[id] = append(n.sent[id], msg.Type)
			n.queue = append(n.queue, delivery{from: id, to: to, msg: msg})
			return nil
		},
		Emit: func(ev event.Event) { n.events[id] = append(n.events[id], ev) },
		Watch: func(peers []ids.ID) {
			next := make(map[ids.ID]bool)
			for _, p := range peers {
				next[p] = true
				if !n.watches[id][p] && n.regs[p] != nil {
					n.queue = append(n.queue, delivery{from: p, to: id, online: true})
				}
			}
			n.watches[id] = next
		},
	})
	n.regs[id] = r
	r.HandleConnection(true)
	return r
}

func (n *fakeNet) pump() {
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		dst := n.regs[d.to]
		if dst == nil {
			continue
		}
		if d.msg == nil {
			dst.HandlePresence(d.from, d.online)
			continue
		}
		dst.HandleMessage(d.from, d.msg)
	}
}

func kinds(evs []event.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

var (
	alice = ids.ID{0xA}
	bob   = ids.ID{0xB}
)

// befriended returns two registries that are already friends.
func befriended(t *testing.T) (*fakeNet, *Registry, *Registry) {
	t.Helper()
	n := newFakeNet()
	a, b := n.add(alice, "alice"), n.add(bob, "bob")
	require.NoError(t, a.AddFriend(ids.NewAddress(bob, b.Nospam()), "hello"))
	n.pump()
	require.NoError(t, b.AcceptFriend(alice))
	n.pump()
	require.True(t, a.IsFriend(bob))
	require.True(t, b.IsFriend(alice))
	n.events = make(map[ids.ID][]event.Event)
	return n, a, b
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAddAndAcceptFriend(t *testing.T) {
	n := newFakeNet()
	a, b := n.add(alice, "alice"), n.add(bob, "bob")

	require.NoError(t, a.AddFriend(ids.NewAddress(bob, b.Nospam()), "hello"))
	assert.Equal(t, Requested, a.State(bob))
	assert.False(t, a.IsFriend(bob), "friend only after the peer accepts")
	n.pump()

	require.Len(t, n.events[bob], 1)
	req, ok := n.events[bob][0].(event.FriendRequest)
	require.True(t, ok)
	assert.Equal(t, alice, req.From)
	assert.Equal(t, "hello", req.Hello)
	assert.Equal(t, "alice", req.Info.Name)

	require.NoError(t, b.AcceptFriend(alice))
	n.pump()

	assert.True(t, a.IsFriend(bob))
	assert.True(t, b.IsFriend(alice))
	for _, id := range []ids.ID{alice, bob} {
		ks := kinds(n.events[id])
		assert.Contains(t, ks, "friend-added")
		assert.Contains(t, ks, "friend-connection")
	}

	f, err := a.Friend(bob)
	require.NoError(t, err)
	assert.Equal(t, event.Connected, f.Status)
	assert.Equal(t, "bob", f.Info.Name)
}

func TestAddFriendValidation(t *testing.T) {
	n, a, _ := befriended(t)

	err := a.AddFriend(ids.Address{ID: alice}, "hi")
	assert.ErrorIs(t, err, errcode.ErrSelfReference)
	assert.Equal(t, errcode.InvalidArgs, errcode.Of(err))

	assert.ErrorIs(t, a.AddFriend(ids.Address{ID: ids.ID{9}}, ""), errcode.ErrInvalidArgs)
	long := make([]byte, MaxHelloLen+1)
	assert.ErrorIs(t, a.AddFriend(ids.Address{ID: ids.ID{9}}, string(long)), errcode.ErrTooLong)

	before := len(n.sent[alice])
	err = a.AddFriend(ids.Address{ID: bob}, "again")
	assert.ErrorIs(t, err, errcode.ErrAlreadyFriend)
	assert.Equal(t, errcode.AlreadyExist, errcode.Of(err))
	assert.Len(t, n.sent[alice], before, "nothing sent for an existing friend")
}

func TestAcceptWithoutRequest(t *testing.T) {
	n := newFakeNet()
	a := n.add(alice, "alice")
	assert.ErrorIs(t, a.AcceptFriend(bob), errcode.ErrNoMatchedRequest)
}

func TestRemoveFriendTwice(t *testing.T) {
	n, a, b := befriended(t)

	require.NoError(t, a.RemoveFriend(bob))
	assert.False(t, a.IsFriend(bob))
	err := a.RemoveFriend(bob)
	assert.ErrorIs(t, err, errcode.ErrNotFriend)
	assert.Equal(t, errcode.NotExist, errcode.Of(err))

	n.pump()
	assert.False(t, b.IsFriend(alice), "peer drops us too")
	assert.Equal(t, []string{"friend-removed"}, kinds(n.events[bob]))
}

func TestSetLabel(t *testing.T) {
	n, a, _ := befriended(t)

	require.NoError(t, a.SetLabel(bob, "Bobby"))
	require.Len(t, n.events[alice], 1)
	changed := n.events[alice][0].(event.FriendInfoChanged)
	assert.Equal(t, "Bobby", changed.Info.Label)

	err := a.SetLabel(alice, "me")
	assert.ErrorIs(t, err, errcode.ErrSelfReference)
	assert.Equal(t, errcode.NotExist, errcode.Of(err))

	err = a.SetLabel(ids.ID{7}, "x")
	assert.ErrorIs(t, err, errcode.ErrNotFriend)
	assert.Equal(t, errcode.NotExist, errcode.Of(err))

	long := make([]byte, MaxLabelLen+1)
	assert.ErrorIs(t, a.SetLabel(bob, string(long)), errcode.ErrTooLong)
}

func TestPresenceIsDeduplicated(t *testing.T) {
	n, a, _ := befriended(t)

	a.HandlePresence(bob, true)
	assert.Empty(t, n.events[alice], "already connected")

	a.HandlePresence(bob, false)
	a.HandlePresence(bob, false)
	assert.Equal(t, []event.Event{event.FriendConnection{Peer: bob, Status: event.Disconnected}}, n.events[alice])

	a.HandlePresence(bob, true)
	assert.Len(t, n.events[alice], 2)
}

func TestLosingOwnConnectionTakesFriendsOffline(t *testing.T) {
	n, a, _ := befriended(t)

	a.HandleConnection(false)
	assert.Equal(t, []event.Event{event.FriendConnection{Peer: bob, Status: event.Disconnected}}, n.events[alice])
	assert.False(t, a.Online(bob))
}

func TestSelfInfoAndPresenceReachFriends(t *testing.T) {
	n, a, b := befriended(t)

	a.SetSelfInfo(wire.UserInfo{Name: "alice", Region: "north"})
	require.NoError(t, a.SetPresence(event.PresenceBusy))
	assert.ErrorIs(t, a.SetPresence(event.Presence(9)), errcode.ErrInvalidArgs)
	n.pump()

	assert.Equal(t, []string{"self-info-changed"}, kinds(n.events[alice]))
	assert.Equal(t, []string{"friend-info-changed", "friend-presence"}, kinds(n.events[bob]))
	f, err := b.Friend(alice)
	require.NoError(t, err)
	assert.Equal(t, "north", f.Info.Region)
	assert.Equal(t, event.PresenceBusy, f.Presence)
}

func TestFriendMessages(t *testing.T) {
	n, a, _ := befriended(t)

	require.NoError(t, a.SendMessage(bob, []byte("hi")))
	n.pump()
	assert.Equal(t, []event.Event{event.FriendMessage{From: alice, Data: []byte("hi")}}, n.events[bob])

	assert.ErrorIs(t, a.SendMessage(bob, nil), errcode.ErrInvalidArgs)
	assert.ErrorIs(t, a.SendMessage(bob, make([]byte, MaxMessageLen+1)), errcode.ErrTooLong)
	assert.ErrorIs(t, a.SendMessage(ids.ID{7}, []byte("x")), errcode.ErrNotFriend)

	a.HandlePresence(bob, false)
	err := a.SendMessage(bob, []byte("x"))
	assert.ErrorIs(t, err, errcode.ErrFriendOffline)
	assert.Equal(t, errcode.FriendOffline, errcode.Of(err))
}

func TestRequestWithWrongNospamIsDropped(t *testing.T) {
	n := newFakeNet()
	a, b := n.add(alice, "alice"), n.add(bob, "bob")

	require.NoError(t, a.AddFriend(ids.NewAddress(bob, ids.Nospam{9, 9, 9, 9}), "hello"))
	n.pump()
	assert.Empty(t, n.events[bob])
	assert.ErrorIs(t, b.AcceptFriend(alice), errcode.ErrNoMatchedRequest)
}

func TestMutualRequestsBecomeFriends(t *testing.T) {
	n := newFakeNet()
	a, b := n.add(alice, "alice"), n.add(bob, "bob")

	require.NoError(t, a.AddFriend(ids.Address{ID: bob}, "hi bob"))
	require.NoError(t, b.AddFriend(ids.Address{ID: alice}, "hi alice"))
	n.pump()

	assert.True(t, a.IsFriend(bob))
	assert.True(t, b.IsFriend(alice))
}

func TestAddFriendAcceptsPendingRequest(t *testing.T) {
	n := newFakeNet()
	a, b := n.add(alice, "alice"), n.add(bob, "bob")

	require.NoError(t, a.AddFriend(ids.Address{ID: bob}, "hello"))
	n.pump()
	require.NoError(t, b.AddFriend(ids.Address{ID: alice}, "hello back"))
	n.pump()

	assert.True(t, a.IsFriend(bob))
	assert.True(t, b.IsFriend(alice))
}

func TestRecordsRoundTripThroughLoad(t *testing.T) {
	_, a, _ := befriended(t)
	require.NoError(t, a.SetLabel(bob, "b"))

	n2 := newFakeNet()
	restored := n2.add(alice, "alice")
	restored.Load(a.Records())

	f, err := restored.Friend(bob)
	require.NoError(t, err)
	assert.Equal(t, "b", f.Label)
	assert.Equal(t, event.Disconnected, f.Status, "everyone starts offline")
	assert.Equal(t, []ids.ID{bob}, restored.Watched())
}
