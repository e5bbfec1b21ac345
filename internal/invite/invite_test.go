package invite

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

var (
	alice = ids.ID{0xA}
	bob   = ids.ID{0xB}
)

type friends struct {
	friend map[ids.ID]bool
	online map[ids.ID]bool
}

func (f *friends) IsFriend(p ids.ID) bool { return f.friend[p] }
func (f *friends) Online(p ids.ID) bool   { return f.online[p] }

type sent struct {
	to  ids.ID
	msg *wire.Message
}

type side struct {
	m       *Manager
	friends *friends
	out     []sent
	events  []event.Event
	posted  chan func() // timer callbacks waiting for the "loop"
	sendErr error
}

func newSide(self, peer ids.ID, clk clock.Clock) *side {
	s := &side{
		friends: &friends{
			friend: map[ids.ID]bool{peer: true},
			online: map[ids.ID]bool{peer: true},
		},
		posted: make(chan func(), 16),
	}
	s.m = NewManager(Config{
		Self:    self,
		Friends: s.friends,
		Send: func(to ids.ID, msg *wire.Message) error {
			if s.sendErr != nil {
				return s.sendErr
			}
			s.out = append(s.out, sent{to, msg})
			return nil
		},
		Emit:  func(ev event.Event) { s.events = append(s.events, ev) },
		Post:  func(fn func()) { s.posted <- fn },
		Clock: clk,
	})
	return s
}

// runPosted runs the next timer callback, failing if none arrives.
func (s *side) runPosted(t *testing.T) {
	t.Helper()
	select {
	case fn := <-s.posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no timer callback posted")
	}
}

// assertNothingPosted checks that no timer callback is pending.
func (s *side) assertNothingPosted(t *testing.T) {
	t.Helper()
	select {
	case <-s.posted:
		t.Fatal("unexpected timer callback")
	case <-time.After(20 * time.Millisecond):
	}
}

// deliver hands everything from's outbox to to.
func deliver(from, to *side, fromID ids.ID) {
	out := from.out
	from.out = nil
	for _, s := range out {
		to.m.HandleMessage(fromID, s.msg)
	}
}

type responses struct {
	got []Response
}

func (r *responses) handle(resp Response) { r.got = append(r.got, resp) }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestInviteConfirmed(t *testing.T) {
	clk := clock.NewMock()
	a, b := newSide(alice, bob, clk), newSide(bob, alice, clk)
	var r responses

	require.NoError(t, a.m.Invite(bob, "", []byte("hello"), r.handle))
	assert.True(t, a.m.Pending(bob))
	deliver(a, b, alice)

	require.Len(t, b.events, 1)
	assert.Equal(t, event.FriendInviteRequest{From: alice, Data: []byte("hello")}, b.events[0])

	require.NoError(t, b.m.Reply(alice, "", 0, "", []byte("welcome")))
	deliver(b, a, bob)

	require.Len(t, r.got, 1)
	assert.NoError(t, r.got[0].Err)
	assert.Equal(t, 0, r.got[0].Status)
	assert.Equal(t, []byte("welcome"), r.got[0].Data)
	assert.False(t, a.m.Pending(bob))
}

func TestInviteRejected(t *testing.T) {
	clk := clock.NewMock()
	a, b := newSide(alice, bob, clk), newSide(bob, alice, clk)
	var r responses

	require.NoError(t, a.m.Invite(bob, "", []byte("hello"), r.handle))
	deliver(a, b, alice)
	require.NoError(t, b.m.Reply(alice, "", 5, "unknown-error", []byte("ignored")))
	assert.Nil(t, b.out[0].msg.Data, "rejections carry no data")
	deliver(b, a, bob)

	require.Len(t, r.got, 1)
	assert.Equal(t, 5, r.got[0].Status)
	assert.Equal(t, "unknown-error", r.got[0].Reason)
	assert.Empty(t, r.got[0].Data)
	assert.ErrorIs(t, r.got[0].Err, errcode.ErrRejected)
}

func TestInviteTimesOut(t *testing.T) {
	clk := clock.NewMock()
	a := newSide(alice, bob, clk)
	var r responses

	require.NoError(t, a.m.Invite(bob, "", []byte("hello"), r.handle))
	clk.Add(DefaultTimeout - time.Second)
	a.assertNothingPosted(t)
	clk.Add(2 * time.Second)
	a.runPosted(t)

	require.Len(t, r.got, 1)
	assert.ErrorIs(t, r.got[0].Err, errcode.ErrTimeout)
	assert.False(t, a.m.Pending(bob))

	// A late reply is ignored.
	a.m.HandleMessage(bob, &wire.Message{Type: wire.TypeInviteReply, Ticket: a.out[0].msg.Ticket})
	assert.Len(t, r.got, 1)
}

func TestSecondInviteCancelsFirst(t *testing.T) {
	clk := clock.NewMock()
	a, b := newSide(alice, bob, clk), newSide(bob, alice, clk)
	var first, second responses

	require.NoError(t, a.m.Invite(bob, "", []byte("one"), first.handle))
	require.NoError(t, a.m.Invite(bob, "", []byte("two"), second.handle))

	require.Len(t, first.got, 1)
	assert.ErrorIs(t, first.got[0].Err, errcode.ErrCanceled)

	deliver(a, b, alice)
	require.NoError(t, b.m.Reply(alice, "", 0, "", []byte("ok")))
	deliver(b, a, bob)

	assert.Len(t, first.got, 1, "replaced handler runs once")
	require.Len(t, second.got, 1)
	assert.NoError(t, second.got[0].Err)

	clk.Add(DefaultTimeout * 2)
	a.assertNothingPosted(t)
	assert.Len(t, first.got, 1)
	assert.Len(t, second.got, 1)
}

func TestFailedInviteKeepsOutstanding(t *testing.T) {
	clk := clock.NewMock()
	a, b := newSide(alice, bob, clk), newSide(bob, alice, clk)
	var first, second responses

	require.NoError(t, a.m.Invite(bob, "", []byte("one"), first.handle))
	a.sendErr = errcode.New(errcode.ErrNotReady, "no endpoint")
	assert.ErrorIs(t, a.m.Invite(bob, "", []byte("two"), second.handle), errcode.ErrNotReady)
	a.sendErr = nil

	assert.Empty(t, first.got, "the earlier invite is not canceled")
	assert.Empty(t, second.got)
	assert.True(t, a.m.Pending(bob))

	deliver(a, b, alice)
	require.NoError(t, b.m.Reply(alice, "", 0, "", []byte("ok")))
	deliver(b, a, bob)

	require.Len(t, first.got, 1)
	assert.NoError(t, first.got[0].Err)
	assert.Equal(t, []byte("ok"), first.got[0].Data)
	assert.Empty(t, second.got)
}

func TestInviteValidation(t *testing.T) {
	clk := clock.NewMock()
	a := newSide(alice, bob, clk)
	var r responses

	err := a.m.Invite(alice, "", []byte("x"), r.handle)
	assert.ErrorIs(t, err, errcode.ErrSelfReference)
	assert.Equal(t, errcode.NotExist, errcode.Of(err))

	err = a.m.Invite(ids.ID{7}, "", []byte("x"), r.handle)
	assert.ErrorIs(t, err, errcode.ErrNotFriend)
	assert.Equal(t, errcode.NotExist, errcode.Of(err))

	assert.ErrorIs(t, a.m.Invite(bob, "", nil, r.handle), errcode.ErrInvalidArgs)
	assert.ErrorIs(t, a.m.Invite(bob, "", []byte("x"), nil), errcode.ErrInvalidArgs)
	assert.ErrorIs(t, a.m.Invite(bob, "", make([]byte, MaxDataLen+1), r.handle), errcode.ErrTooLong)

	a.friends.online[bob] = false
	assert.ErrorIs(t, a.m.Invite(bob, "", []byte("x"), r.handle), errcode.ErrFriendOffline)
	assert.Empty(t, a.out)
}

func TestReplyValidation(t *testing.T) {
	clk := clock.NewMock()
	b := newSide(bob, alice, clk)

	assert.ErrorIs(t, b.m.Reply(alice, "", 0, "", nil), errcode.ErrNoMatchedRequest)

	b.m.HandleMessage(alice, &wire.Message{Type: wire.TypeInviteRequest, Ticket: "t1", Bundle: "b", Data: []byte("x")})
	assert.ErrorIs(t, b.m.Reply(alice, "b", 3, "", nil), errcode.ErrInvalidArgs)
	assert.ErrorIs(t, b.m.Reply(alice, "b", 0, "why", nil), errcode.ErrInvalidArgs)
	assert.ErrorIs(t, b.m.Reply(alice, "other", 0, "", nil), errcode.ErrNoMatchedRequest)

	require.NoError(t, b.m.Reply(alice, "b", 0, "", []byte("y")))
	assert.Equal(t, "t1", b.out[0].msg.Ticket)
	assert.ErrorIs(t, b.m.Reply(alice, "b", 0, "", nil), errcode.ErrNoMatchedRequest, "answered once")
}

func TestRequestsFromStrangersAreDropped(t *testing.T) {
	b := newSide(bob, alice, clock.NewMock())
	b.m.HandleMessage(ids.ID{7}, &wire.Message{Type: wire.TypeInviteRequest, Ticket: "t", Data: []byte("x")})
	assert.Empty(t, b.events)
}

func TestForgetAndCloseCancelOnce(t *testing.T) {
	clk := clock.NewMock()
	a := newSide(alice, bob, clk)
	var r responses

	require.NoError(t, a.m.Invite(bob, "", []byte("x"), r.handle))
	a.m.Forget(bob)
	a.m.Close()
	clk.Add(DefaultTimeout * 2)
	a.assertNothingPosted(t)

	require.Len(t, r.got, 1)
	assert.ErrorIs(t, r.got[0].Err, errcode.ErrCanceled)
}
