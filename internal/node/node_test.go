package node

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.carrier/internal/config"
	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/invite"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/portfwd"
	"github.com/1ureka/1ureka.net.carrier/internal/session"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	net *link.MemoryNetwork
	hub *link.MemoryHub
}

func newEnv() *testEnv {
	return &testEnv{
		net: link.NewMemoryNetwork(),
		hub: link.NewMemoryHub(link.MemoryOptions{}),
	}
}

type testNode struct {
	*Node
	dir    string
	events <-chan event.Event
}

func testConfig(dir, name string) *config.Config {
	cfg := config.Default()
	cfg.PersistentLocation = dir
	cfg.PollInterval = 50 * time.Millisecond
	cfg.Profile = wire.UserInfo{Name: name}
	return cfg
}

// start creates a node in dir (a fresh one when empty) and waits until it
// is ready.
func (e *testEnv) start(t *testing.T, name, dir string) *testNode {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	n, err := New(testConfig(dir, name), WithNetwork(e.net), WithTransport(e.hub.Transport()))
	require.NoError(t, err)
	events, cancel := n.Subscribe()
	t.Cleanup(func() {
		cancel()
		n.Stop()
	})

	require.NoError(t, n.Start(context.Background()))
	tn := &testNode{Node: n, dir: dir, events: events}
	waitEvent[event.Ready](t, tn, nil)
	assert.True(t, n.IsReady())
	return tn
}

func waitEvent[T event.Event](t *testing.T, n *testNode, match func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := WaitFor(ctx, n.events, match)
	require.NoError(t, err, "waiting for %T", ev)
	return ev
}

// befriend runs a complete friend request and acceptance between a and b.
func befriend(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.AddFriend(b.Address().String(), "hello bob"))

	req := waitEvent[event.FriendRequest](t, b, nil)
	assert.Equal(t, a.NodeID(), req.From)
	assert.Equal(t, "hello bob", req.Hello)
	assert.Equal(t, "alice", req.Info.Name)
	require.NoError(t, b.AcceptFriend(a.NodeID()))

	for _, p := range [][2]*testNode{{a, b}, {b, a}} {
		self, other := p[0], p[1]
		added := waitEvent[event.FriendAdded](t, self, nil)
		assert.Equal(t, other.NodeID(), added.Friend.ID)
		waitEvent(t, self, func(ev event.FriendConnection) bool {
			return ev.Peer == other.NodeID() && ev.Status == event.Connected
		})
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFriendAddAccept(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")

	befriend(t, alice, bob)
	assert.True(t, alice.IsFriend(bob.NodeID()))
	assert.True(t, bob.IsFriend(alice.NodeID()))

	info, err := alice.Friend(bob.NodeID())
	require.NoError(t, err)
	assert.Equal(t, "bob", info.Info.Name)
	assert.Equal(t, event.Connected, info.Status)

	err = alice.AddFriend(bob.Address().String(), "again")
	assert.ErrorIs(t, err, errcode.ErrAlreadyFriend)
	assert.ErrorIs(t, alice.AddFriend(alice.Address().String(), "me"), errcode.ErrSelfReference)
	assert.ErrorIs(t, alice.AddFriend("not-an-address", "hi"), errcode.ErrBadAddress)
}

func TestFriendMessage(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)

	require.NoError(t, alice.SendFriendMessage(bob.NodeID(), []byte("ping")))
	msg := waitEvent[event.FriendMessage](t, bob, nil)
	assert.Equal(t, alice.NodeID(), msg.From)
	assert.Equal(t, []byte("ping"), msg.Data)

	err := alice.SendFriendMessage(bob.NodeID(), make([]byte, 2049))
	assert.ErrorIs(t, err, errcode.ErrTooLong)
}

func TestRemoveFriendTwice(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)

	require.NoError(t, alice.RemoveFriend(bob.NodeID()))
	assert.False(t, alice.IsFriend(bob.NodeID()))
	assert.ErrorIs(t, alice.RemoveFriend(bob.NodeID()), errcode.ErrNotFriend)

	removed := waitEvent[event.FriendRemoved](t, bob, nil)
	assert.Equal(t, alice.NodeID(), removed.Peer)
	assert.Eventually(t, func() bool { return !bob.IsFriend(alice.NodeID()) }, 3*time.Second, 10*time.Millisecond)
}

func TestInviteRejected(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)

	responses := make(chan invite.Response, 1)
	require.NoError(t, alice.InviteFriend(bob.NodeID(), "", []byte("hello"), func(r invite.Response) {
		responses <- r
	}))

	req := waitEvent[event.FriendInviteRequest](t, bob, nil)
	assert.Equal(t, []byte("hello"), req.Data)
	require.NoError(t, bob.ReplyFriendInvite(alice.NodeID(), "", 5, "unknown-error", nil))

	select {
	case r := <-responses:
		assert.Equal(t, 5, r.Status)
		assert.Equal(t, "unknown-error", r.Reason)
		assert.Empty(t, r.Data)
		assert.ErrorIs(t, r.Err, errcode.ErrRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("invite handler never ran")
	}

	err := bob.ReplyFriendInvite(alice.NodeID(), "", 0, "", nil)
	assert.ErrorIs(t, err, errcode.ErrNoMatchedRequest)
}

func TestPortForwardingBetweenNodes(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	target := l.Addr().(*net.TCPAddr)

	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)

	const opts = mux.OptionReliable | mux.OptionPortForwarding
	sa, err := alice.NewSession(bob.NodeID())
	require.NoError(t, err)
	local, err := sa.AddStream(mux.StreamTypeApplication, opts, nil)
	require.NoError(t, err)
	replies := make(chan session.Reply, 1)
	require.NoError(t, sa.Request("", func(_ *session.Session, r session.Reply) { replies <- r }))

	req := waitEvent[event.SessionRequest](t, bob, nil)
	assert.Equal(t, alice.NodeID(), req.From)
	sb, err := bob.NewSession(alice.NodeID())
	require.NoError(t, err)
	_, err = sb.AddStream(mux.StreamTypeApplication, opts, nil)
	require.NoError(t, err)
	require.NoError(t, sb.AddService("echo", portfwd.ProtocolTCP, target.IP.String(), target.Port))
	require.NoError(t, sb.ReplyRequest(0, ""))
	require.NoError(t, sb.Start(req.SDP))

	var reply session.Reply
	select {
	case reply = <-replies:
	case <-time.After(3 * time.Second):
		t.Fatal("no session reply")
	}
	require.NoError(t, reply.Err)
	require.NoError(t, sa.Start(reply.SDP))
	require.Eventually(t, func() bool { return local.State() == mux.StateConnected }, 3*time.Second, 5*time.Millisecond)

	id, err := sa.OpenPortForwarding(local, "echo", portfwd.ProtocolTCP, "127.0.0.1", 0)
	require.NoError(t, err)
	fw, ok := sa.Forwarding(id)
	require.True(t, ok)

	conn, err := net.DialTimeout("tcp", fw.Addr.String(), 3*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	payload := bytes.Repeat([]byte{0xC3}, 1024)
	_, err = conn.Write(payload)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Ending the friendship tears the session down.
	require.NoError(t, alice.RemoveFriend(bob.NodeID()))
	select {
	case <-sa.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session outlived the friendship")
	}
}

func TestSessionNeedsFriend(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")

	_, err := alice.NewSession(bob.NodeID())
	assert.ErrorIs(t, err, errcode.ErrNoSuchPeer)
	_, err = alice.NewSession(alice.NodeID())
	assert.ErrorIs(t, err, errcode.ErrSelfReference)

	require.NoError(t, alice.AddFriend(bob.Address().String(), "hi"))
	_, err = alice.NewSession(bob.NodeID())
	assert.ErrorIs(t, err, errcode.ErrNotFriend)
}

func TestSessionAfterStop(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)

	require.NoError(t, alice.Stop())
	_, err := alice.NewSession(bob.NodeID())
	assert.ErrorIs(t, err, errcode.ErrWrongState)
}

func TestStartTwice(t *testing.T) {
	env := newEnv()
	n := env.start(t, "alice", "")

	err := n.Start(context.Background())
	assert.ErrorIs(t, err, errcode.ErrAlreadyRun)
	assert.Equal(t, errcode.AlreadyRun, errcode.Of(err))

	require.NoError(t, n.Stop())
	assert.NoError(t, n.Stop())
	assert.False(t, n.IsReady())
	assert.ErrorIs(t, n.Start(context.Background()), errcode.ErrWrongState)
	assert.ErrorIs(t, n.SetPresence(event.PresenceAway), errcode.ErrWrongState)
}

func TestStateSurvivesRestart(t *testing.T) {
	env := newEnv()
	alice := env.start(t, "alice", "")
	bob := env.start(t, "bob", "")
	befriend(t, alice, bob)
	require.NoError(t, alice.LabelFriend(bob.NodeID(), "buddy"))
	require.NoError(t, alice.SetSelfInfo(wire.UserInfo{Name: "alice", Region: "tw"}))
	id, addr := alice.NodeID(), alice.Address()
	require.NoError(t, alice.Stop())

	again := env.start(t, "ignored", alice.dir)
	assert.Equal(t, id, again.NodeID())
	assert.Equal(t, addr, again.Address())
	assert.Equal(t, "tw", again.SelfInfo().Region)

	friends := again.Friends()
	require.Len(t, friends, 1)
	assert.Equal(t, bob.NodeID(), friends[0].ID)
	assert.Equal(t, "buddy", friends[0].Label)
	assert.True(t, again.IsFriend(bob.NodeID()))
}

func TestCorruptState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, "alice")
	require.NoError(t, os.WriteFile(cfg.StatePath(), []byte("definitely not cbor"), 0o600))

	_, err := New(cfg, WithNetwork(link.NewMemoryNetwork()))
	assert.ErrorIs(t, err, errcode.ErrBadPersistentData)
	assert.Equal(t, errcode.BadPersistentData, errcode.Of(err))
}

func TestMismatchedKeyPair(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, "alice")
	n, err := New(cfg, WithNetwork(link.NewMemoryNetwork()))
	require.NoError(t, err)
	require.NoError(t, n.Stop())

	st, err := loadState(cfg.StatePath(), wire.UserInfo{})
	require.NoError(t, err)
	st.Public[0] ^= 0xFF
	require.NoError(t, writeState(cfg.StatePath(), st))

	_, err = New(cfg, WithNetwork(link.NewMemoryNetwork()))
	assert.ErrorIs(t, err, errcode.ErrBadPersistentData)
}

func TestIdleEvents(t *testing.T) {
	env := newEnv()
	n := env.start(t, "alice", "")
	waitEvent[event.Idle](t, n, nil)
	waitEvent[event.Idle](t, n, nil)
}

func TestSink(t *testing.T) {
	kinds := make(chan string, 64)
	n, err := New(testConfig(t.TempDir(), "alice"),
		WithNetwork(link.NewMemoryNetwork()),
		WithSink(func(ev event.Event) {
			select {
			case kinds <- ev.Kind():
			default:
			}
		}))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	var seen []string
	timeout := time.After(3 * time.Second)
	for len(seen) < 3 {
		select {
		case k := <-kinds:
			if k != "idle" {
				seen = append(seen, k)
			}
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []string{"connection", "friends-listed", "ready"}, seen)
}
