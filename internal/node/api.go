package node

import (
	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/invite"
	"github.com/1ureka/1ureka.net.carrier/internal/session"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// NodeID returns the node's id.
func (n *Node) NodeID() ids.ID { return n.self }

// UserID returns the id friends know this node by. It is the node id.
func (n *Node) UserID() ids.ID { return n.self }

// Address returns the shareable address, including the current nospam.
func (n *Node) Address() ids.Address {
	addr := ids.NewAddress(n.self, ids.Nospam{})
	n.exec(func() error {
		addr = n.friends.Address()
		return nil
	})
	return addr
}

func (n *Node) Nospam() ids.Nospam {
	var v ids.Nospam
	n.exec(func() error {
		v = n.friends.Nospam()
		return nil
	})
	return v
}

// SetNospam changes the nospam. Addresses handed out earlier stop working.
func (n *Node) SetNospam(v ids.Nospam) error {
	return n.exec(func() error {
		if v == n.friends.Nospam() {
			return nil
		}
		n.friends.SetNospam(v)
		n.dirty = true
		return nil
	})
}

func (n *Node) SelfInfo() wire.UserInfo {
	var info wire.UserInfo
	n.exec(func() error {
		info = n.friends.SelfInfo()
		return nil
	})
	return info
}

// SetSelfInfo stores info and shares it with online friends.
func (n *Node) SetSelfInfo(info wire.UserInfo) error {
	return n.exec(func() error {
		n.friends.SetSelfInfo(info)
		return nil
	})
}

func (n *Node) Presence() event.Presence {
	var p event.Presence
	n.exec(func() error {
		p = n.friends.Presence()
		return nil
	})
	return p
}

func (n *Node) SetPresence(p event.Presence) error {
	return n.exec(func() error {
		if err := n.friends.SetPresence(p); err != nil {
			return err
		}
		n.dirty = true
		return nil
	})
}

// IsReady reports whether the node is connected and its friend list was
// delivered.
func (n *Node) IsReady() bool { return n.ready.Load() }

// ---------------------------------------------------------------------------
// Friends
// ---------------------------------------------------------------------------

// AddFriend sends a friend request to the owner of address.
func (n *Node) AddFriend(address, hello string) error {
	addr, err := ids.ParseAddress(address)
	if err != nil {
		return errcode.Wrap(errcode.ErrBadAddress, err, "add friend")
	}
	return n.exec(func() error {
		if err := n.friends.AddFriend(addr, hello); err != nil {
			return err
		}
		n.dirty = true
		return nil
	})
}

// AcceptFriend accepts a pending friend request from peer.
func (n *Node) AcceptFriend(peer ids.ID) error {
	return n.exec(func() error { return n.friends.AcceptFriend(peer) })
}

func (n *Node) RemoveFriend(peer ids.ID) error {
	return n.exec(func() error { return n.friends.RemoveFriend(peer) })
}

// LabelFriend sets a local label on a friend.
func (n *Node) LabelFriend(peer ids.ID, label string) error {
	return n.exec(func() error { return n.friends.SetLabel(peer, label) })
}

func (n *Node) IsFriend(peer ids.ID) bool {
	var ok bool
	n.exec(func() error {
		ok = n.friends.IsFriend(peer)
		return nil
	})
	return ok
}

// Friends returns every friend, ordered by id.
func (n *Node) Friends() []event.FriendInfo {
	var out []event.FriendInfo
	n.exec(func() error {
		out = n.friends.Friends()
		return nil
	})
	return out
}

func (n *Node) Friend(peer ids.ID) (event.FriendInfo, error) {
	var info event.FriendInfo
	err := n.exec(func() error {
		var err error
		info, err = n.friends.Friend(peer)
		return err
	})
	return info, err
}

// SendFriendMessage delivers data to an online friend, best-effort.
func (n *Node) SendFriendMessage(to ids.ID, data []byte) error {
	return n.exec(func() error { return n.friends.SendMessage(to, data) })
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

// InviteFriend sends data to an online friend. h receives the outcome once,
// on the dispatcher goroutine, so it may call back into the node.
func (n *Node) InviteFriend(peer ids.ID, bundle string, data []byte, h invite.Handler) error {
	if h == nil {
		return errcode.New(errcode.ErrInvalidArgs, "nil handler")
	}
	return n.exec(func() error {
		return n.invites.Invite(peer, bundle, data, func(resp invite.Response) {
			n.deliver(func() { h(resp) })
		})
	})
}

// ReplyFriendInvite answers the latest invitation peer sent with bundle.
func (n *Node) ReplyFriendInvite(peer ids.ID, bundle string, status int, reason string, data []byte) error {
	return n.exec(func() error { return n.invites.Reply(peer, bundle, status, reason, data) })
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// NewSession creates a session with a friend. Its completion handler and
// stream callbacks run on node-internal goroutines that may call back into
// the node.
func (n *Node) NewSession(peer ids.ID) (*session.Session, error) {
	return n.sessions.NewSession(peer)
}
