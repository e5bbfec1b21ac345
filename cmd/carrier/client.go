package main

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/node"
	"github.com/1ureka/1ureka.net.carrier/internal/portfwd"
	"github.com/1ureka/1ureka.net.carrier/internal/session"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

const retryDelay = 5 * time.Second

// client befriends a host and forwards a local port to one of its services,
// renegotiating whenever the session ends.
type client struct {
	node    *node.Node
	service string
	local   int
}

func (c *client) run(ctx context.Context, events <-chan event.Event, address string) error {
	addr, err := ids.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse host address: %w", err)
	}
	peer := addr.ID

	if _, err := node.WaitFor[event.Ready](ctx, events, nil); err != nil {
		return err
	}
	if !c.node.IsFriend(peer) {
		if err := c.node.AddFriend(address, "carrier client"); err != nil {
			return fmt.Errorf("add host: %w", err)
		}
		util.LogInfo("friend request sent to %s, waiting for acceptance", peer.Short())
	}

	for {
		if !c.online(peer) {
			if _, err := node.WaitFor(ctx, events, func(ev event.FriendConnection) bool {
				return ev.Peer == peer && ev.Status == event.Connected
			}); err != nil {
				return err
			}
		}

		s, err := c.connect(ctx, peer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.LogWarning("session with %s: %v", peer.Short(), err)
		} else if err := c.hold(ctx, events, s); err != nil {
			return err
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// hold keeps s up until it ends or ctx is done. Events are drained
// meanwhile so that they do not pile up.
func (c *client) hold(ctx context.Context, events <-chan event.Event, s *session.Session) error {
	for {
		select {
		case <-s.Done():
			util.LogWarning("session with %s ended: %v", s.Peer().Short(), s.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				s.Close()
				return context.Canceled
			}
			if fc, isConn := ev.(event.FriendConnection); isConn && fc.Peer == s.Peer() {
				util.LogInfo("host %s %s", fc.Peer.Short(), fc.Status)
			}
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		}
	}
}

func (c *client) online(peer ids.ID) bool {
	info, err := c.node.Friend(peer)
	return err == nil && info.Status == event.Connected
}

// connect negotiates a session with one port forwarding stream and opens
// the local listener once the stream is connected.
func (c *client) connect(ctx context.Context, peer ids.ID) (*session.Session, error) {
	s, err := c.node.NewSession(peer)
	if err != nil {
		return nil, err
	}
	connected := make(chan struct{})
	st, err := s.AddStream(mux.StreamTypeApplication, forwardOptions, mux.HandlerFuncs{
		StateChanged: func(_ *mux.Stream, state mux.StreamState) {
			if state == mux.StateConnected {
				close(connected)
			}
		},
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	replies := make(chan session.Reply, 1)
	if err := s.Request("", func(_ *session.Session, r session.Reply) { replies <- r }); err != nil {
		s.Close()
		return nil, err
	}

	select {
	case r := <-replies:
		if r.Err != nil {
			s.Close()
			return nil, r.Err
		}
		if err := s.Start(r.SDP); err != nil {
			s.Close()
			return nil, err
		}
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	select {
	case <-connected:
	case <-s.Done():
		return nil, s.Err()
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	id, err := s.OpenPortForwarding(st, c.service, portfwd.ProtocolTCP, "127.0.0.1", c.local)
	if err != nil {
		s.Close()
		return nil, err
	}
	fw, _ := s.Forwarding(id)
	util.LogSuccess("P2P session established — %s forwards to %q on %s", fw.Addr, c.service, peer.Short())
	return s, nil
}
