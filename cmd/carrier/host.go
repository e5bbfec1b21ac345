package main

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/node"
	"github.com/1ureka/1ureka.net.carrier/internal/portfwd"
	"github.com/1ureka/1ureka.net.carrier/internal/session"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

const forwardOptions = mux.OptionReliable | mux.OptionPortForwarding

// host answers friend requests and session requests, exposing one local
// port as a named service.
type host struct {
	node    *node.Node
	service string
	target  int
	accept  bool

	sessions map[ids.ID]*session.Session
}

func (h *host) serve(ctx context.Context, events <-chan event.Event) {
	h.sessions = make(map[ids.ID]*session.Session)
	defer func() {
		for _, s := range h.sessions {
			s.Close()
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handle(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (h *host) handle(ev event.Event) {
	switch ev := ev.(type) {
	case event.Ready:
		util.LogSuccess("online — forwarding %q to 127.0.0.1:%d", h.service, h.target)

	case event.FriendRequest:
		if !h.accept && !h.confirm(ev) {
			util.LogInfo("friend request from %s ignored", ev.From.Short())
			return
		}
		if err := h.node.AcceptFriend(ev.From); err != nil {
			util.LogWarning("accept %s: %v", ev.From.Short(), err)
		}

	case event.FriendConnection:
		util.LogInfo("friend %s (%s) %s", ev.Peer.Short(), h.name(ev.Peer), ev.Status)

	case event.FriendRemoved:
		h.drop(ev.Peer)

	case event.SessionRequest:
		h.answer(ev)
	}
}

func (h *host) confirm(ev event.FriendRequest) bool {
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(pterm.Sprintf("Accept %s (%s): %q?", ev.From.Short(), ev.Info.Name, ev.Hello)).
		Show()
	return ok
}

func (h *host) name(peer ids.ID) string {
	info, err := h.node.Friend(peer)
	if err != nil || info.Info.Name == "" {
		return "unnamed"
	}
	return info.Info.Name
}

func (h *host) drop(peer ids.ID) {
	if s := h.sessions[peer]; s != nil {
		s.Close()
		delete(h.sessions, peer)
	}
}

// answer accepts a session with one port forwarding stream serving the
// target port. A newer request from the same friend replaces its session.
func (h *host) answer(req event.SessionRequest) {
	h.drop(req.From)

	s, err := h.node.NewSession(req.From)
	if err != nil {
		util.LogWarning("session with %s: %v", req.From.Short(), err)
		return
	}
	fail := func(err error) {
		util.LogWarning("session with %s: %v", req.From.Short(), err)
		s.Close()
	}

	if _, err := s.AddStream(mux.StreamTypeApplication, forwardOptions, nil); err != nil {
		fail(err)
		return
	}
	if err := s.AddService(h.service, portfwd.ProtocolTCP, "127.0.0.1", h.target); err != nil {
		fail(err)
		return
	}
	if err := s.ReplyRequest(0, ""); err != nil {
		fail(err)
		return
	}
	if err := s.Start(req.SDP); err != nil {
		fail(err)
		return
	}
	h.sessions[req.From] = s
	util.LogSuccess("session with %s negotiating", req.From.Short())
}
