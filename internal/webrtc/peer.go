// Package webrtc implements session links over a pion PeerConnection.
//
// Each link carries two pre-negotiated DataChannels: an unordered reliable
// lane and an unordered lane without retransmissions. The offer and answer
// blobs are complete SDPs (vanilla ICE), so one request/reply round of the
// session protocol is enough to connect.
package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// DefaultSTUNServers are used when Config leaves ICEServers empty.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const iceGatherTimeout = 10 * time.Second

// Config tunes peer connections.
type Config struct {
	// ICEServers are STUN/TURN URLs. Nil uses DefaultSTUNServers; an empty
	// non-nil slice disables them.
	ICEServers []string
	// Loopback adds loopback candidates, for same-host peers and tests.
	Loopback bool
	// DisableUDP restricts ICE to TCP candidates.
	DisableUDP bool
}

// Transport creates WebRTC session links.
type Transport struct {
	cfg Config
	api *webrtc.API
}

var _ link.Transport = (*Transport)(nil)

// NewTransport creates a Transport.
func NewTransport(cfg Config) *Transport {
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultSTUNServers
	}
	se := webrtc.SettingEngine{}
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if cfg.DisableUDP {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6})
	}
	return &Transport{cfg: cfg, api: webrtc.NewAPI(webrtc.WithSettingEngine(se))}
}

// newPeerConnection creates a PeerConnection with the configured ICE servers.
func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(t.cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	return t.api.NewPeerConnection(config)
}

// Offer creates the initiator side and gathers its candidates.
func (t *Transport) Offer(ctx context.Context, peer ids.ID) (link.Handshake, error) {
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l, err := newLink(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	blob, err := gather(ctx, pc, offer)
	if err != nil {
		pc.Close()
		return nil, err
	}

	util.LogDebug("[%s] webrtc offer ready (%d bytes)", peer.Short(), len(blob))
	return &handshake{pc: pc, link: l, blob: blob, initiator: true}, nil
}

// Answer creates the responder side from the peer's offer blob.
func (t *Transport) Answer(ctx context.Context, peer ids.ID, offer []byte) (link.Handshake, error) {
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l, err := newLink(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(offer),
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	blob, err := gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return nil, err
	}

	util.LogDebug("[%s] webrtc answer ready (%d bytes)", peer.Short(), len(blob))
	return &handshake{pc: pc, link: l, blob: blob}, nil
}

// gather applies the local description and waits for ICE gathering to
// complete, returning the full SDP.
func gather(ctx context.Context, pc *webrtc.PeerConnection, sdp webrtc.SessionDescription) ([]byte, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sdp); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return nil, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(pc.LocalDescription().SDP), nil
}

type handshake struct {
	pc        *webrtc.PeerConnection
	link      *Link
	blob      []byte
	initiator bool
}

func (h *handshake) Blob() []byte { return h.blob }

func (h *handshake) Connect(ctx context.Context, remote []byte) (link.Link, error) {
	if !h.initiator {
		return h.link, nil
	}
	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(remote),
	}); err != nil {
		return nil, fmt.Errorf("set remote answer: %w", err)
	}
	return h.link, nil
}

func (h *handshake) Abort() error {
	return h.link.Close()
}
