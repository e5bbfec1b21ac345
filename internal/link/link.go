// Package link abstracts the channels a node uses to reach its peers.
//
// Two kinds of channel exist. An Endpoint carries small addressed control
// datagrams to any peer and reports peer liveness; it is provided by a
// Network (the websocket relay in production). A Link is a session data
// channel to one peer with a reliable and a best-effort lane and buffered
// amount tracking for flow control; it is built by a Transport from an
// offer/answer exchange (WebRTC in production).
package link

import (
	"context"
	"errors"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
)

// Lane selects the delivery guarantee of a frame.
type Lane uint8

const (
	// LaneReliable never loses frames but may reorder them.
	LaneReliable Lane = iota
	// LaneLossy may lose or reorder frames.
	LaneLossy
)

func (l Lane) String() string {
	if l == LaneLossy {
		return "lossy"
	}
	return "reliable"
}

// Flow control thresholds on a link's buffered amount.
const (
	HighWaterMark = 256 * 1024 // writers pause above this
	LowWaterMark  = 64 * 1024  // drain is signalled when dropping to this
	MaxFrameSize  = 64 * 1024
)

var (
	ErrClosed        = errors.New("link: closed")
	ErrFrameTooLarge = errors.New("link: frame too large")
	ErrUnknownOffer  = errors.New("link: unknown offer")
	// ErrDropped reports a lossy frame refused while the link is above
	// HighWaterMark.
	ErrDropped = errors.New("link: frame dropped")
)

// Link is a session data channel to one peer.
type Link interface {
	// Send queues a frame on a lane. It never blocks; callers consult
	// Buffered and OnDrain for backpressure. Lossy frames are refused with
	// ErrDropped while Buffered is above HighWaterMark.
	Send(lane Lane, frame []byte) error
	// Buffered returns the bytes queued but not yet handed to the network.
	Buffered() int
	// OnFrame registers the inbound frame handler. Frames are delivered from
	// a single goroutine per lane.
	OnFrame(fn func(lane Lane, frame []byte))
	// OnDrain registers a callback fired when Buffered drops to LowWaterMark.
	OnDrain(fn func())
	// Ready is closed once frames can flow.
	Ready() <-chan struct{}
	// Done is closed when the link is gone, locally or remotely.
	Done() <-chan struct{}
	Close() error
}

// Handshake is one side of a link being negotiated.
type Handshake interface {
	// Blob is the opaque payload to hand to the peer.
	Blob() []byte
	// Connect completes the handshake. The initiator passes the peer's
	// answer blob; the responder passes nil. The returned link may not be
	// ready yet.
	Connect(ctx context.Context, remote []byte) (Link, error)
	// Abort releases resources of a handshake that will not complete.
	Abort() error
}

// Transport creates session links.
type Transport interface {
	Offer(ctx context.Context, peer ids.ID) (Handshake, error)
	Answer(ctx context.Context, peer ids.ID, offer []byte) (Handshake, error)
}

// ---------------------------------------------------------------------------
// Control plane
// ---------------------------------------------------------------------------

// Handler receives what an Endpoint observes. Calls are serialized.
type Handler interface {
	HandleDatagram(from ids.ID, data []byte)
	HandlePresence(peer ids.ID, online bool)
	HandleConnection(connected bool)
}

// Endpoint is a node's attachment to the control network.
type Endpoint interface {
	Self() ids.ID
	// SendTo delivers a datagram best-effort; peers that are not online
	// silently miss it.
	SendTo(ctx context.Context, to ids.ID, datagram []byte) error
	// Watch replaces the set of peers whose presence is reported.
	Watch(peers []ids.ID) error
	Done() <-chan struct{}
	Close() error
}

// Network attaches nodes to the control plane.
type Network interface {
	Join(ctx context.Context, self ids.ID, h Handler) (Endpoint, error)
}
