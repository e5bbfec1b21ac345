package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

type earlyFrame struct {
	lane link.Lane
	data []byte
}

// Link is a session link over one PeerConnection.
type Link struct {
	pc    *webrtc.PeerConnection
	lanes [2]*webrtc.DataChannel

	opened    atomic.Int32
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	onFrame func(link.Lane, []byte)
	onDrain func()
	early   []earlyFrame
}

var _ link.Link = (*Link)(nil)

// newLanes creates both pre-negotiated, unordered DataChannels. Negotiated
// mode lets both sides create them without relying on OnDataChannel; being
// unordered avoids head-of-line blocking between channels.
func newLanes(pc *webrtc.PeerConnection) ([2]*webrtc.DataChannel, error) {
	var lanes [2]*webrtc.DataChannel
	ordered := false
	negotiated := true

	reliableID := uint16(0)
	dc, err := pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &reliableID,
	})
	if err != nil {
		return lanes, fmt.Errorf("create reliable lane: %w", err)
	}
	lanes[link.LaneReliable] = dc

	lossyID := uint16(1)
	noRetransmits := uint16(0)
	dc, err = pc.CreateDataChannel("lossy", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		ID:             &lossyID,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return lanes, fmt.Errorf("create lossy lane: %w", err)
	}
	lanes[link.LaneLossy] = dc
	return lanes, nil
}

func newLink(pc *webrtc.PeerConnection) (*Link, error) {
	lanes, err := newLanes(pc)
	if err != nil {
		return nil, err
	}

	l := &Link{
		pc:    pc,
		lanes: lanes,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	for i, dc := range lanes {
		lane := link.Lane(i)
		dc.SetBufferedAmountLowThreshold(uint64(link.LowWaterMark))
		dc.OnBufferedAmountLow(l.drained)
		dc.OnOpen(func() {
			if l.opened.Add(1) == int32(len(lanes)) {
				close(l.ready)
			}
		})
		dc.OnClose(func() {
			util.LogDebug("webrtc %s lane closed", lane)
			l.shutdown()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			l.deliver(lane, msg.Data)
		})
	}

	// Lanes close on their own when the association dies; a failed peer
	// connection may never get there.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.shutdown()
		}
	})

	return l, nil
}

func (l *Link) deliver(lane link.Lane, data []byte) {
	l.mu.Lock()
	fn := l.onFrame
	if fn == nil {
		l.early = append(l.early, earlyFrame{lane: lane, data: data})
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn(lane, data)
}

func (l *Link) drained() {
	if l.Buffered() > link.LowWaterMark {
		return
	}
	l.mu.Lock()
	fn := l.onDrain
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Send hands frame to the lane's DataChannel. Lossy frames are refused with
// link.ErrDropped while the link is above the high watermark.
func (l *Link) Send(lane link.Lane, frame []byte) error {
	if len(frame) > link.MaxFrameSize {
		return link.ErrFrameTooLarge
	}
	select {
	case <-l.done:
		return link.ErrClosed
	default:
	}
	if lane == link.LaneLossy && l.Buffered() > link.HighWaterMark {
		return link.ErrDropped
	}
	if err := l.lanes[lane].Send(frame); err != nil {
		select {
		case <-l.done:
			return link.ErrClosed
		default:
			return fmt.Errorf("webrtc send on %s lane: %w", lane, err)
		}
	}
	return nil
}

// Buffered sums the buffered amounts of both lanes.
func (l *Link) Buffered() int {
	return int(l.lanes[0].BufferedAmount() + l.lanes[1].BufferedAmount())
}

func (l *Link) OnFrame(fn func(link.Lane, []byte)) {
	l.mu.Lock()
	l.onFrame = fn
	early := l.early
	l.early = nil
	l.mu.Unlock()

	for _, f := range early {
		fn(f.lane, f.data)
	}
}

func (l *Link) OnDrain(fn func()) {
	l.mu.Lock()
	l.onDrain = fn
	l.mu.Unlock()
}

func (l *Link) Ready() <-chan struct{} { return l.ready }
func (l *Link) Done() <-chan struct{}  { return l.done }

func (l *Link) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Close shuts down both lanes and the PeerConnection.
func (l *Link) Close() error {
	l.shutdown()
	return multierr.Combine(l.lanes[0].Close(), l.lanes[1].Close(), l.pc.Close())
}
