package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/protocol"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// Channel is a sub-flow of a multiplexed stream.
type Channel struct {
	s       *Stream
	id      uint16
	cookie  string
	service string
	forward bool
	owner   ChannelHandler // nil: events go to the stream handler

	seq [2]SeqGen

	mu             sync.Mutex
	state          ChannelState
	pendingOut     bool // OnPending is being delivered
	resumeDeferred bool // a drain arrived while OnPending was in flight

	once   sync.Once
	result chan error
}

func newChannel(s *Stream, cookie string) *Channel {
	return &Channel{
		s:      s,
		cookie: cookie,
		state:  ChannelOpening,
		result: make(chan error, 1),
	}
}

func (c *Channel) ID() uint16      { return c.id }
func (c *Channel) Cookie() string  { return c.cookie }
func (c *Channel) Service() string { return c.service }
func (c *Channel) Stream() *Stream { return c.s }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the peer accepted (nil) or refused the channel.
func (c *Channel) Wait(ctx context.Context) error {
	select {
	case err := <-c.result:
		c.result <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) complete(err error) {
	c.once.Do(func() { c.result <- err })
}

func (c *Channel) lane() link.Lane {
	if c.forward || c.s.opts.Has(OptionReliable) {
		return link.LaneReliable
	}
	return link.LaneLossy
}

func (c *Channel) sendControl(typ uint8, payload []byte) error {
	return c.s.m.send(link.LaneReliable, &protocol.Frame{
		Type:      typ,
		StreamID:  c.s.id,
		ChannelID: c.id,
		SeqNum:    c.seq[link.LaneReliable].Next(),
		Payload:   payload,
	})
}

// Write sends p on the channel. A congested link pauses the channel: the
// owner sees OnPending and writes fail with WouldBlock until OnResume.
func (c *Channel) Write(p []byte) (int, error) {
	switch st := c.State(); st {
	case ChannelOpen:
	case ChannelPaused:
		return 0, errcode.New(errcode.ErrWouldBlock, "channel %d paused", c.id)
	default:
		return 0, errcode.New(errcode.ErrWrongState, "channel %d is %s", c.id, st)
	}
	if err := c.s.connected(); err != nil {
		return 0, err
	}

	lane := c.lane()
	n := 0
	for len(p) > 0 {
		if c.s.m.congested() {
			c.pause()
			return n, errcode.New(errcode.ErrWouldBlock, "channel %d", c.id)
		}
		size := min(len(p), ChunkSize)
		f := &protocol.Frame{
			Type:      protocol.TypeData,
			StreamID:  c.s.id,
			ChannelID: c.id,
			SeqNum:    c.seq[lane].Next(),
			Payload:   p[:size],
		}
		if err := c.s.m.send(lane, f); err != nil {
			if errors.Is(err, link.ErrDropped) {
				c.pause()
				return n, errcode.New(errcode.ErrWouldBlock, "channel %d", c.id)
			}
			return n, err
		}
		n += size
		p = p[size:]
	}
	return n, nil
}

// Close closes the channel locally and tells the peer why. No close event
// is reported to the local owner.
func (c *Channel) Close(reason CloseReason) error {
	if !c.markClosed() {
		return errcode.New(errcode.ErrNotExist, "channel %d already closed", c.id)
	}
	c.s.forget(c.id)
	c.complete(errcode.New(errcode.ErrCanceled, "channel %d closed", c.id))
	metrics.Stats.Channel("closed")

	if err := c.sendControl(protocol.TypeClose, []byte{byte(reason)}); err != nil {
		util.LogDebug("[%04x/%04x] close notice: %v", c.s.id, c.id, err)
	}
	return nil
}

// markClosed moves the channel to Closed and reports whether it was open.
func (c *Channel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelClosed {
		return false
	}
	c.state = ChannelClosed
	return true
}

// ---------------------------------------------------------------------------
// Flow control
// ---------------------------------------------------------------------------

func (c *Channel) pause() {
	c.mu.Lock()
	if c.state != ChannelOpen {
		c.mu.Unlock()
		return
	}
	c.state = ChannelPaused
	c.pendingOut = true
	c.mu.Unlock()

	metrics.Stats.Backpressure()
	c.emitPending()

	c.mu.Lock()
	c.pendingOut = false
	deferred := c.resumeDeferred && c.state == ChannelPaused
	c.resumeDeferred = false
	if deferred {
		c.state = ChannelOpen
	}
	c.mu.Unlock()

	if deferred {
		c.emitResume()
		return
	}

	// The link may have drained before the channel was marked paused.
	if ln := c.s.m.link(); ln != nil && ln.Buffered() <= link.LowWaterMark {
		c.resume()
	}
}

func (c *Channel) resume() {
	c.mu.Lock()
	if c.state != ChannelPaused {
		c.mu.Unlock()
		return
	}
	if c.pendingOut {
		c.resumeDeferred = true
		c.mu.Unlock()
		return
	}
	c.state = ChannelOpen
	c.mu.Unlock()

	c.emitResume()
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (c *Channel) onOpenAck() {
	c.mu.Lock()
	if c.state != ChannelOpening {
		c.mu.Unlock()
		return
	}
	c.state = ChannelOpen
	c.mu.Unlock()

	c.complete(nil)
	metrics.Stats.Channel("opened")
	c.emitOpened()
}

func (c *Channel) onReject() {
	if !c.markClosed() {
		return
	}
	c.s.forget(c.id)
	c.complete(errcode.New(errcode.ErrChannelRejected, "channel %d", c.id))
	metrics.Stats.Channel("rejected")
	if c.forward {
		metrics.Stats.ForwardRejected()
	}
	c.emitClose(CloseRejected)
}

func (c *Channel) onRemoteClose(reason CloseReason) {
	if !c.markClosed() {
		return
	}
	c.s.forget(c.id)
	c.complete(errcode.New(errcode.ErrCanceled, "channel %d closed by peer", c.id))
	metrics.Stats.Channel("closed")
	c.emitClose(reason)
}

func (c *Channel) deliver(data []byte) bool {
	if st := c.State(); st != ChannelOpen && st != ChannelPaused {
		return false
	}
	if c.owner != nil {
		return c.owner.OnData(c, data)
	}
	return c.s.handler.OnChannelData(c.s, c.id, data)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (c *Channel) emitOpened() {
	if c.owner != nil {
		c.owner.OnOpened(c)
		return
	}
	c.s.handler.OnChannelOpened(c.s, c.id)
}

func (c *Channel) emitClose(reason CloseReason) {
	if c.owner != nil {
		c.owner.OnClose(c, reason)
		return
	}
	c.s.handler.OnChannelClose(c.s, c.id, reason)
}

func (c *Channel) emitPending() {
	if c.owner != nil {
		c.owner.OnPending(c)
		return
	}
	c.s.handler.OnChannelPending(c.s, c.id)
}

func (c *Channel) emitResume() {
	if c.owner != nil {
		c.owner.OnResume(c)
		return
	}
	c.s.handler.OnChannelResume(c.s, c.id)
}
