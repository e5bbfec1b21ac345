package link

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
)

// MemoryOptions tunes in-process links.
type MemoryOptions struct {
	// Jitter is the upper bound of a random per-frame delivery delay.
	// Non-zero jitter reorders frames the way an unordered channel does.
	Jitter time.Duration
}

type queuedFrame struct {
	lane  Lane
	frame []byte
}

// memoryPair is the state shared by the two ends of an in-process link.
type memoryPair struct {
	mu        sync.Mutex
	cond      *sync.Cond
	done      chan struct{}
	closeOnce sync.Once
	opts      MemoryOptions
}

// MemoryLink is one end of an in-process Link.
type MemoryLink struct {
	pair *memoryPair
	peer *MemoryLink

	// guarded by pair.mu
	onFrame  func(Lane, []byte)
	onDrain  func()
	queue    []queuedFrame
	buffered int
	aboveLow bool
	paused   bool

	deliverMu sync.Mutex // serializes inbound handler calls
	ready     chan struct{}
}

var _ Link = (*MemoryLink)(nil)

// NewMemoryPair returns two connected, ready link ends.
func NewMemoryPair(opts MemoryOptions) (*MemoryLink, *MemoryLink) {
	p := &memoryPair{done: make(chan struct{}), opts: opts}
	p.cond = sync.NewCond(&p.mu)

	ready := make(chan struct{})
	close(ready)

	a := &MemoryLink{pair: p, ready: ready}
	b := &MemoryLink{pair: p, ready: ready}
	a.peer, b.peer = b, a

	go a.sendLoop()
	go b.sendLoop()
	return a, b
}

// Send queues a frame for the peer end.
func (l *MemoryLink) Send(lane Lane, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-l.pair.done:
		return ErrClosed
	default:
	}

	l.pair.mu.Lock()
	defer l.pair.mu.Unlock()

	if lane == LaneLossy && l.buffered > HighWaterMark {
		return ErrDropped
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	l.queue = append(l.queue, queuedFrame{lane: lane, frame: buf})
	l.buffered += len(buf)
	if l.buffered > LowWaterMark {
		l.aboveLow = true
	}
	l.pair.cond.Broadcast()
	return nil
}

// Buffered returns the number of bytes not yet delivered to the peer.
func (l *MemoryLink) Buffered() int {
	l.pair.mu.Lock()
	defer l.pair.mu.Unlock()
	return l.buffered
}

func (l *MemoryLink) OnFrame(fn func(Lane, []byte)) {
	l.pair.mu.Lock()
	l.onFrame = fn
	l.pair.cond.Broadcast()
	l.pair.mu.Unlock()
}

func (l *MemoryLink) OnDrain(fn func()) {
	l.pair.mu.Lock()
	l.onDrain = fn
	l.pair.mu.Unlock()
}

func (l *MemoryLink) Ready() <-chan struct{} { return l.ready }
func (l *MemoryLink) Done() <-chan struct{}  { return l.pair.done }

// Close tears down both ends.
func (l *MemoryLink) Close() error {
	l.pair.closeOnce.Do(func() {
		close(l.pair.done)
		l.pair.mu.Lock()
		l.pair.cond.Broadcast()
		l.pair.mu.Unlock()
	})
	return nil
}

// Pause stops delivery from this end; frames accumulate in Buffered.
func (l *MemoryLink) Pause() {
	l.pair.mu.Lock()
	l.paused = true
	l.pair.mu.Unlock()
}

// Resume restarts delivery after Pause.
func (l *MemoryLink) Resume() {
	l.pair.mu.Lock()
	l.paused = false
	l.pair.cond.Broadcast()
	l.pair.mu.Unlock()
}

func (l *MemoryLink) closed() bool {
	select {
	case <-l.pair.done:
		return true
	default:
		return false
	}
}

// sendLoop moves queued frames to the peer's handler until the pair closes.
func (l *MemoryLink) sendLoop() {
	for {
		l.pair.mu.Lock()
		for !l.closed() && (l.paused || len(l.queue) == 0 || l.peer.onFrame == nil) {
			l.pair.cond.Wait()
		}
		if l.closed() {
			l.pair.mu.Unlock()
			return
		}
		q := l.queue[0]
		l.queue[0] = queuedFrame{}
		l.queue = l.queue[1:]
		fn := l.peer.onFrame
		l.pair.mu.Unlock()

		if jitter := l.pair.opts.Jitter; jitter > 0 {
			delay := time.Duration(rand.Int64N(int64(jitter)))
			go func() {
				select {
				case <-time.After(delay):
				case <-l.pair.done:
					return
				}
				l.peer.deliver(fn, q)
			}()
		} else {
			l.peer.deliver(fn, q)
		}

		l.pair.mu.Lock()
		l.buffered -= len(q.frame)
		var drain func()
		if l.aboveLow && l.buffered <= LowWaterMark {
			l.aboveLow = false
			drain = l.onDrain
		}
		l.pair.mu.Unlock()

		if drain != nil {
			drain()
		}
	}
}

func (l *MemoryLink) deliver(fn func(Lane, []byte), q queuedFrame) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if l.closed() {
		return
	}
	fn(q.lane, q.frame)
}

// ---------------------------------------------------------------------------
// MemoryTransport
// ---------------------------------------------------------------------------

// MemoryHub pairs offers and answers of in-process transports.
type MemoryHub struct {
	opts MemoryOptions

	mu      sync.Mutex
	pending map[string]*MemoryLink // offer token -> initiator end
	links   []*MemoryLink
}

// NewMemoryHub creates a hub whose links use opts.
func NewMemoryHub(opts MemoryOptions) *MemoryHub {
	return &MemoryHub{opts: opts, pending: make(map[string]*MemoryLink)}
}

// Transport returns a Transport bound to the hub.
func (h *MemoryHub) Transport() Transport { return memoryTransport{hub: h} }

// Links returns every link end created so far, initiator ends first in
// each pair. Tests use it to pause or sever links.
func (h *MemoryHub) Links() []*MemoryLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*MemoryLink(nil), h.links...)
}

type memoryTransport struct{ hub *MemoryHub }

func (t memoryTransport) Offer(ctx context.Context, peer ids.ID) (Handshake, error) {
	token := "mem-offer:" + uuid.NewString()
	t.hub.mu.Lock()
	t.hub.pending[token] = nil
	t.hub.mu.Unlock()
	return &memoryHandshake{hub: t.hub, token: token, initiator: true}, nil
}

func (t memoryTransport) Answer(ctx context.Context, peer ids.ID, offer []byte) (Handshake, error) {
	token := string(offer)

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if a, ok := t.hub.pending[token]; !ok || a != nil {
		return nil, fmt.Errorf("answer %q: %w", token, ErrUnknownOffer)
	}

	a, b := NewMemoryPair(t.hub.opts)
	t.hub.pending[token] = a
	t.hub.links = append(t.hub.links, a, b)
	return &memoryHandshake{hub: t.hub, token: token, end: b}, nil
}

type memoryHandshake struct {
	hub       *MemoryHub
	token     string
	initiator bool
	end       *MemoryLink
}

func (h *memoryHandshake) Blob() []byte { return []byte(h.token) }

func (h *memoryHandshake) Connect(ctx context.Context, remote []byte) (Link, error) {
	if !h.initiator {
		return h.end, nil
	}
	if string(remote) != h.token {
		return nil, fmt.Errorf("connect: %w", ErrUnknownOffer)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	a := h.hub.pending[h.token]
	if a == nil {
		return nil, fmt.Errorf("connect %q: not answered: %w", h.token, ErrUnknownOffer)
	}
	delete(h.hub.pending, h.token)
	h.end = a
	return a, nil
}

func (h *memoryHandshake) Abort() error {
	h.hub.mu.Lock()
	a := h.hub.pending[h.token]
	delete(h.hub.pending, h.token)
	h.hub.mu.Unlock()

	if a != nil {
		return a.Close()
	}
	if h.end != nil {
		return h.end.Close()
	}
	return nil
}
