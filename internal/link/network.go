package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// MemoryNetwork is an in-process control network. It behaves like the relay:
// datagrams to offline peers are dropped and presence is reported to
// watchers.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[ids.ID]*memoryEndpoint
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[ids.ID]*memoryEndpoint)}
}

type netEvent struct {
	from     ids.ID
	data     []byte
	presence *bool
	conn     *bool
}

type memoryEndpoint struct {
	net   *MemoryNetwork
	self  ids.ID
	inbox *util.Mailbox[netEvent]

	mu      sync.Mutex
	watches map[ids.ID]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Join attaches a node. A second Join with the same id replaces the first.
func (n *MemoryNetwork) Join(ctx context.Context, self ids.ID, h Handler) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := &memoryEndpoint{
		net:     n,
		self:    self,
		watches: make(map[ids.ID]struct{}),
		done:    make(chan struct{}),
	}
	ep.inbox = util.NewMailbox(func(ev netEvent) {
		switch {
		case ev.conn != nil:
			h.HandleConnection(*ev.conn)
		case ev.presence != nil:
			h.HandlePresence(ev.from, *ev.presence)
		default:
			h.HandleDatagram(ev.from, ev.data)
		}
	})

	n.mu.Lock()
	old := n.endpoints[self]
	n.endpoints[self] = ep
	n.mu.Unlock()

	if old != nil {
		old.shutdown(false)
	}

	connected := true
	ep.inbox.Push(netEvent{conn: &connected})
	n.broadcastPresence(self, true)
	return ep, nil
}

// Drop severs a node as if its network connection failed. Its handler sees
// HandleConnection(false) and watchers see it go offline.
func (n *MemoryNetwork) Drop(id ids.ID) {
	n.mu.Lock()
	ep := n.endpoints[id]
	n.mu.Unlock()
	if ep != nil {
		ep.shutdown(true)
	}
}

// Online reports whether id is attached.
func (n *MemoryNetwork) Online(id ids.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

func (n *MemoryNetwork) broadcastPresence(peer ids.ID, online bool) {
	n.mu.Lock()
	var watchers []*memoryEndpoint
	for id, ep := range n.endpoints {
		if id != peer && ep.watching(peer) {
			watchers = append(watchers, ep)
		}
	}
	n.mu.Unlock()

	for _, ep := range watchers {
		state := online
		ep.inbox.Push(netEvent{from: peer, presence: &state})
	}
}

func (e *memoryEndpoint) watching(peer ids.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watches[peer]
	return ok
}

func (e *memoryEndpoint) Self() ids.ID { return e.self }

func (e *memoryEndpoint) SendTo(ctx context.Context, to ids.ID, datagram []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	e.net.mu.Lock()
	dst := e.net.endpoints[to]
	e.net.mu.Unlock()

	if dst == nil {
		util.LogDebug("[%s] datagram to offline peer %s dropped", e.self.Short(), to.Short())
		return nil
	}
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	dst.inbox.Push(netEvent{from: e.self, data: buf})
	return nil
}

func (e *memoryEndpoint) Watch(peers []ids.ID) error {
	e.mu.Lock()
	added := make([]ids.ID, 0, len(peers))
	next := make(map[ids.ID]struct{}, len(peers))
	for _, p := range peers {
		next[p] = struct{}{}
		if _, ok := e.watches[p]; !ok {
			added = append(added, p)
		}
	}
	e.watches = next
	e.mu.Unlock()

	for _, p := range added {
		if e.net.Online(p) {
			online := true
			e.inbox.Push(netEvent{from: p, presence: &online})
		}
	}
	return nil
}

func (e *memoryEndpoint) Done() <-chan struct{} { return e.done }

func (e *memoryEndpoint) Close() error {
	e.shutdown(false)
	return nil
}

func (e *memoryEndpoint) shutdown(notify bool) {
	e.closeOnce.Do(func() {
		e.net.mu.Lock()
		if e.net.endpoints[e.self] == e {
			delete(e.net.endpoints, e.self)
		}
		e.net.mu.Unlock()

		if notify {
			connected := false
			e.inbox.Push(netEvent{conn: &connected})
		}
		e.inbox.Close()
		close(e.done)
		e.net.broadcastPresence(e.self, false)
	})
}

func (e *memoryEndpoint) String() string {
	return fmt.Sprintf("memory-endpoint(%s)", e.self.Short())
}
