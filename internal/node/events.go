package node

import (
	"context"

	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

type subscription struct {
	ch    chan event.Event
	done  chan struct{}
	queue *util.Mailbox[event.Event]
}

// publish hands ev to the sink and every subscriber, in order. It is safe
// for concurrent use.
func (n *Node) publish(ev event.Event) {
	util.LogDebugEvent("event", "kind", ev.Kind())
	n.dispatch.Push(func() {
		if n.sink != nil {
			n.sink(ev)
		}
		n.mu.Lock()
		for s := range n.subs {
			s.queue.Push(ev)
		}
		n.mu.Unlock()
	})
}

// deliver runs fn on the dispatcher, after every event published before it.
func (n *Node) deliver(fn func()) {
	if !n.dispatch.Push(fn) {
		util.LogDebug("dispatcher closed, callback dropped")
	}
}

// Subscribe returns a channel receiving every event published from now on,
// and a function that ends the subscription. A slow reader never stalls
// the node; events queue for it instead. The channel is closed after cancel
// or Stop.
func (n *Node) Subscribe() (<-chan event.Event, func()) {
	s := &subscription{
		ch:   make(chan event.Event),
		done: make(chan struct{}),
	}
	s.queue = util.NewMailbox(func(ev event.Event) {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	})
	go func() {
		<-s.queue.Done()
		close(s.ch)
	}()

	n.mu.Lock()
	if n.state == stateStopped {
		n.mu.Unlock()
		close(s.done)
		s.queue.Close()
		return s.ch, func() {}
	}
	n.subs[s] = struct{}{}
	n.mu.Unlock()

	return s.ch, func() { n.unsubscribe(s) }
}

func (n *Node) unsubscribe(s *subscription) {
	n.mu.Lock()
	_, ok := n.subs[s]
	delete(n.subs, s)
	n.mu.Unlock()
	if ok {
		close(s.done)
		s.queue.Close()
	}
}

// closeSubscriptions lets every subscriber drain what was already queued.
func (n *Node) closeSubscriptions() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[*subscription]struct{})
	n.mu.Unlock()
	for s := range subs {
		s.queue.Close()
	}
}

// WaitFor blocks until an event of type T satisfying match arrives on ch,
// ch is closed or ctx is done.
func WaitFor[T event.Event](ctx context.Context, ch <-chan event.Event, match func(T) bool) (T, error) {
	var zero T
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return zero, context.Canceled
			}
			if t, ok := ev.(T); ok && (match == nil || match(t)) {
				return t, nil
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
