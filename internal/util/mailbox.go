package util

import "sync"

// Mailbox is an unbounded FIFO drained by a single goroutine. Push never
// blocks, so producers holding locks cannot deadlock against the consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	done   chan struct{}
}

// NewMailbox creates a Mailbox and starts a goroutine that calls fn for every
// pushed item, in order, until Close is called and the queue is drained.
func NewMailbox[T any](fn func(T)) *Mailbox[T] {
	m := &Mailbox[T]{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.loop(fn)
	return m
}

// Push appends an item. Items pushed after Close are dropped.
func (m *Mailbox[T]) Push(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, item)
	m.cond.Signal()
	return true
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting items. Already queued items are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Done is closed once the consumer goroutine has exited.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox[T]) loop(fn func(T)) {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.items) == 0 {
			m.mu.Unlock()
			return
		}
		item := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		fn(item)
	}
}
