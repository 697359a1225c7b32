package events

import (
	"sync"
)

// Mailbox is an unbounded FIFO drained by a single goroutine. Post never
// blocks, so producers such as transport callbacks are never held up by a
// slow consumer. Values are delivered in Post order.
type Mailbox[T any] struct {
	deliver func(T)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
	done    chan struct{}
	started bool
}

// NewMailbox creates a mailbox that hands each value to deliver.
func NewMailbox[T any](deliver func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		deliver: deliver,
		done:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the drain goroutine. Calling it more than once is a no-op.
func (m *Mailbox[T]) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go m.run()
}

// Post enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, v)
	m.cond.Signal()
	return true
}

// Close stops accepting values, delivers what is already queued and waits
// for the drain goroutine to exit.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if m.started {
			<-m.done
		}
		return
	}
	m.closed = true
	started := m.started
	m.cond.Broadcast()
	m.mu.Unlock()

	if started {
		<-m.done
	} else {
		close(m.done)
	}
}

// Pending returns the number of queued values not yet delivered.
func (m *Mailbox[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[T]) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.deliver(v)
	}
}
