package transport

import (
	"sync"

	"kexclusion/internal/wire"
)

// mailbox is an unbounded FIFO feeding a channel. Senders never block, so
// two peers sending to each other cannot deadlock.
type mailbox struct {
	mu     sync.Mutex
	queue  []wire.Message
	closed bool
	signal chan struct{} // buffered, size 1
	out    chan wire.Message
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		queue:  make([]wire.Message, 0, 64),
		signal: make(chan struct{}, 1),
		out:    make(chan wire.Message),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// push appends msg. Returns false if the mailbox is closed.
func (m *mailbox) push(msg wire.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.queue = append(m.queue, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (wire.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return wire.Message{}, false
	}
	msg := m.queue[0]
	if len(m.queue) == 1 {
		m.queue = m.queue[:0]
	} else {
		m.queue = m.queue[1:]
	}
	return msg, true
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		msg, ok := m.pop()
		if !ok {
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
