// Package mailbox supplies the runtime capabilities an entity assumes but
// does not itself implement: deterministic FIFO message delivery, and a
// stash discipline that lets the entity defer a message and later re-deliver
// it ahead of anything that has arrived in the meantime. It is deliberately
// single-entity -- no routing, no supervision tree, no clustering.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is a FIFO queue of messages, safe for concurrent Send from many
// goroutines and single-consumer Receive from the entity's own run loop.
type Mailbox struct {
	mu     sync.Mutex
	buf    []interface{}
	notify chan struct{}
}

// New returns an empty Mailbox.
func New() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Send enqueues msg at the back of the mailbox.
func (m *Mailbox) Send(msg interface{}) {
	m.mu.Lock()
	m.buf = append(m.buf, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// PrependFront re-queues msgs at the front of the mailbox, ahead of anything
// already queued. Used by Stash's unstash operations.
func (m *Mailbox) PrependFront(msgs []interface{}) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	m.buf = append(append([]interface{}{}, msgs...), m.buf...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available or ctx is done.
func (m *Mailbox) Receive(ctx context.Context) (interface{}, bool) {
	for {
		m.mu.Lock()
		if len(m.buf) > 0 {
			var msg = m.buf[0]
			m.buf = m.buf[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the number of messages currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}
