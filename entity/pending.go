package entity

import "go.entitycore.dev/core/entity/protocol"

// invocationKind tags a pendingInvocation as stashing (from Persist/PersistAll)
// or async (from PersistAsync/PersistAllAsync/DeferAsync). It's inspected on
// push and on pop to maintain pendingStashingCount, and by the S3 completion
// rule when a confirmed entry is popped.
type invocationKind int

const (
	kindAsync invocationKind = iota
	kindStashing
)

// eventHandler is invoked with the event payload once its persistence (or,
// for a deferred payload, its loop-back) is confirmed.
type eventHandler func(event interface{})

// pendingInvocation pairs an emitted event with the callback that must run
// once the event has been durably persisted (or looped back, for defer).
type pendingInvocation struct {
	event   interface{}
	handler eventHandler
	kind    invocationKind
}

// pendingQueue is the FIFO of event+handler pairs awaiting confirmation.
// pendingStashingCount tracks the number of kindStashing entries currently
// queued and must always equal the count of such entries in the queue.
type pendingQueue struct {
	items                []pendingInvocation
	pendingStashingCount int
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

func (q *pendingQueue) push(inv pendingInvocation) {
	q.items = append(q.items, inv)
	if inv.kind == kindStashing {
		q.pendingStashingCount++
	}
}

// front returns the oldest pending invocation without removing it.
func (q *pendingQueue) front() (pendingInvocation, bool) {
	if len(q.items) == 0 {
		return pendingInvocation{}, false
	}
	return q.items[0], true
}

// pop removes and returns the oldest pending invocation, decrementing
// pendingStashingCount when it was a stashing entry.
func (q *pendingQueue) pop() (pendingInvocation, bool) {
	if len(q.items) == 0 {
		return pendingInvocation{}, false
	}
	var inv = q.items[0]
	q.items = q.items[1:]
	if inv.kind == kindStashing {
		q.pendingStashingCount--
	}
	return inv, true
}

func (q *pendingQueue) empty() bool {
	return len(q.items) == 0
}

func (q *pendingQueue) stashing() bool {
	return q.pendingStashingCount > 0
}

// nextPersistentRepr builds a not-yet-finalized PersistentRepr for event,
// carrying sender through. Identity fields are stamped later, in
// flushBatch, only once the record actually joins the journal batch.
func nextPersistentRepr(event interface{}, sender interface{}) *protocol.PersistentRepr {
	return &protocol.PersistentRepr{Payload: event, Sender: sender}
}
