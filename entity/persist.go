package entity

import (
	"context"

	"go.entitycore.dev/core/entity/protocol"
)

// Sender is an optional interface a command may implement to carry an
// opaque reply address through to its persisted PersistentRepr, mirroring
// the "originating command sender" field of a persisted record. It's purely
// conventional -- the core never interprets it.
type Sender interface {
	Sender() interface{}
}

// senderOf extracts a command's sender, or nil if it doesn't implement Sender.
func senderOf(cmd interface{}) interface{} {
	if s, ok := cmd.(Sender); ok {
		return s.Sender()
	}
	return nil
}

// Persist asynchronously appends event to the journal. handler runs once
// the write is confirmed. Between this call returning and handler running,
// no further ReceiveCommand invocation occurs for intervening messages --
// they are stashed until every Persist/PersistAll call made during the
// current command has had its handler run. Multiple Persist calls in one
// command compose: all their handlers run, in submission order, before the
// next command is processed.
func (e *Entity) Persist(event interface{}, sender interface{}, handler func(event interface{})) {
	e.pending.push(pendingInvocation{event: event, handler: handler, kind: kindStashing})
	e.prependEventBatch(&protocol.AtomicWrite{
		Records: []*protocol.PersistentRepr{nextPersistentRepr(event, sender)},
	})
}

// PersistAll is like Persist but durably writes all of events as a single
// atomic batch; one stashing pending-invocation entry is created per event,
// each invoking handler with its own event once the batch is confirmed.
// PersistAll(nil) is a no-op: no write, no handler invocation, no state
// change.
func (e *Entity) PersistAll(events []interface{}, sender interface{}, handler func(event interface{})) {
	if len(events) == 0 {
		return
	}
	var records = make([]*protocol.PersistentRepr, len(events))
	for i, ev := range events {
		records[i] = nextPersistentRepr(ev, sender)
		e.pending.push(pendingInvocation{event: ev, handler: handler, kind: kindStashing})
	}
	e.prependEventBatch(&protocol.AtomicWrite{Records: records})
}

// PersistAsync is like Persist, but permits commands received between the
// call and handler running to be processed; no internal stashing occurs.
func (e *Entity) PersistAsync(event interface{}, sender interface{}, handler func(event interface{})) {
	e.pending.push(pendingInvocation{event: event, handler: handler, kind: kindAsync})
	e.prependEventBatch(&protocol.AtomicWrite{
		Records: []*protocol.PersistentRepr{nextPersistentRepr(event, sender)},
	})
}

// PersistAllAsync is the batched async variant of PersistAsync.
func (e *Entity) PersistAllAsync(events []interface{}, sender interface{}, handler func(event interface{})) {
	if len(events) == 0 {
		return
	}
	var records = make([]*protocol.PersistentRepr, len(events))
	for i, ev := range events {
		records[i] = nextPersistentRepr(ev, sender)
		e.pending.push(pendingInvocation{event: ev, handler: handler, kind: kindAsync})
	}
	e.prependEventBatch(&protocol.AtomicWrite{Records: records})
}

// DeferAsync schedules handler to run, without persisting event, after the
// handlers of every Persist/PersistAsync call submitted before it. If there
// are no pending invocations at all, handler runs synchronously, before
// DeferAsync returns. Otherwise event is looped back through the journal
// (as a NonPersistentRepr) to preserve FIFO ordering with surrounding
// persists.
func (e *Entity) DeferAsync(event interface{}, sender interface{}, handler func(event interface{})) {
	if e.pending.empty() {
		handler(event)
		return
	}
	e.pending.push(pendingInvocation{event: event, handler: handler, kind: kindAsync})
	e.prependEventBatch(&protocol.NonPersistentRepr{Payload: event, Sender: sender})
}

// DeleteMessages fire-and-forgets a request to remove all journaled records
// up to and including toSeq. Failure surfaces via OnDeleteMessagesFailure.
func (e *Entity) DeleteMessages(ctx context.Context, toSeq protocol.SequenceNr) {
	e.journal.DeleteMessagesTo(ctx, &protocol.DeleteMessagesTo{
		PersistenceID: e.persistenceID,
		ToSequenceNr:  toSeq,
	}, e)
}

// prependEventBatch adds env to the front of eventBatch (LIFO); flushBatch
// walks it back to front-to-back submission order.
func (e *Entity) prependEventBatch(env protocol.Envelope) {
	e.eventBatch = append(e.eventBatch, nil)
	copy(e.eventBatch[1:], e.eventBatch)
	e.eventBatch[0] = env
}
