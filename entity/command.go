package entity

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.entitycore.dev/core/entity/protocol"
)

// handleProcessingCommands implements S2: live command processing.
func (e *Entity) handleProcessingCommands(ctx context.Context, msg interface{}) {
	e.mustState(stateProcessingCommands)

	if e.handleWritePipelineReply(ctx, msg) {
		return
	}

	if panicked := e.safeReceiveCommand(ctx, msg); panicked {
		// restart() has already drained both stashes, reset the write
		// pipeline and re-entered recovery for the new incarnation; there
		// is nothing left for afterCommand to reconcile. A ReceiveCommand
		// panic is a supervision event, not merely a "callback raised"
		// branch of the plain S2 unstash step.
		return
	}
	e.afterCommand(ctx)
}

// afterCommand runs the post-callback bookkeeping for S2: flush any
// emitted events, move to S3 if a Persist/PersistAll call is now pending
// confirmation, and otherwise unstash one message.
func (e *Entity) afterCommand(ctx context.Context) {
	if len(e.eventBatch) > 0 {
		e.flushBatch(ctx)
	}

	if e.pending.stashing() {
		e.state = statePersistingEvents
		return
	}

	e.unstashOneFromInternal()
}

// handlePersistingEvents implements S3: persist confirmation is pending
// and incoming messages are stashed.
func (e *Entity) handlePersistingEvents(ctx context.Context, msg interface{}) {
	e.mustState(statePersistingEvents)

	if e.handleWritePipelineReply(ctx, msg) {
		return
	}
	e.internalStash.Push(msg)
}

// safeReceiveCommand invokes ReceiveCommand, converting a panic into a
// handler exception: the error is logged, the entity restarts its
// per-incarnation bookkeeping, and the caller is told so it skips
// afterCommand. The stashed messages stay in the internal stash and are all
// unstashed once the new incarnation finishes recovery.
func (e *Entity) safeReceiveCommand(ctx context.Context, msg interface{}) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			e.restart(ctx, asError(r), msg)
		}
	}()
	e.behavior.ReceiveCommand(e, msg)
	return false
}

func (e *Entity) unstashAllFromInternal() {
	e.mbox.PrependFront(e.internalStash.DrainAll())
}

func (e *Entity) unstashOneFromInternal() {
	if msg, ok := e.internalStash.PopFront(); ok {
		e.mbox.PrependFront([]interface{}{msg})
	}
}

// isStaleWriteOrReplayReply reports whether msg is one of the reply kinds
// that reference a specific, possibly-stale incarnation's in-flight
// operation, and so must never be redelivered across a restart.
func isStaleWriteOrReplayReply(msg interface{}) bool {
	switch msg.(type) {
	case *protocol.WriteMessageSuccess, *protocol.WriteMessageRejected, *protocol.WriteMessageFailure,
		*protocol.LoopMessageSuccess, *protocol.ReplayedMessage:
		return true
	default:
		return false
	}
}

// handleWritePipelineReply handles write-pipeline replies for both S2 and
// S3. It returns true iff msg was a write-pipeline reply (handled here,
// regardless of instance id match); the caller must not also deliver msg to
// ReceiveCommand or the stash.
func (e *Entity) handleWritePipelineReply(ctx context.Context, msg interface{}) bool {
	switch m := msg.(type) {
	case *protocol.WriteMessageSuccess:
		if m.InstanceID != e.instanceID {
			return true // Stale reply; silently discard.
		}
		e.lastSequenceNr = m.Record.SequenceNr
		e.completeWrite(ctx, m.Record.Payload)
		return true

	case *protocol.WriteMessageRejected:
		if m.InstanceID != e.instanceID {
			return true
		}
		e.lastSequenceNr = m.Record.SequenceNr
		// The event was never persisted; its handler never runs, but the
		// pending entry must still be popped like any other completion.
		e.onWriteMessageComplete(ctx, false)
		e.callOnPersistRejected(m.Cause, m.Record.Payload, m.Record.SequenceNr)
		return true

	case *protocol.WriteMessageFailure:
		if m.InstanceID != e.instanceID {
			return true
		}
		e.onWriteMessageComplete(ctx, false)
		e.callOnPersistFailure(m.Cause, m.Record.Payload, m.Record.SequenceNr)
		e.stop()
		return true

	case *protocol.LoopMessageSuccess:
		if m.InstanceID != e.instanceID {
			return true
		}
		e.completeWrite(ctx, m.Payload)
		return true

	case *protocol.WriteMessagesSuccessful:
		if len(e.journalBatch) == 0 {
			e.writeInProgress = false
		} else {
			e.submitJournalBatch(ctx)
		}
		return true

	case *protocol.WriteMessagesFailed:
		log.WithFields(log.Fields{
			"persistenceId": e.persistenceID,
			"err":           m.Cause,
		}).Warn("entity: batch write failed; awaiting per-record failures")
		return true

	case *protocol.DeleteMessagesFailure:
		e.callOnDeleteMessagesFailure(m.Cause, m.ToSequenceNr)
		return true

	case *protocol.DeleteMessagesSuccess:
		return true

	default:
		return false
	}
}

// completeWrite invokes the pending handler for a successfully persisted or
// looped-back record and runs the shared completion bookkeeping.
func (e *Entity) completeWrite(ctx context.Context, payload interface{}) {
	inv, ok := e.pending.front()
	if !ok {
		log.WithField("persistenceId", e.persistenceID).Panic("entity: write completion with no pending invocation")
	}

	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				e.onWriteMessageComplete(ctx, true)
				panic(r) // Rethrow: the runtime's supervision policy decides restart or stop.
			}
		}()
		inv.handler(payload)
	}()
	if !panicked {
		// The handler may itself have called Persist/PersistAsync/DeferAsync,
		// growing eventBatch; those reentrant events need the same flush
		// afterCommand gives ones submitted directly from ReceiveCommand, or
		// their handlers never run and a stashing one leaves the entity
		// stuck in S3 forever.
		if len(e.eventBatch) > 0 {
			e.flushBatch(ctx)
		}
		e.onWriteMessageComplete(ctx, false)
	}
}

// onWriteMessageComplete pops the confirmed invocation and, in S3, runs the
// completion rule: once pendingStashingCount drops to zero, return to S2
// and unstash (all on error, one otherwise).
func (e *Entity) onWriteMessageComplete(ctx context.Context, handlerErred bool) {
	inv, ok := e.pending.pop()
	if !ok {
		return
	}

	if e.state != statePersistingEvents {
		return
	}
	if inv.kind != kindStashing {
		return
	}
	if e.pending.stashing() {
		return
	}

	e.state = stateProcessingCommands
	if handlerErred {
		e.unstashAllFromInternal()
	} else {
		e.unstashOneFromInternal()
	}
	addTrace(ctx, "%s: all pending stashing persists confirmed, resuming commands", e.persistenceID)
}

func (e *Entity) callOnPersistRejected(cause error, event interface{}, seqNr protocol.SequenceNr) {
	if hook, ok := e.behavior.(PersistRejectedHook); ok {
		hook.OnPersistRejected(cause, event, seqNr)
		return
	}
	log.WithFields(log.Fields{
		"persistenceId": e.persistenceID,
		"seqNr":         seqNr,
		"err":           cause,
	}).Warn("entity: persist rejected")
}

func (e *Entity) callOnPersistFailure(cause error, event interface{}, seqNr protocol.SequenceNr) {
	if hook, ok := e.behavior.(PersistFailureHook); ok {
		hook.OnPersistFailure(cause, event, seqNr)
		return
	}
	log.WithFields(log.Fields{
		"persistenceId": e.persistenceID,
		"seqNr":         seqNr,
		"err":           cause,
	}).Error("entity: persist failure, stopping")
}

func (e *Entity) callOnDeleteMessagesFailure(cause error, toSeqNr protocol.SequenceNr) {
	if hook, ok := e.behavior.(DeleteMessagesFailureHook); ok {
		hook.OnDeleteMessagesFailure(cause, toSeqNr)
		return
	}
	log.WithFields(log.Fields{
		"persistenceId": e.persistenceID,
		"toSeqNr":       toSeqNr,
		"err":           cause,
	}).Warn("entity: delete messages failed")
}
