package entity

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.entitycore.dev/core/entity/protocol"
)

// restart implements the restart procedure: a ReceiveCommand or
// persist-handler panic propagates here (via dispatch's
// recover, or directly from safeReceiveCommand). The entity drains both
// stashes -- filtering out stale write/replay replies that belong to the
// dying incarnation -- flushes the journal batch, reports the failure, and
// re-enters recovery under a fresh instance id and writer uuid.
//
// Sequence numbers are durable facts about the journal, not per-incarnation
// state, and survive the restart unchanged.
func (e *Entity) restart(ctx context.Context, cause error, failedMsg interface{}) {
	log.WithFields(log.Fields{
		"persistenceId": e.persistenceID,
		"instanceId":    e.instanceID,
		"err":           cause,
	}).Error("entity: handler panicked, restarting")

	// Merge the user-visible stash into the internal stash, preserving the
	// user stash's order ahead of the internal stash's own contents, so a
	// concurrent unstashAll from user code can't race the restart's drain.
	e.internalStash.Prepend(e.userStash)
	e.userStash.Clear()

	// Drop stale replies naming a now-dead incarnation; keep real commands
	// so they're not lost -- they'll be unstashed normally once the new
	// incarnation finishes recovery.
	var survivors = e.internalStash.DrainFiltered(isStaleWriteOrReplayReply)
	for _, msg := range survivors {
		e.internalStash.Push(msg)
	}

	// Submit whatever the dying incarnation had already batched, so those
	// events are still written. Their replies carry the old instance id and
	// are dropped on intake by the new incarnation.
	if len(e.journalBatch) > 0 {
		e.submitJournalBatch(ctx)
	}
	e.eventBatch = nil
	e.writeInProgress = false
	e.pending = newPendingQueue()

	e.callOnPreRestart(cause, unwrapReplyPayload(failedMsg))

	e.instanceID = nextInstanceID()
	e.writerUUID = uuid.NewString()
	e.startRecovery(ctx)
}

// unwrapReplyPayload implements the "propagate the failed message
// appropriately" rule: for WriteMessageSuccess,
// LoopMessageSuccess, and ReplayedMessage wrappers the inner payload is
// passed; for any other message, no payload is passed.
func unwrapReplyPayload(msg interface{}) interface{} {
	switch m := msg.(type) {
	case *protocol.WriteMessageSuccess:
		return m.Record.Payload
	case *protocol.LoopMessageSuccess:
		return m.Payload
	case *protocol.ReplayedMessage:
		return m.Record.Payload
	default:
		return nil
	}
}

func (e *Entity) callOnPreRestart(cause error, payload interface{}) {
	if hook, ok := e.behavior.(PreRestartHook); ok {
		hook.OnPreRestart(cause, payload)
	}
}
