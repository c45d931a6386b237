package entity

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.entitycore.dev/core/entity/protocol"
)

// startRecovery is the S0 entry action: it eagerly resolves nothing (the
// journal/snapshot store are already bound references, non-nil by
// construction) and requests the latest matching snapshot.
func (e *Entity) startRecovery(ctx context.Context) {
	e.state = stateRecoveryStarted
	addTrace(ctx, "%s: starting recovery", e.persistenceID)

	e.snapshots.LoadSnapshot(ctx, &protocol.LoadSnapshot{
		PersistenceID: e.persistenceID,
		Criteria:      e.recovery.FromSnapshot,
		ToSequenceNr:  e.recovery.ToSequenceNr,
	}, e)
}

// handleRecoveryStarted implements S0: requesting the latest snapshot.
func (e *Entity) handleRecoveryStarted(ctx context.Context, msg interface{}) {
	e.mustState(stateRecoveryStarted)

	result, ok := msg.(*protocol.LoadSnapshotResult)
	if !ok {
		e.internalStash.Push(msg)
		return
	}

	if result.Snapshot != nil {
		e.lastSequenceNr = result.Snapshot.Metadata.SequenceNr
		e.safeReceiveRecover(ctx, protocol.SnapshotOffer{
			Metadata: result.Snapshot.Metadata,
			Snapshot: result.Snapshot.Snapshot,
		})
	}

	e.state = stateReplayStarted
	addTrace(ctx, "%s: loaded snapshot (present=%t), replaying from %d",
		e.persistenceID, result.Snapshot != nil, e.lastSequenceNr+1)

	e.journal.ReplayMessages(ctx, &protocol.ReplayMessages{
		PersistenceID:  e.persistenceID,
		FromSequenceNr: e.lastSequenceNr + 1,
		ToSequenceNr:   result.ToSequenceNr,
		Max:            e.recovery.ReplayMax,
	}, e)
}

// handleReplayStarted implements S1: replaying journaled events. No events may be
// emitted from ReceiveRecover; the write pipeline is not active here.
func (e *Entity) handleReplayStarted(ctx context.Context, msg interface{}) {
	e.mustState(stateReplayStarted)

	switch m := msg.(type) {
	case *protocol.ReplayedMessage:
		e.lastSequenceNr = m.Record.SequenceNr
		if !e.safeReceiveRecover(ctx, m.Record.Payload) {
			return // onReplayFailure already called and the entity stopped.
		}

	case *protocol.ReplayMessagesSuccess:
		e.sequenceNr = m.HighestSequenceNr
		e.lastSequenceNr = m.HighestSequenceNr
		e.callOnReplaySuccess()

		e.state = stateProcessingCommands
		e.unstashAllFromInternal()
		addTrace(ctx, "%s: recovery completed at seq %d", e.persistenceID, e.lastSequenceNr)
		e.safeReceiveRecover(ctx, protocol.RecoveryCompleted{})

	case *protocol.ReplayMessagesFailure:
		e.callOnReplayFailure(m.Cause, nil)
		e.stop()

	default:
		e.internalStash.Push(msg)
	}
}

// safeReceiveRecover invokes ReceiveRecover, converting a panic into a
// replay failure and stopping the entity. It returns false if recovery was
// aborted.
func (e *Entity) safeReceiveRecover(ctx context.Context, event interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			e.callOnReplayFailure(asError(r), &event)
			e.stop()
		}
	}()
	e.behavior.ReceiveRecover(e, event)
	return true
}

func asError(r interface{}) error {
	if err, is := r.(error); is {
		return err
	}
	return fmt.Errorf("%v", r)
}

func (e *Entity) callOnReplaySuccess() {
	if hook, ok := e.behavior.(ReplaySuccessHook); ok {
		hook.OnReplaySuccess()
	}
}

func (e *Entity) callOnReplayFailure(cause error, event *interface{}) {
	if hook, ok := e.behavior.(ReplayFailureHook); ok {
		var payload interface{}
		if event != nil {
			payload = *event
		}
		hook.OnReplayFailure(cause, payload)
		return
	}
	log.WithFields(log.Fields{
		"persistenceId": e.persistenceID,
		"err":           cause,
	}).Error("entity: replay failure, stopping")
}
