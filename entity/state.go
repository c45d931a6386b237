package entity

import log "github.com/sirupsen/logrus"

// entityState is a closed sum of the four states that drive all message
// dispatch: a named string type with self-describing constants, plus a
// mustState assertion used at the top of each per-state handler to catch a
// dispatch bug immediately rather than silently misbehaving.
type entityState string

const (
	// stateRecoveryStarted is entered on construction and after restart. It
	// requests the latest (or criteria-matching) snapshot.
	stateRecoveryStarted entityState = "recoveryStarted"
	// stateReplayStarted follows a snapshot load (or its absence) and drives
	// replay of journaled events into ReceiveRecover.
	stateReplayStarted entityState = "replayStarted"
	// stateProcessingCommands is the live state: messages are delivered to
	// ReceiveCommand, and the write pipeline may be idle or draining.
	stateProcessingCommands entityState = "processingCommands"
	// statePersistingEvents holds while at least one Persist/PersistAll
	// invocation is awaiting confirmation; incoming messages are stashed.
	statePersistingEvents entityState = "persistingEvents"
)

func (e *Entity) mustState(expect entityState) {
	if e.state != expect {
		log.WithFields(log.Fields{
			"persistenceId": e.persistenceID,
			"expect":        expect,
			"actual":        e.state,
		}).Panic("unexpected entity state")
	}
}
