// Package entity implements the event-sourced entity core: a single-entity
// state machine that sits between a user-defined command handler and a
// persistent event journal. See SPEC_FULL.md for the full design.
package entity

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.entitycore.dev/core/entity/mailbox"
	"go.entitycore.dev/core/entity/protocol"
)

// Behavior is implemented by user code. ReceiveRecover is invoked once per
// replayed event (and once with protocol.SnapshotOffer when a snapshot was
// found, and once with protocol.RecoveryCompleted); ReceiveCommand is invoked once per live
// message. Both receive the Entity so they can call its persist API.
type Behavior interface {
	PersistenceID() string
	ReceiveRecover(e *Entity, event interface{})
	ReceiveCommand(e *Entity, cmd interface{})
}

// Optional hook interfaces a Behavior may additionally implement. An entity
// falls back to logging via logrus when a hook isn't implemented.
type (
	ReplaySuccessHook         interface{ OnReplaySuccess() }
	ReplayFailureHook         interface{ OnReplayFailure(cause error, event interface{}) }
	PersistRejectedHook       interface{ OnPersistRejected(cause error, event interface{}, seqNr protocol.SequenceNr) }
	PersistFailureHook        interface{ OnPersistFailure(cause error, event interface{}, seqNr protocol.SequenceNr) }
	DeleteMessagesFailureHook interface{ OnDeleteMessagesFailure(cause error, toSeqNr protocol.SequenceNr) }
	PreRestartHook            interface{ OnPreRestart(cause error, message interface{}) }
)

var instanceIDCounter uint32

// nextInstanceID returns a process-wide, monotonically increasing id. It is
// the only global state in the package; wraparound after 2^32 restarts is
// acceptable because it cannot happen within a single journal round-trip.
func nextInstanceID() uint32 {
	return atomic.AddUint32(&instanceIDCounter, 1)
}

// Entity is one running instance of a persistent entity. Construct with
// New, then drive it with Run. Run exits when ctx is cancelled or the
// entity stops itself following a replay or persist failure.
type Entity struct {
	behavior  Behavior
	journal   protocol.Journal
	snapshots protocol.SnapshotStore
	recovery  protocol.Recovery

	persistenceID string
	instanceID    uint32
	writerUUID    string

	maxMessageBatchSize int

	mbox          *mailbox.Mailbox
	internalStash *mailbox.Stash
	userStash     *mailbox.Stash

	lastSequenceNr protocol.SequenceNr
	sequenceNr     protocol.SequenceNr

	pending         *pendingQueue
	eventBatch      []protocol.Envelope // LIFO: index 0 is most recently emitted.
	journalBatch    []protocol.Envelope
	writeInProgress bool

	state   entityState
	stopped bool
}

// Option configures an Entity at construction.
type Option func(*Entity)

// WithRecovery overrides the default (latest snapshot, unbounded replay)
// recovery descriptor.
func WithRecovery(r protocol.Recovery) Option {
	return func(e *Entity) { e.recovery = r }
}

// WithMaxMessageBatchSize caps the size of a single WriteMessages batch.
// The default is 100, matching common journal-plugin defaults in the
// akka-persistence ecosystem.
func WithMaxMessageBatchSize(n int) Option {
	return func(e *Entity) {
		if n > 0 {
			e.maxMessageBatchSize = n
		}
	}
}

// New constructs an Entity for behavior, backed by journal and snapshots.
func New(behavior Behavior, journal protocol.Journal, snapshots protocol.SnapshotStore, opts ...Option) *Entity {
	var e = &Entity{
		behavior:            behavior,
		journal:             journal,
		snapshots:           snapshots,
		recovery:            protocol.DefaultRecovery(),
		persistenceID:       behavior.PersistenceID(),
		instanceID:          nextInstanceID(),
		writerUUID:          uuid.NewString(),
		maxMessageBatchSize: 100,
		mbox:                mailbox.New(),
		internalStash:       mailbox.NewStash(),
		userStash:           mailbox.NewStash(),
		pending:             newPendingQueue(),
		state:               stateRecoveryStarted,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PersistenceID returns the entity's stable identity.
func (e *Entity) PersistenceID() string { return e.persistenceID }

// InstanceID returns the process-unique counter stamped on this incarnation.
func (e *Entity) InstanceID() uint32 { return e.instanceID }

// LastSequenceNr returns the highest sequence number observed so far.
func (e *Entity) LastSequenceNr() protocol.SequenceNr { return e.lastSequenceNr }

// Send delivers msg to the entity's mailbox for processing on its run loop.
// Safe to call from any goroutine.
func (e *Entity) Send(msg interface{}) {
	e.mbox.Send(msg)
}

// Stash defers the currently-dispatched message via the user-visible stash,
// available for Behaviors that want ordinary akka-style ad hoc stashing in
// addition to the core's own internal stashing. It is drained into the
// internal stash on restart and is otherwise the caller's responsibility to
// unstash.
func (e *Entity) Stash(msg interface{}) {
	e.userStash.Push(msg)
}

// UnstashAll re-delivers every message held in the user-visible stash, ahead
// of anything already queued.
func (e *Entity) UnstashAll() {
	e.mbox.PrependFront(e.userStash.DrainAll())
}

// Run drives the entity until ctx is cancelled or it stops itself. It is
// the entity's single-threaded cooperative loop: one message at a time,
// handlers run to completion, no internal locking. It returns ctx.Err() on
// cancellation and ErrStopped when the entity stops itself.
func (e *Entity) Run(ctx context.Context) error {
	e.startRecovery(ctx)

	for !e.stopped {
		var msg, ok = e.mbox.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		e.dispatch(ctx, msg)
	}
	return ErrStopped
}

// dispatch routes one message through the current state's handling.
//
// A persist handler that panics (as opposed to a ReceiveCommand callback,
// which safeReceiveCommand recovers inline) is deliberately rethrown by
// completeWrite, which rethrows so the runtime can restart or stop per its
// supervision policy. This recover is that supervision policy's entry
// point.
func (e *Entity) dispatch(ctx context.Context, msg interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.restart(ctx, asError(r), msg)
		}
	}()

	switch e.state {
	case stateRecoveryStarted:
		e.handleRecoveryStarted(ctx, msg)
	case stateReplayStarted:
		e.handleReplayStarted(ctx, msg)
	case stateProcessingCommands:
		e.handleProcessingCommands(ctx, msg)
	case statePersistingEvents:
		e.handlePersistingEvents(ctx, msg)
	default:
		log.WithField("state", e.state).Panic("entity: invalid state")
	}
}

// stop marks the entity terminal. No further messages are dispatched; Run
// returns on its next loop check.
func (e *Entity) stop() {
	e.stopped = true
}
