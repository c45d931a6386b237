// Package protocol defines the message envelopes exchanged between an
// entity and its journal / snapshot store, and the contracts those two
// collaborators must satisfy. Nothing here knows how a journal or snapshot
// store is actually implemented -- see entity/memjournal, entity/gazettejournal
// and entity/sqlitesnapshot for concrete backings.
package protocol

import (
	"context"
	"time"
)

// SequenceNr is a journal-assigned, per-persistenceId monotonic sequence
// number. Zero is never assigned to a record; it denotes "nothing yet".
type SequenceNr uint64

// Unbounded is used in place of a SequenceNr or replay count limit to mean
// "no bound".
const Unbounded SequenceNr = ^SequenceNr(0)

// PersistentRepr is a single persisted (or about-to-be-persisted) event
// record. Records are created with placeholder identity fields at emission
// time and finalized -- PersistenceID, SequenceNr and WriterUUID stamped --
// only when moved into an outgoing journal batch.
type PersistentRepr struct {
	Payload       interface{}
	PersistenceID string
	SequenceNr    SequenceNr
	WriterUUID    string
	// Sender is the opaque originator of the command that produced this
	// event, carried through so a journal/consumer can address a reply.
	Sender interface{}
}

// Envelope is either an AtomicWrite or a NonPersistentRepr.
type Envelope interface {
	envelope()
}

// AtomicWrite is an ordered, non-empty list of records that must be
// journaled all-or-nothing.
type AtomicWrite struct {
	Records []*PersistentRepr
}

func (*AtomicWrite) envelope() {}

// NonPersistentRepr carries a deferAsync payload through the journal so its
// handler runs in FIFO order with surrounding persisted events, without
// itself being durably written.
type NonPersistentRepr struct {
	Payload interface{}
	Sender  interface{}
}

func (*NonPersistentRepr) envelope() {}

// ReplyTo is the sink to which a Journal or SnapshotStore asynchronously
// delivers reply messages. An entity's mailbox implements ReplyTo.
type ReplyTo interface {
	Send(msg interface{})
}

// ---- entity -> journal ----

// WriteMessages submits a batch of envelopes for durable append.
type WriteMessages struct {
	Envelopes  []Envelope
	InstanceID uint32
}

// ReplayMessages requests redelivery of previously written records.
type ReplayMessages struct {
	PersistenceID  string
	FromSequenceNr SequenceNr
	ToSequenceNr   SequenceNr
	Max            uint64
}

// DeleteMessagesTo requests removal of all records up to and including ToSequenceNr.
type DeleteMessagesTo struct {
	PersistenceID string
	ToSequenceNr  SequenceNr
}

// ---- entity -> snapshot store ----

// SnapshotSelectionCriteria bounds which snapshot LoadSnapshot should select.
type SnapshotSelectionCriteria struct {
	MaxSequenceNr SequenceNr
	MaxTimestamp  time.Time
}

// LatestSnapshot selects the most recent snapshot, unconditionally.
var LatestSnapshot = SnapshotSelectionCriteria{MaxSequenceNr: Unbounded}

// LoadSnapshot requests the most recent snapshot matching Criteria.
type LoadSnapshot struct {
	PersistenceID string
	Criteria      SnapshotSelectionCriteria
	ToSequenceNr  SequenceNr
}

// ---- journal -> entity ----

// WriteMessageSuccess is delivered once per durably-appended record.
type WriteMessageSuccess struct {
	Record     *PersistentRepr
	InstanceID uint32
}

// WriteMessageRejected reports a logical validation failure of one record
// (e.g. serialization, size). The record is treated as never-persisted.
type WriteMessageRejected struct {
	Record     *PersistentRepr
	Cause      error
	InstanceID uint32
}

// WriteMessageFailure reports an infrastructure error writing one record.
// Durability is unknown; the entity must stop.
type WriteMessageFailure struct {
	Record     *PersistentRepr
	Cause      error
	InstanceID uint32
}

// LoopMessageSuccess is the journal's echo of a deferAsync NonPersistentRepr,
// bounced through to preserve ordering with true events.
type LoopMessageSuccess struct {
	Payload    interface{}
	InstanceID uint32
}

// WriteMessagesSuccessful is the batch-terminal reply signaling the journal
// is ready for the next WriteMessages submission.
type WriteMessagesSuccessful struct{}

// WriteMessagesFailed is a batch-terminal reply carrying the cause of a
// batch failure; individual WriteMessageFailure replies carry the
// consequences per-record and are what actually stop the entity.
type WriteMessagesFailed struct {
	Cause error
}

// ReplayedMessage is delivered once per record redelivered during recovery.
type ReplayedMessage struct {
	Record *PersistentRepr
}

// ReplayMessagesSuccess terminates a successful replay.
type ReplayMessagesSuccess struct {
	HighestSequenceNr SequenceNr
}

// ReplayMessagesFailure terminates a failed replay.
type ReplayMessagesFailure struct {
	Cause error
}

// DeleteMessagesSuccess confirms a DeleteMessagesTo request completed.
type DeleteMessagesSuccess struct {
	ToSequenceNr SequenceNr
}

// DeleteMessagesFailure reports that a DeleteMessagesTo request failed.
type DeleteMessagesFailure struct {
	Cause        error
	ToSequenceNr SequenceNr
}

// SnapshotMetadata identifies a stored snapshot.
type SnapshotMetadata struct {
	PersistenceID string
	SequenceNr    SequenceNr
	Timestamp     time.Time
}

// SelectedSnapshot is a snapshot returned by the snapshot store.
type SelectedSnapshot struct {
	Metadata SnapshotMetadata
	Snapshot interface{}
}

// LoadSnapshotResult answers a LoadSnapshot request. Snapshot is nil if no
// matching snapshot exists.
type LoadSnapshotResult struct {
	Snapshot     *SelectedSnapshot
	ToSequenceNr SequenceNr
}

// SnapshotOffer is delivered to ReceiveRecover ahead of replayed events, iff
// a snapshot was found.
type SnapshotOffer struct {
	Metadata SnapshotMetadata
	Snapshot interface{}
}

// RecoveryCompleted is the sentinel delivered to ReceiveRecover exactly once,
// after all replayed events. It is never delivered to ReceiveCommand.
type RecoveryCompleted struct{}

// Journal is the external collaborator contract for the event store. A
// Journal implementation MUST deliver replies asynchronously to replyTo, in
// the order described by the comments on each method, and MUST process a
// given persistenceId's WriteMessages requests sequentially (at most one in
// flight).
type Journal interface {
	WriteMessages(ctx context.Context, req *WriteMessages, replyTo ReplyTo)
	ReplayMessages(ctx context.Context, req *ReplayMessages, replyTo ReplyTo)
	DeleteMessagesTo(ctx context.Context, req *DeleteMessagesTo, replyTo ReplyTo)
}

// SnapshotStore is the external collaborator contract for snapshot reads.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, req *LoadSnapshot, replyTo ReplyTo)
}

// Recovery parameterizes the recovery coordinator. The zero value is not
// useful; use DefaultRecovery.
type Recovery struct {
	FromSnapshot SnapshotSelectionCriteria
	ToSequenceNr SequenceNr
	ReplayMax    uint64
}

// DefaultRecovery recovers from the latest snapshot, with unbounded replay.
func DefaultRecovery() Recovery {
	return Recovery{
		FromSnapshot: LatestSnapshot,
		ToSequenceNr: Unbounded,
		ReplayMax:    uint64(Unbounded),
	}
}
