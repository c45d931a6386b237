// Package memjournal is an in-memory protocol.Journal and
// protocol.SnapshotStore, intended for tests: it keeps per-persistenceId
// record logs and snapshots in a map, guarded by a mutex, and delivers
// replies on a separate goroutine so callers observe the same asynchronous
// reply discipline a real backing store would impose.
package memjournal

import (
	"context"
	"sync"

	"go.entitycore.dev/core/entity/protocol"
)

// RejectFunc decides whether a record should be rejected before it is
// appended. Returning a non-nil error rejects the record.
type RejectFunc func(rec *protocol.PersistentRepr) error

// FailFunc decides whether a record's append should fail as an
// infrastructure error (durability unknown) rather than succeed or reject.
type FailFunc func(rec *protocol.PersistentRepr) error

// Journal is a map-backed Journal + SnapshotStore test double.
type Journal struct {
	mu        sync.Mutex
	records   map[string][]*protocol.PersistentRepr
	snapshots map[string]*protocol.SelectedSnapshot

	// Reject and Fail, if set, are consulted for every record in a
	// WriteMessages batch, in order. Neither is safe to mutate concurrently
	// with a pending write.
	Reject RejectFunc
	Fail   FailFunc
}

// New returns an empty Journal.
func New() *Journal {
	return &Journal{
		records:   make(map[string][]*protocol.PersistentRepr),
		snapshots: make(map[string]*protocol.SelectedSnapshot),
	}
}

// PutSnapshot seeds persistenceId's snapshot directly, bypassing the
// SnapshotStore write path this test double doesn't otherwise expose (no
// entity API persists snapshots; that's a future extension of the core).
func (j *Journal) PutSnapshot(persistenceID string, snap *protocol.SelectedSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots[persistenceID] = snap
}

// Records returns a copy of persistenceId's current record log, for
// assertions in tests.
func (j *Journal) Records(persistenceID string) []*protocol.PersistentRepr {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out = make([]*protocol.PersistentRepr, len(j.records[persistenceID]))
	copy(out, j.records[persistenceID])
	return out
}

// WriteMessages implements protocol.Journal.
func (j *Journal) WriteMessages(ctx context.Context, req *protocol.WriteMessages, replyTo protocol.ReplyTo) {
	go j.writeMessages(req, replyTo)
}

func (j *Journal) writeMessages(req *protocol.WriteMessages, replyTo protocol.ReplyTo) {
	for _, env := range req.Envelopes {
		switch e := env.(type) {
		case *protocol.AtomicWrite:
			j.writeAtomic(e, req.InstanceID, replyTo)
		case *protocol.NonPersistentRepr:
			replyTo.Send(&protocol.LoopMessageSuccess{Payload: e.Payload, InstanceID: req.InstanceID})
		}
	}
	replyTo.Send(&protocol.WriteMessagesSuccessful{})
}

func (j *Journal) writeAtomic(aw *protocol.AtomicWrite, instanceID uint32, replyTo protocol.ReplyTo) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, rec := range aw.Records {
		if j.Reject != nil {
			if err := j.Reject(rec); err != nil {
				replyTo.Send(&protocol.WriteMessageRejected{Record: rec, Cause: err, InstanceID: instanceID})
				continue
			}
		}
		if j.Fail != nil {
			if err := j.Fail(rec); err != nil {
				replyTo.Send(&protocol.WriteMessageFailure{Record: rec, Cause: err, InstanceID: instanceID})
				continue
			}
		}
		j.records[rec.PersistenceID] = append(j.records[rec.PersistenceID], rec)
		replyTo.Send(&protocol.WriteMessageSuccess{Record: rec, InstanceID: instanceID})
	}
}

// ReplayMessages implements protocol.Journal.
func (j *Journal) ReplayMessages(ctx context.Context, req *protocol.ReplayMessages, replyTo protocol.ReplyTo) {
	go j.replayMessages(req, replyTo)
}

func (j *Journal) replayMessages(req *protocol.ReplayMessages, replyTo protocol.ReplyTo) {
	j.mu.Lock()
	var log = j.records[req.PersistenceID]
	var highest protocol.SequenceNr
	var delivered uint64
	for _, rec := range log {
		if rec.SequenceNr > highest {
			highest = rec.SequenceNr
		}
	}
	j.mu.Unlock()

	for _, rec := range log {
		if rec.SequenceNr < req.FromSequenceNr {
			continue
		}
		if req.ToSequenceNr != protocol.Unbounded && rec.SequenceNr > req.ToSequenceNr {
			break
		}
		if req.Max != 0 && delivered >= req.Max {
			break
		}
		replyTo.Send(&protocol.ReplayedMessage{Record: rec})
		delivered++
	}
	replyTo.Send(&protocol.ReplayMessagesSuccess{HighestSequenceNr: highest})
}

// DeleteMessagesTo implements protocol.Journal.
func (j *Journal) DeleteMessagesTo(ctx context.Context, req *protocol.DeleteMessagesTo, replyTo protocol.ReplyTo) {
	go func() {
		j.mu.Lock()
		var log = j.records[req.PersistenceID]
		var kept = log[:0:0]
		for _, rec := range log {
			if rec.SequenceNr > req.ToSequenceNr {
				kept = append(kept, rec)
			}
		}
		j.records[req.PersistenceID] = kept
		j.mu.Unlock()

		replyTo.Send(&protocol.DeleteMessagesSuccess{ToSequenceNr: req.ToSequenceNr})
	}()
}

// LoadSnapshot implements protocol.SnapshotStore.
func (j *Journal) LoadSnapshot(ctx context.Context, req *protocol.LoadSnapshot, replyTo protocol.ReplyTo) {
	go func() {
		j.mu.Lock()
		var snap = j.snapshots[req.PersistenceID]
		j.mu.Unlock()

		if snap != nil && snap.Metadata.SequenceNr > req.Criteria.MaxSequenceNr {
			snap = nil
		}
		replyTo.Send(&protocol.LoadSnapshotResult{Snapshot: snap, ToSequenceNr: req.ToSequenceNr})
	}()
}
