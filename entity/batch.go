package entity

import (
	"context"

	"go.entitycore.dev/core/entity/protocol"
)

// flushBatch empties eventBatch into journalBatch with identity stamping and
// paces submissions. eventBatch is stored LIFO (newest first, per
// persist/deferAsync prepending); it's walked here in submission order,
// i.e. reversed.
func (e *Entity) flushBatch(ctx context.Context) {
	// Step 1: a persist() call must produce its own atomic write that is
	// not coalesced with prior async events, so the at-most-one-command
	// guarantee holds even when followed by writes that arrive later.
	if e.pending.stashing() && len(e.journalBatch) > 0 {
		e.submitJournalBatch(ctx)
	}

	for i := len(e.eventBatch) - 1; i >= 0; i-- {
		var env = e.eventBatch[i]

		if aw, ok := env.(*protocol.AtomicWrite); ok {
			for _, rec := range aw.Records {
				rec.PersistenceID = e.persistenceID
				rec.SequenceNr = e.nextSequenceNr()
				rec.WriterUUID = e.writerUUID
			}
		}

		e.journalBatch = append(e.journalBatch, env)

		if !e.writeInProgress || len(e.journalBatch) >= e.maxMessageBatchSize {
			e.submitJournalBatch(ctx)
		}
	}

	e.eventBatch = nil
}

// nextSequenceNr assigns and consumes the next sequence number. Invariant:
// sequenceNr >= lastSequenceNr always holds afterward.
func (e *Entity) nextSequenceNr() protocol.SequenceNr {
	e.sequenceNr++
	return e.sequenceNr
}

// submitJournalBatch hands the current journalBatch to the journal in one
// round-trip and sets writeInProgress, gating the next submission
// (backpressure: at most one WriteMessages in flight).
func (e *Entity) submitJournalBatch(ctx context.Context) {
	var batch = e.journalBatch
	e.journalBatch = nil
	e.writeInProgress = true

	addTrace(ctx, "%s: submitting journal batch of %d envelope(s)", e.persistenceID, len(batch))

	e.journal.WriteMessages(ctx, &protocol.WriteMessages{
		Envelopes:  batch,
		InstanceID: e.instanceID,
	}, e)
}
