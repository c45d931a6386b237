package memjournal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.entitycore.dev/core/entity/protocol"
)

type recordingReplyTo struct {
	ch chan interface{}
}

func newRecordingReplyTo() *recordingReplyTo {
	return &recordingReplyTo{ch: make(chan interface{}, 64)}
}

func (r *recordingReplyTo) Send(msg interface{}) { r.ch <- msg }

func (r *recordingReplyTo) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestWriteMessagesSuccess(t *testing.T) {
	var j = New()
	var replyTo = newRecordingReplyTo()

	j.WriteMessages(context.Background(), &protocol.WriteMessages{
		InstanceID: 1,
		Envelopes: []protocol.Envelope{
			&protocol.AtomicWrite{Records: []*protocol.PersistentRepr{
				{Payload: "a", PersistenceID: "p1", SequenceNr: 1},
				{Payload: "b", PersistenceID: "p1", SequenceNr: 2},
			}},
		},
	}, replyTo)

	var first = replyTo.next(t).(*protocol.WriteMessageSuccess)
	assert.Equal(t, "a", first.Record.Payload)
	var second = replyTo.next(t).(*protocol.WriteMessageSuccess)
	assert.Equal(t, "b", second.Record.Payload)
	_, ok := replyTo.next(t).(*protocol.WriteMessagesSuccessful)
	assert.True(t, ok)

	assert.Len(t, j.Records("p1"), 2)
}

func TestWriteMessagesRejection(t *testing.T) {
	var j = New()
	j.Reject = func(rec *protocol.PersistentRepr) error {
		if rec.Payload == "bad" {
			return errors.New("invalid payload")
		}
		return nil
	}
	var replyTo = newRecordingReplyTo()

	j.WriteMessages(context.Background(), &protocol.WriteMessages{
		InstanceID: 1,
		Envelopes: []protocol.Envelope{
			&protocol.AtomicWrite{Records: []*protocol.PersistentRepr{
				{Payload: "bad", PersistenceID: "p1", SequenceNr: 1},
			}},
		},
	}, replyTo)

	var rejected = replyTo.next(t).(*protocol.WriteMessageRejected)
	assert.EqualError(t, rejected.Cause, "invalid payload")
	<-replyTo.ch // WriteMessagesSuccessful
	assert.Empty(t, j.Records("p1"))
}

func TestWriteMessagesFailure(t *testing.T) {
	var j = New()
	j.Fail = func(rec *protocol.PersistentRepr) error { return errors.New("disk full") }
	var replyTo = newRecordingReplyTo()

	j.WriteMessages(context.Background(), &protocol.WriteMessages{
		InstanceID: 1,
		Envelopes: []protocol.Envelope{
			&protocol.AtomicWrite{Records: []*protocol.PersistentRepr{
				{Payload: "x", PersistenceID: "p1", SequenceNr: 1},
			}},
		},
	}, replyTo)

	var failure = replyTo.next(t).(*protocol.WriteMessageFailure)
	assert.EqualError(t, failure.Cause, "disk full")
}

func TestReplayMessagesOrderAndBound(t *testing.T) {
	var j = New()
	var writeReply = newRecordingReplyTo()
	j.WriteMessages(context.Background(), &protocol.WriteMessages{
		Envelopes: []protocol.Envelope{&protocol.AtomicWrite{Records: []*protocol.PersistentRepr{
			{Payload: 1, PersistenceID: "p1", SequenceNr: 1},
			{Payload: 2, PersistenceID: "p1", SequenceNr: 2},
			{Payload: 3, PersistenceID: "p1", SequenceNr: 3},
		}}},
	}, writeReply)
	for i := 0; i < 4; i++ {
		writeReply.next(t)
	}

	var replyTo = newRecordingReplyTo()
	j.ReplayMessages(context.Background(), &protocol.ReplayMessages{
		PersistenceID:  "p1",
		FromSequenceNr: 2,
		ToSequenceNr:   protocol.Unbounded,
		Max:            0,
	}, replyTo)

	var first = replyTo.next(t).(*protocol.ReplayedMessage)
	require.Equal(t, 2, first.Record.Payload)
	var second = replyTo.next(t).(*protocol.ReplayedMessage)
	require.Equal(t, 3, second.Record.Payload)
	var done = replyTo.next(t).(*protocol.ReplayMessagesSuccess)
	assert.Equal(t, protocol.SequenceNr(3), done.HighestSequenceNr)
}

func TestLoadSnapshotRespectsCriteria(t *testing.T) {
	var j = New()
	j.PutSnapshot("p1", &protocol.SelectedSnapshot{
		Metadata: protocol.SnapshotMetadata{PersistenceID: "p1", SequenceNr: 10},
		Snapshot: "state-at-10",
	})

	var replyTo = newRecordingReplyTo()
	j.LoadSnapshot(context.Background(), &protocol.LoadSnapshot{
		PersistenceID: "p1",
		Criteria:      protocol.SnapshotSelectionCriteria{MaxSequenceNr: 5},
		ToSequenceNr:  protocol.Unbounded,
	}, replyTo)
	var result = replyTo.next(t).(*protocol.LoadSnapshotResult)
	assert.Nil(t, result.Snapshot)

	replyTo = newRecordingReplyTo()
	j.LoadSnapshot(context.Background(), &protocol.LoadSnapshot{
		PersistenceID: "p1",
		Criteria:      protocol.LatestSnapshot,
		ToSequenceNr:  protocol.Unbounded,
	}, replyTo)
	result = replyTo.next(t).(*protocol.LoadSnapshotResult)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "state-at-10", result.Snapshot.Snapshot)
}
