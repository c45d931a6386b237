// Package gazettejournal adapts protocol.Journal to a live Gazette journal:
// each persistenceId is mapped to its own journal, and PersistentRepr
// records are appended as line-delimited, codec-encoded frames, mirroring
// the line-framing convention of message.JSONFraming.
package gazettejournal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"

	"go.entitycore.dev/core/entity/protocol"
)

// Codec marshals and unmarshals a record payload to and from its on-journal
// representation. JSONCodec is the default.
type Codec interface {
	Marshal(event interface{}) ([]byte, error)
	Unmarshal(data []byte) (interface{}, error)
}

// JSONCodec encodes payloads as JSON. Unmarshal yields the generic
// map[string]interface{}/[]interface{}/scalar shape encoding/json produces
// for an interface{} target; callers needing their concrete event type back
// should supply their own Codec.
var JSONCodec Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(event interface{}) ([]byte, error) { return json.Marshal(event) }
func (jsonCodec) Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	var err = json.Unmarshal(data, &v)
	return v, err
}

// NameFunc maps a persistenceId onto the Gazette journal that stores it.
type NameFunc func(persistenceID string) pb.Journal

// wireRecord is the line-delimited on-journal envelope for one PersistentRepr.
type wireRecord struct {
	SequenceNr protocol.SequenceNr `json:"seq"`
	WriterUUID string              `json:"writer"`
	Payload    json.RawMessage     `json:"payload"`
}

// Journal implements protocol.Journal against go.gazette.dev/core brokers.
type Journal struct {
	rjc   pb.RoutedJournalClient
	as    *client.AppendService
	name  NameFunc
	codec Codec
}

// New returns a Journal that appends to and reads from journals named by
// name, using rjc as the routed broker client.
func New(ctx context.Context, rjc pb.RoutedJournalClient, name NameFunc) *Journal {
	return &Journal{
		rjc:   rjc,
		as:    client.NewAppendService(ctx, rjc),
		name:  name,
		codec: JSONCodec,
	}
}

// WithCodec overrides the record payload codec. Must be called before the
// Journal is used.
func (j *Journal) WithCodec(codec Codec) *Journal {
	j.codec = codec
	return j
}

// WriteMessages implements protocol.Journal.
func (j *Journal) WriteMessages(ctx context.Context, req *protocol.WriteMessages, replyTo protocol.ReplyTo) {
	go j.writeMessages(ctx, req, replyTo)
}

func (j *Journal) writeMessages(ctx context.Context, req *protocol.WriteMessages, replyTo protocol.ReplyTo) {
	for _, env := range req.Envelopes {
		switch e := env.(type) {
		case *protocol.AtomicWrite:
			j.appendAtomic(ctx, e, req.InstanceID, replyTo)
		case *protocol.NonPersistentRepr:
			// Never durably written; looped back immediately so defer
			// handlers still serialize with surrounding persisted events.
			replyTo.Send(&protocol.LoopMessageSuccess{Payload: e.Payload, InstanceID: req.InstanceID})
		}
	}
	replyTo.Send(&protocol.WriteMessagesSuccessful{})
}

func (j *Journal) appendAtomic(ctx context.Context, aw *protocol.AtomicWrite, instanceID uint32, replyTo protocol.ReplyTo) {
	if len(aw.Records) == 0 {
		return
	}
	var name = j.name(aw.Records[0].PersistenceID)
	var aa = j.as.StartAppend(name)

	var encoded = make([][]byte, len(aw.Records))
	for i, rec := range aw.Records {
		var payload, err = j.codec.Marshal(rec.Payload)
		if err != nil {
			replyTo.Send(&protocol.WriteMessageFailure{
				Record: rec, InstanceID: instanceID,
				Cause: errors.WithMessage(err, "marshaling record payload"),
			})
			return
		}
		line, err := json.Marshal(wireRecord{SequenceNr: rec.SequenceNr, WriterUUID: rec.WriterUUID, Payload: payload})
		if err != nil {
			replyTo.Send(&protocol.WriteMessageFailure{
				Record: rec, InstanceID: instanceID,
				Cause: errors.WithMessage(err, "marshaling wire record"),
			})
			return
		}
		encoded[i] = append(line, '\n')
	}

	for _, line := range encoded {
		if _, err := aa.Writer().Write(line); err != nil {
			_ = aa.Release()
			j.failAll(aw.Records, instanceID, err, replyTo)
			return
		}
	}
	if err := aa.Release(); err != nil {
		j.failAll(aw.Records, instanceID, err, replyTo)
		return
	}

	<-aa.Done()
	if err := aa.Err(); err != nil {
		j.replyForAppendErr(aw.Records, instanceID, err, replyTo)
		return
	}
	for _, rec := range aw.Records {
		replyTo.Send(&protocol.WriteMessageSuccess{Record: rec, InstanceID: instanceID})
	}
}

func (j *Journal) failAll(records []*protocol.PersistentRepr, instanceID uint32, err error, replyTo protocol.ReplyTo) {
	for _, rec := range records {
		replyTo.Send(&protocol.WriteMessageFailure{Record: rec, InstanceID: instanceID, Cause: errors.WithMessage(err, "appending to journal")})
	}
}

// replyForAppendErr classifies the append RPC's terminal error: a gRPC
// InvalidArgument is a logical rejection (the broker validated and refused
// the append); anything else leaves durability unknown and is a failure.
func (j *Journal) replyForAppendErr(records []*protocol.PersistentRepr, instanceID uint32, err error, replyTo protocol.ReplyTo) {
	if status.Code(err) == codes.InvalidArgument {
		for _, rec := range records {
			replyTo.Send(&protocol.WriteMessageRejected{Record: rec, InstanceID: instanceID, Cause: err})
		}
		return
	}
	j.failAll(records, instanceID, err, replyTo)
}

// ReplayMessages implements protocol.Journal.
func (j *Journal) ReplayMessages(ctx context.Context, req *protocol.ReplayMessages, replyTo protocol.ReplyTo) {
	go j.replayMessages(ctx, req, replyTo)
}

func (j *Journal) replayMessages(ctx context.Context, req *protocol.ReplayMessages, replyTo protocol.ReplyTo) {
	var rr = client.NewRetryReader(ctx, j.rjc, pb.ReadRequest{
		Journal: j.name(req.PersistenceID),
		Offset:  0,
		Block:   false,
	})
	defer rr.Close()

	var br = bufio.NewReader(rr)
	var highest protocol.SequenceNr
	var delivered uint64

	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			replyTo.Send(&protocol.ReplayMessagesFailure{Cause: errors.WithMessage(err, "reading journal")})
			return
		}

		var wire wireRecord
		if err := json.Unmarshal(line, &wire); err != nil {
			replyTo.Send(&protocol.ReplayMessagesFailure{Cause: errors.WithMessage(err, "decoding wire record")})
			return
		}
		if wire.SequenceNr > highest {
			highest = wire.SequenceNr
		}
		if wire.SequenceNr < req.FromSequenceNr {
			continue
		}
		if req.ToSequenceNr != protocol.Unbounded && wire.SequenceNr > req.ToSequenceNr {
			break
		}
		if req.Max != 0 && delivered >= req.Max {
			break
		}

		payload, err := j.codec.Unmarshal(wire.Payload)
		if err != nil {
			replyTo.Send(&protocol.ReplayMessagesFailure{Cause: errors.WithMessage(err, "decoding record payload")})
			return
		}
		replyTo.Send(&protocol.ReplayedMessage{Record: &protocol.PersistentRepr{
			Payload:       payload,
			PersistenceID: req.PersistenceID,
			SequenceNr:    wire.SequenceNr,
			WriterUUID:    wire.WriterUUID,
		}})
		delivered++
	}

	replyTo.Send(&protocol.ReplayMessagesSuccess{HighestSequenceNr: highest})
}

// DeleteMessagesTo implements protocol.Journal. Gazette journals have no
// truncate-from-head primitive; the core never relies on deletion for
// correctness (it's a non-fatal, fire-and-forget housekeeping op), so this
// reports success without physically reclaiming space.
func (j *Journal) DeleteMessagesTo(ctx context.Context, req *protocol.DeleteMessagesTo, replyTo protocol.ReplyTo) {
	replyTo.Send(&protocol.DeleteMessagesSuccess{ToSequenceNr: req.ToSequenceNr})
}
