package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	gc "github.com/go-check/check"

	"go.entitycore.dev/core/entity/memjournal"
	"go.entitycore.dev/core/entity/protocol"
)

func TestGocheck(t *testing.T) { gc.TestingT(t) }

// recordingBehavior is a Behavior whose ReceiveCommand is supplied by the
// test and whose ReceiveRecover records every replayed event plus a signal
// on recovered once RecoveryCompleted arrives.
type recordingBehavior struct {
	id        string
	onCommand func(e *Entity, cmd interface{})

	events    []interface{}
	recovered chan struct{}
}

func newRecordingBehavior(id string, onCommand func(e *Entity, cmd interface{})) *recordingBehavior {
	return &recordingBehavior{id: id, onCommand: onCommand, recovered: make(chan struct{})}
}

func (b *recordingBehavior) PersistenceID() string { return b.id }

func (b *recordingBehavior) ReceiveRecover(e *Entity, event interface{}) {
	if _, ok := event.(protocol.RecoveryCompleted); ok {
		close(b.recovered)
		return
	}
	b.events = append(b.events, event)
}

func (b *recordingBehavior) ReceiveCommand(e *Entity, cmd interface{}) {
	b.onCommand(e, cmd)
}

type entityFixture struct {
	journal  *memjournal.Journal
	behavior *recordingBehavior
	entity   *Entity
	cancel   context.CancelFunc
	done     chan struct{}
}

func newEntityFixture(c *gc.C, id string, onCommand func(e *Entity, cmd interface{})) *entityFixture {
	var journal = memjournal.New()
	var behavior = newRecordingBehavior(id, onCommand)
	var e = New(behavior, journal, journal)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	var tf = &entityFixture{journal: journal, behavior: behavior, entity: e, cancel: cancel, done: done}
	tf.awaitRecovered(c)
	return tf
}

func (tf *entityFixture) awaitRecovered(c *gc.C) {
	select {
	case <-tf.behavior.recovered:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for recovery to complete")
	}
}

func (tf *entityFixture) cleanup() {
	tf.cancel()
	<-tf.done
}

type EntitySuite struct{}

var _ = gc.Suite(&EntitySuite{})

// TestPureAsyncPersistInterleaves verifies that PersistAsync does not stash
// intervening commands: a second command is processed before the first
// event's handler confirms.
func (s *EntitySuite) TestPureAsyncPersistInterleaves(c *gc.C) {
	var order = make(chan string, 8)

	var tf = newEntityFixture(c, "p-async", func(e *Entity, cmd interface{}) {
		switch cmd {
		case "cmd-1":
			e.PersistAsync("evt-1", nil, func(event interface{}) {
				order <- "handler-1"
			})
		case "cmd-2":
			order <- "cmd-2"
		}
	})
	defer tf.cleanup()

	tf.entity.Send("cmd-1")
	tf.entity.Send("cmd-2")

	c.Assert(<-order, gc.Equals, "cmd-2")
	c.Assert(<-order, gc.Equals, "handler-1")
}

// TestPureStashingPersistDefersCommands verifies Persist stashes intervening
// commands until the handler for the persisted event has run.
func (s *EntitySuite) TestPureStashingPersistDefersCommands(c *gc.C) {
	var order = make(chan string, 8)

	var tf = newEntityFixture(c, "p-stash", func(e *Entity, cmd interface{}) {
		switch cmd {
		case "cmd-1":
			e.Persist("evt-1", nil, func(event interface{}) {
				order <- "handler-1"
			})
		case "cmd-2":
			order <- "cmd-2"
		}
	})
	defer tf.cleanup()

	tf.entity.Send("cmd-1")
	tf.entity.Send("cmd-2")

	c.Assert(<-order, gc.Equals, "handler-1")
	c.Assert(<-order, gc.Equals, "cmd-2")
}

// TestPersistAllHandlersRunInSubmissionOrder verifies multiple events from a
// single PersistAll call confirm and invoke handlers in submission order.
func (s *EntitySuite) TestPersistAllHandlersRunInSubmissionOrder(c *gc.C) {
	var order = make(chan int, 8)

	var tf = newEntityFixture(c, "p-all", func(e *Entity, cmd interface{}) {
		e.PersistAll([]interface{}{1, 2, 3}, nil, func(event interface{}) {
			order <- event.(int)
		})
	})
	defer tf.cleanup()

	tf.entity.Send("go")

	c.Assert(<-order, gc.Equals, 1)
	c.Assert(<-order, gc.Equals, 2)
	c.Assert(<-order, gc.Equals, 3)
}

// TestDeferAsyncRunsSynchronouslyWhenNoPending verifies DeferAsync invokes
// its handler immediately when there is nothing else pending.
func (s *EntitySuite) TestDeferAsyncRunsSynchronouslyWhenNoPending(c *gc.C) {
	var ranBeforeReturn = make(chan bool, 1)

	var tf = newEntityFixture(c, "p-defer", func(e *Entity, cmd interface{}) {
		var ran bool
		e.DeferAsync("deferred", nil, func(event interface{}) {
			ran = true
		})
		ranBeforeReturn <- ran
	})
	defer tf.cleanup()

	tf.entity.Send("go")

	select {
	case ran := <-ranBeforeReturn:
		c.Assert(ran, gc.Equals, true)
	case <-time.After(time.Second):
		c.Fatal("command handler never ran")
	}
}

// TestReentrantPersistFromHandlerIsFullyProcessed verifies a persist
// handler that itself calls Persist gets its reentrant event submitted,
// its own handler run, and the entity returned to command processing --
// not left stuck in S3 forever with eventBatch never flushed.
func (s *EntitySuite) TestReentrantPersistFromHandlerIsFullyProcessed(c *gc.C) {
	var order = make(chan string, 8)

	var tf = newEntityFixture(c, "p-reentrant", func(e *Entity, cmd interface{}) {
		switch cmd {
		case "go":
			e.Persist("evt-1", nil, func(event interface{}) {
				order <- "handler-1"
				e.Persist("evt-2", nil, func(event interface{}) {
					order <- "handler-2"
				})
			})
		case "ping":
			order <- "ping"
		}
	})
	defer tf.cleanup()

	tf.entity.Send("go")
	tf.entity.Send("ping")

	select {
	case v := <-order:
		c.Assert(v, gc.Equals, "handler-1")
	case <-time.After(time.Second):
		c.Fatal("handler-1 never ran")
	}
	select {
	case v := <-order:
		c.Assert(v, gc.Equals, "handler-2")
	case <-time.After(time.Second):
		c.Fatal("reentrant persist's handler never ran; entity is likely stuck in S3")
	}
	select {
	case v := <-order:
		c.Assert(v, gc.Equals, "ping")
	case <-time.After(time.Second):
		c.Fatal("entity never resumed command processing after the reentrant persist confirmed")
	}

	c.Assert(waitForRecords(c, tf.journal, "p-reentrant", 2), gc.Equals, true)
}

// TestMixedAsyncThenStashingPersistSeparatesWritesAndGatesNextCommand covers
// a PersistAsync followed by a Persist within one command: each gets its
// own atomic write (a persist()'s write is never coalesced with an
// async one queued ahead of it), and the next command is held back until
// the stashing persist's handler has run.
func (s *EntitySuite) TestMixedAsyncThenStashingPersistSeparatesWritesAndGatesNextCommand(c *gc.C) {
	var order = make(chan string, 8)

	var tf = newEntityFixture(c, "p-mixed", func(e *Entity, cmd interface{}) {
		switch cmd {
		case "cmd-1":
			e.PersistAsync("p", nil, func(event interface{}) {
				order <- "handler-p"
			})
			e.Persist("q", nil, func(event interface{}) {
				order <- "handler-q"
			})
		case "cmd-2":
			order <- "cmd-2"
		}
	})
	defer tf.cleanup()

	tf.entity.Send("cmd-1")
	tf.entity.Send("cmd-2")

	c.Assert(<-order, gc.Equals, "handler-p")
	c.Assert(<-order, gc.Equals, "handler-q")
	c.Assert(<-order, gc.Equals, "cmd-2")

	c.Assert(waitForRecords(c, tf.journal, "p-mixed", 2), gc.Equals, true)
	var records = tf.journal.Records("p-mixed")
	c.Assert(records[0].Payload, gc.Equals, "p")
	c.Assert(records[1].Payload, gc.Equals, "q")
}

// TestWriteMessageRejectedDoesNotStopEntity verifies a logical rejection
// lets the entity continue processing: a command sent after the rejected
// persist is still handled.
func (s *EntitySuite) TestWriteMessageRejectedDoesNotStopEntity(c *gc.C) {
	var journal = memjournal.New()
	journal.Reject = func(rec *protocol.PersistentRepr) error {
		return errors.New("validation failed")
	}

	var survived = make(chan struct{}, 1)
	var behavior = newRecordingBehavior("p-reject", func(e *Entity, cmd interface{}) {
		switch cmd {
		case "persist":
			e.Persist("evt", nil, func(event interface{}) {})
		case "ping":
			close(survived)
		}
	})

	var e = New(behavior, journal, journal)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var done = make(chan struct{})
	go func() { defer close(done); _ = e.Run(ctx) }()
	defer func() { cancel(); <-done }()

	select {
	case <-behavior.recovered:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for recovery")
	}

	e.Send("persist")
	e.Send("ping")

	select {
	case <-survived:
	case <-time.After(time.Second):
		c.Fatal("entity stopped processing after a rejected persist")
	}
}

// TestWriteMessageFailureStopsEntity verifies an infrastructure write
// failure terminates the run loop.
func (s *EntitySuite) TestWriteMessageFailureStopsEntity(c *gc.C) {
	var journal = memjournal.New()
	journal.Fail = func(rec *protocol.PersistentRepr) error {
		return errors.New("disk unavailable")
	}

	var behavior = newRecordingBehavior("p-fail", func(e *Entity, cmd interface{}) {
		e.Persist("evt", nil, func(event interface{}) {})
	})

	var e = New(behavior, journal, journal)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var done = make(chan struct{})
	go func() { defer close(done); _ = e.Run(ctx) }()

	select {
	case <-behavior.recovered:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for recovery")
	}

	e.Send("persist")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("entity never stopped after a persist failure")
	}
}

// TestRecoveryReplaysPriorEvents verifies a second incarnation against the
// same journal replays every previously persisted event before processing
// any command.
func (s *EntitySuite) TestRecoveryReplaysPriorEvents(c *gc.C) {
	var journal = memjournal.New()

	var first = newRecordingBehavior("p-recover", func(e *Entity, cmd interface{}) {
		e.Persist("evt-1", nil, func(event interface{}) {})
	})
	var e1 = New(first, journal, journal)
	var ctx1, cancel1 = context.WithCancel(context.Background())
	var done1 = make(chan struct{})
	go func() { defer close(done1); _ = e1.Run(ctx1) }()

	select {
	case <-first.recovered:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for first recovery")
	}
	e1.Send("persist-one")

	c.Assert(waitForRecords(c, journal, "p-recover", 1), gc.Equals, true)
	cancel1()
	<-done1

	var second = newRecordingBehavior("p-recover", func(e *Entity, cmd interface{}) {})
	var e2 = New(second, journal, journal)
	var ctx2, cancel2 = context.WithCancel(context.Background())
	defer cancel2()
	var done2 = make(chan struct{})
	go func() { defer close(done2); _ = e2.Run(ctx2) }()
	defer func() { cancel2(); <-done2 }()

	select {
	case <-second.recovered:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for second incarnation's recovery")
	}

	c.Assert(second.events, gc.DeepEquals, []interface{}{"evt-1"})
	c.Assert(e2.LastSequenceNr(), gc.Equals, protocol.SequenceNr(1))
}

func waitForRecords(c *gc.C, journal *memjournal.Journal, id string, n int) bool {
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(journal.Records(id)) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
