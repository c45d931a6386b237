// Package sqlitesnapshot implements protocol.SnapshotStore atop SQLite,
// keyed by persistenceId, analogous in role to an embedded-database-backed
// snapshot plugin: each entity keeps exactly one row, overwritten on every
// checkpoint.
package sqlitesnapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	_ "github.com/mattn/go-sqlite3"

	"go.entitycore.dev/core/entity/protocol"
)

//go:embed schema.sql
var schemaSQL string

// Codec marshals and unmarshals a snapshot payload to and from its stored
// representation. JSONCodec is the default.
type Codec interface {
	Marshal(snapshot interface{}) ([]byte, error)
	Unmarshal(data []byte) (interface{}, error)
}

// JSONCodec encodes snapshots as JSON.
var JSONCodec Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(snapshot interface{}) ([]byte, error) { return json.Marshal(snapshot) }
func (jsonCodec) Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	var err = json.Unmarshal(data, &v)
	return v, err
}

// Store is a SQLite-backed protocol.SnapshotStore.
type Store struct {
	db    *sql.DB
	codec Codec
}

// Open creates or opens a SQLite database at path, applying the pragmas and
// schema a single-writer snapshot table needs. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening snapshot database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "connecting to snapshot database")
	}

	// SQLite allows exactly one writer; constraining the pool avoids
	// SQLITE_BUSY under concurrent snapshot writes from multiple entities.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "applying snapshot schema")
	}

	return &Store{db: db, codec: JSONCodec}, nil
}

func applyPragmas(db *sql.DB) error {
	var pragmas = []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.WithMessagef(err, "executing %q", pragma)
		}
	}
	return nil
}

// WithCodec overrides the snapshot payload codec. Must be called before the
// Store is used.
func (s *Store) WithCodec(codec Codec) *Store {
	s.codec = codec
	return s
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSnapshot implements protocol.SnapshotStore.
func (s *Store) LoadSnapshot(ctx context.Context, req *protocol.LoadSnapshot, replyTo protocol.ReplyTo) {
	go s.loadSnapshot(ctx, req, replyTo)
}

func (s *Store) loadSnapshot(ctx context.Context, req *protocol.LoadSnapshot, replyTo protocol.ReplyTo) {
	var seqNr int64
	var timestampUnix int64
	var payload []byte

	// SQLite integers are signed; clamp so protocol.Unbounded doesn't wrap to -1.
	var maxSeqNr int64 = math.MaxInt64
	if req.Criteria.MaxSequenceNr < protocol.SequenceNr(math.MaxInt64) {
		maxSeqNr = int64(req.Criteria.MaxSequenceNr)
	}

	var row = s.db.QueryRowContext(ctx,
		`SELECT sequence_nr, timestamp_unix, payload FROM snapshots
		 WHERE persistence_id = ? AND sequence_nr <= ?`,
		req.PersistenceID, maxSeqNr)

	switch err := row.Scan(&seqNr, &timestampUnix, &payload); {
	case err == sql.ErrNoRows:
		replyTo.Send(&protocol.LoadSnapshotResult{ToSequenceNr: req.ToSequenceNr})
		return
	case err != nil:
		// The protocol has no failure reply for a snapshot load; treat a
		// storage error the same as "no snapshot found" and let replay
		// recover from the beginning of the journal instead.
		replyTo.Send(&protocol.LoadSnapshotResult{ToSequenceNr: req.ToSequenceNr})
		return
	}

	if !req.Criteria.MaxTimestamp.IsZero() && time.Unix(timestampUnix, 0).After(req.Criteria.MaxTimestamp) {
		replyTo.Send(&protocol.LoadSnapshotResult{ToSequenceNr: req.ToSequenceNr})
		return
	}

	snapshot, err := s.codec.Unmarshal(payload)
	if err != nil {
		replyTo.Send(&protocol.LoadSnapshotResult{ToSequenceNr: req.ToSequenceNr})
		return
	}

	replyTo.Send(&protocol.LoadSnapshotResult{
		Snapshot: &protocol.SelectedSnapshot{
			Metadata: protocol.SnapshotMetadata{
				PersistenceID: req.PersistenceID,
				SequenceNr:    protocol.SequenceNr(seqNr),
				Timestamp:     time.Unix(timestampUnix, 0),
			},
			Snapshot: snapshot,
		},
		ToSequenceNr: req.ToSequenceNr,
	})
}

// SaveSnapshot checkpoints persistenceId's state at seqNr, replacing any
// prior snapshot. This sits outside protocol.SnapshotStore -- the core
// itself never calls it, since it has no built-in checkpoint trigger; a
// Behavior calls it directly (typically from ReceiveCommand, on a timer or
// after every N events) the way an akka-persistence actor calls saveSnapshot.
func (s *Store) SaveSnapshot(ctx context.Context, persistenceID string, seqNr protocol.SequenceNr, snapshot interface{}) error {
	payload, err := s.codec.Marshal(snapshot)
	if err != nil {
		return errors.WithMessage(err, "marshaling snapshot payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (persistence_id, sequence_nr, timestamp_unix, payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(persistence_id) DO UPDATE SET
		   sequence_nr = excluded.sequence_nr,
		   timestamp_unix = excluded.timestamp_unix,
		   payload = excluded.payload`,
		persistenceID, int64(seqNr), time.Now().Unix(), payload)
	return errors.WithMessage(err, "saving snapshot")
}
