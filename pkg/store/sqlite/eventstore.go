package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/store"
)

const eventColumns = `position, event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, content_type, metadata`

// EventStore is a store.EventStore on SQLite. The (aggregate_id, version)
// unique key backs the optimistic concurrency check, so two processes
// sharing one database file cannot both append the same version.
type EventStore struct {
	db *DB
}

var _ store.EventStore = (*EventStore)(nil)

// NewEventStore creates an event store on db.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []*domain.Event) error {
	if err := store.ValidateBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("read stream version: %w", err)
	}
	if current != expectedVersion {
		return &domain.OptimisticLockError{AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: current}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, content_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	positions := make([]uint64, len(events))
	for i, evt := range events {
		metadata, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", evt.ID, err)
		}
		payload := evt.Payload
		if payload == nil {
			payload = []byte{}
		}
		res, err := stmt.ExecContext(ctx,
			evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType, evt.Version,
			evt.Timestamp.UnixNano(), payload, evt.ContentType, string(metadata))
		if err != nil {
			if isUniqueViolation(err, "events.aggregate_id") {
				actual, _ := s.versionTx(ctx, tx, aggregateID)
				return &domain.OptimisticLockError{AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: actual}
			}
			return fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read position of %s: %w", evt.ID, err)
		}
		positions[i] = uint64(id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	for i, evt := range events {
		evt.Position = positions[i]
	}
	return nil
}

func (s *EventStore) ReadStream(ctx context.Context, aggregateID string, from, to uint64) ([]*domain.Event, error) {
	if from < 1 {
		from = 1
	}
	if to == 0 {
		return s.query(ctx,
			`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND version >= ? ORDER BY version`,
			aggregateID, from)
	}
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND version >= ? AND version < ? ORDER BY version`,
		aggregateID, from, to)
}

func (s *EventStore) ReadAfterVersion(ctx context.Context, aggregateID string, after uint64) ([]*domain.Event, error) {
	return s.ReadStream(ctx, aggregateID, after+1, 0)
}

func (s *EventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return v, nil
}

func (s *EventStore) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position > ? ORDER BY position LIMIT ?`,
		afterPosition, limit)
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func (s *EventStore) versionTx(ctx context.Context, tx *sql.Tx, aggregateID string) (uint64, error) {
	var v uint64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID).Scan(&v)
	return v, err
}

func (s *EventStore) query(ctx context.Context, query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		var (
			evt      domain.Event
			ts       int64
			metadata string
		)
		if err := rows.Scan(&evt.Position, &evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.EventType,
			&evt.Version, &ts, &evt.Payload, &evt.ContentType, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(metadata), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", evt.ID, err)
		}
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
