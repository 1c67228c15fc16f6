package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plaenen/eventengine/pkg/saga"
)

// SagaStore is a saga.StateStore on SQLite. The execution is kept as a JSON
// document next to the columns needed to find unfinished executions.
type SagaStore struct {
	db *DB
}

var _ saga.StateStore = (*SagaStore)(nil)

func NewSagaStore(db *DB) *SagaStore {
	return &SagaStore{db: db}
}

func (s *SagaStore) Save(ctx context.Context, exec *saga.Execution) error {
	state, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", exec.ID, err)
	}

	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO saga_executions
		(execution_id, saga_name, status, state, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		exec.ID, exec.SagaName, string(exec.Status), string(state),
		exec.StartedAt.UnixNano(), exec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save saga %s: %w", exec.ID, err)
	}
	return nil
}

func (s *SagaStore) Load(ctx context.Context, id string) (*saga.Execution, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM saga_executions WHERE execution_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", id, err)
	}
	return decodeExecution(state)
}

func (s *SagaStore) ListActive(ctx context.Context) ([]*saga.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM saga_executions
		WHERE status NOT IN (?, ?, ?)
		ORDER BY started_at, execution_id`,
		string(saga.Completed), string(saga.Compensated), string(saga.CompensationFailed))
	if err != nil {
		return nil, fmt.Errorf("list active sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Execution
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		exec, err := decodeExecution(state)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func decodeExecution(state string) (*saga.Execution, error) {
	var exec saga.Execution
	if err := json.Unmarshal([]byte(state), &exec); err != nil {
		return nil, fmt.Errorf("decode saga state: %w", err)
	}
	return &exec, nil
}
