package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteOperationStateStorage handles the single mutable current-state row
// per scheduled operation. All lookups are keyed by operation id; the
// operation engine owns every state transition.
type SQLiteOperationStateStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteOperationStateStorage creates a new SQLite operation state
// storage handler.
func NewSQLiteOperationStateStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteOperationStateStorage {
	return &SQLiteOperationStateStorage{db: db, logger: logger}
}

const operationStateColumns = "id, operation_id, service_id, state, end_time_for_run, created_at, updated_at, deleted, deleted_at"

func scanOperationState(row rowScanner) (*ScheduledOperationState, error) {
	var state ScheduledOperationState
	var endTime, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&state.ID,
		&state.OperationID,
		&state.ServiceID,
		&state.State,
		&endTime,
		&createdAt,
		&updatedAt,
		&state.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if state.EndTimeForRun, err = scanNullableTime(endTime); err != nil {
		return nil, fmt.Errorf("corrupted end_time_for_run timestamp for operation %s: %w", state.OperationID, err)
	}
	if state.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for operation state %d: %w", state.ID, err)
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for operation state %d: %w", state.ID, err)
	}
	if state.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for operation state %d: %w", state.ID, err)
	}

	return &state, nil
}

func applyOperationStateValues(state *ScheduledOperationState, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "service_id":
			switch v := value.(type) {
			case int:
				state.ServiceID = int64(v)
			case int64:
				state.ServiceID = v
			default:
				return fmt.Errorf("operation state field service_id: expected integer, got %T", value)
			}
		case "state":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("operation state field state: expected string, got %T", value)
			}
			state.State = v
		case "end_time_for_run":
			switch v := value.(type) {
			case time.Time:
				t := v
				state.EndTimeForRun = &t
			case *time.Time:
				state.EndTimeForRun = v
			case nil:
				state.EndTimeForRun = nil
			default:
				return fmt.Errorf("operation state field end_time_for_run: expected time, got %T", value)
			}
		default:
			return fmt.Errorf("unrecognized operation state field %q", key)
		}
	}
	return nil
}

// CreateOperationState creates the state row for an operation. The
// operation_id column is unique: one state row per operation.
func (sss *SQLiteOperationStateStorage) CreateOperationState(rctx *RequestContext, state *ScheduledOperationState) (*ScheduledOperationState, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	if state.OperationID == "" {
		return nil, errors.New("operation state operation ID cannot be empty")
	}

	created := *state
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Deleted = false
	created.DeletedAt = nil

	err := sss.db.WithTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO scheduled_operation_states (operation_id, service_id, state, end_time_for_run, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
			created.OperationID,
			created.ServiceID,
			created.State,
			nullableTime(created.EndTimeForRun),
			formatTime(created.CreatedAt),
			formatTime(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert operation state: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read operation state id: %w", err)
		}
		created.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	sss.logger.Infof("Created state %q for operation %s", created.State, created.OperationID)
	return &created, nil
}

func (sss *SQLiteOperationStateStorage) getOperationState(rctx *RequestContext, q queryRower, operationID string) (*ScheduledOperationState, error) {
	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "operation_id = ?")
	args = append(args, operationID)

	row := q.QueryRow("SELECT "+operationStateColumns+" FROM scheduled_operation_states"+buildWhere(conds), args...)
	state, err := scanOperationState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduledOperationStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation state: %w", err)
	}
	return state, nil
}

// GetOperationState retrieves the state row for an operation.
func (sss *SQLiteOperationStateStorage) GetOperationState(rctx *RequestContext, operationID string) (*ScheduledOperationState, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	return sss.getOperationState(rctx, sss.db.ReadDB, operationID)
}

// UpdateOperationState updates the operation's state row with the most
// recent data, retrying on transient write conflicts.
func (sss *SQLiteOperationStateStorage) UpdateOperationState(rctx *RequestContext, operationID string, values map[string]any) (*ScheduledOperationState, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var updated *ScheduledOperationState
	err := sss.db.withConflictRetry("scheduled_operation_state_update", func() error {
		return sss.db.WithTransaction(func(tx *sql.Tx) error {
			state, err := sss.getOperationState(rctx, tx, operationID)
			if err != nil {
				return err
			}
			if err := applyOperationStateValues(state, values); err != nil {
				return err
			}
			state.UpdatedAt = time.Now().UTC()

			_, err = tx.Exec(`
				UPDATE scheduled_operation_states
				SET service_id = ?, state = ?, end_time_for_run = ?, updated_at = ?
				WHERE operation_id = ?`,
				state.ServiceID,
				state.State,
				nullableTime(state.EndTimeForRun),
				formatTime(state.UpdatedAt),
				operationID,
			)
			if err != nil {
				return fmt.Errorf("failed to update operation state: %w", err)
			}

			updated = state
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sss.logger.Infof("Updated state for operation %s to %q", operationID, updated.State)
	return updated, nil
}

// DeleteOperationState hard-deletes the state row for an operation.
func (sss *SQLiteOperationStateStorage) DeleteOperationState(rctx *RequestContext, operationID string) error {
	if err := RequireContext(rctx); err != nil {
		return err
	}

	err := sss.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := sss.getOperationState(rctx, tx, operationID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM scheduled_operation_states WHERE operation_id = ?", operationID); err != nil {
			return fmt.Errorf("failed to delete operation state: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sss.logger.Infof("Deleted state for operation %s", operationID)
	return nil
}
