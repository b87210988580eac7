package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteScheduledOperationStorage handles scheduled operation persistence in
// SQLite. An operation references exactly one trigger by id; the reference
// is not enforced by cascade.
type SQLiteScheduledOperationStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteScheduledOperationStorage creates a new SQLite scheduled
// operation storage handler.
func NewSQLiteScheduledOperationStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteScheduledOperationStorage {
	return &SQLiteScheduledOperationStorage{db: db, logger: logger}
}

const operationColumns = "id, name, operation_type, project_id, trigger_id, operation_definition, enabled, created_at, updated_at, deleted, deleted_at"

func scanScheduledOperation(row rowScanner) (*ScheduledOperation, error) {
	var op ScheduledOperation
	var definition string
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&op.ID,
		&op.Name,
		&op.OperationType,
		&op.ProjectID,
		&op.TriggerID,
		&definition,
		&op.Enabled,
		&createdAt,
		&updatedAt,
		&op.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if definition != "" {
		if err := json.Unmarshal([]byte(definition), &op.OperationDefinition); err != nil {
			return nil, fmt.Errorf("corrupted operation_definition for operation %s: %w", op.ID, err)
		}
	}
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for operation %s: %w", op.ID, err)
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for operation %s: %w", op.ID, err)
	}
	if op.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for operation %s: %w", op.ID, err)
	}

	return &op, nil
}

func applyScheduledOperationValues(op *ScheduledOperation, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "name":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("scheduled operation field name: expected string, got %T", value)
			}
			op.Name = v
		case "operation_type":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("scheduled operation field operation_type: expected string, got %T", value)
			}
			op.OperationType = v
		case "trigger_id":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("scheduled operation field trigger_id: expected string, got %T", value)
			}
			op.TriggerID = v
		case "operation_definition":
			v, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("scheduled operation field operation_definition: expected map, got %T", value)
			}
			op.OperationDefinition = v
		case "enabled":
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("scheduled operation field enabled: expected bool, got %T", value)
			}
			op.Enabled = v
		default:
			return fmt.Errorf("unrecognized scheduled operation field %q", key)
		}
	}
	return nil
}

// CreateScheduledOperation creates a new scheduled operation record.
func (sos *SQLiteScheduledOperationStorage) CreateScheduledOperation(rctx *RequestContext, op *ScheduledOperation) (*ScheduledOperation, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	if op.ID == "" {
		return nil, errors.New("scheduled operation ID cannot be empty")
	}

	created := *op
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Deleted = false
	created.DeletedAt = nil

	definitionJSON, err := json.Marshal(created.OperationDefinition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation definition: %w", err)
	}

	err = sos.db.WithTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO scheduled_operations (id, name, operation_type, project_id, trigger_id, operation_definition, enabled, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			created.ID,
			created.Name,
			created.OperationType,
			created.ProjectID,
			created.TriggerID,
			string(definitionJSON),
			created.Enabled,
			formatTime(created.CreatedAt),
			formatTime(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert scheduled operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sos.logger.Infof("Created scheduled operation %s (%s)", created.Name, created.ID)
	return &created, nil
}

func (sos *SQLiteScheduledOperationStorage) getScheduledOperation(rctx *RequestContext, q queryRower, id string) (*ScheduledOperation, error) {
	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, id)

	row := q.QueryRow("SELECT "+operationColumns+" FROM scheduled_operations"+buildWhere(conds), args...)
	op, err := scanScheduledOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduledOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled operation: %w", err)
	}
	return op, nil
}

// GetScheduledOperation retrieves a single scheduled operation by id.
func (sos *SQLiteScheduledOperationStorage) GetScheduledOperation(rctx *RequestContext, id string) (*ScheduledOperation, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	return sos.getScheduledOperation(rctx, sos.db.ReadDB, id)
}

// GetScheduledOperationWithTrigger retrieves an operation with its trigger
// eagerly loaded. A dangling trigger reference leaves Trigger nil rather
// than failing the whole fetch.
func (sos *SQLiteScheduledOperationStorage) GetScheduledOperationWithTrigger(rctx *RequestContext, id string) (*ScheduledOperation, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	op, err := sos.getScheduledOperation(rctx, sos.db.ReadDB, id)
	if err != nil {
		return nil, err
	}

	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, op.TriggerID)

	row := sos.db.ReadDB.QueryRow("SELECT "+triggerColumns+" FROM triggers"+buildWhere(conds), args...)
	trigger, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return op, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger for operation %s: %w", id, err)
	}
	op.Trigger = trigger
	return op, nil
}

// GetScheduledOperations retrieves scheduled operations visible to the
// context, scoped to the caller's project for non-admin contexts.
func (sos *SQLiteScheduledOperationStorage) GetScheduledOperations(rctx *RequestContext) ([]ScheduledOperation, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{projectOnly: true}.where(rctx)
	rows, err := sos.db.ReadDB.Query("SELECT "+operationColumns+" FROM scheduled_operations"+buildWhere(conds)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled operations: %w", err)
	}
	defer rows.Close()

	ops := make([]ScheduledOperation, 0)
	for rows.Next() {
		op, err := scanScheduledOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled operations: %w", err)
	}
	return ops, nil
}

// UpdateScheduledOperation updates the scheduled operation record with the
// most recent data, retrying on transient write conflicts.
func (sos *SQLiteScheduledOperationStorage) UpdateScheduledOperation(rctx *RequestContext, id string, values map[string]any) (*ScheduledOperation, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var updated *ScheduledOperation
	err := sos.db.withConflictRetry("scheduled_operation_update", func() error {
		return sos.db.WithTransaction(func(tx *sql.Tx) error {
			op, err := sos.getScheduledOperation(rctx, tx, id)
			if err != nil {
				return err
			}
			if err := applyScheduledOperationValues(op, values); err != nil {
				return err
			}
			op.UpdatedAt = time.Now().UTC()

			definitionJSON, err := json.Marshal(op.OperationDefinition)
			if err != nil {
				return fmt.Errorf("failed to marshal operation definition: %w", err)
			}

			_, err = tx.Exec(`
				UPDATE scheduled_operations
				SET name = ?, operation_type = ?, trigger_id = ?, operation_definition = ?, enabled = ?, updated_at = ?
				WHERE id = ?`,
				op.Name,
				op.OperationType,
				op.TriggerID,
				string(definitionJSON),
				op.Enabled,
				formatTime(op.UpdatedAt),
				id,
			)
			if err != nil {
				return fmt.Errorf("failed to update scheduled operation: %w", err)
			}

			updated = op
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sos.logger.Infof("Updated scheduled operation %s", id)
	return updated, nil
}

// DeleteScheduledOperation hard-deletes a scheduled operation record.
func (sos *SQLiteScheduledOperationStorage) DeleteScheduledOperation(rctx *RequestContext, id string) error {
	if err := RequireContext(rctx); err != nil {
		return err
	}

	err := sos.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := sos.getScheduledOperation(rctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM scheduled_operations WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete scheduled operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sos.logger.Infof("Deleted scheduled operation %s", id)
	return nil
}
