package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteOperationLogStorage handles the append-oriented execution log. Each
// row is one historical execution event; rows are never updated after the
// fact except by a pre-completion fix-up.
type SQLiteOperationLogStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteOperationLogStorage creates a new SQLite operation log storage
// handler.
func NewSQLiteOperationLogStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteOperationLogStorage {
	return &SQLiteOperationLogStorage{db: db, logger: logger}
}

const operationLogColumns = "id, operation_id, state, extend_info, created_at, updated_at, deleted, deleted_at"

func scanOperationLog(row rowScanner) (*ScheduledOperationLog, error) {
	var entry ScheduledOperationLog
	var extendInfo, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&entry.ID,
		&entry.OperationID,
		&entry.State,
		&extendInfo,
		&createdAt,
		&updatedAt,
		&entry.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if extendInfo.Valid {
		entry.ExtendInfo = extendInfo.String
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for operation log %d: %w", entry.ID, err)
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for operation log %d: %w", entry.ID, err)
	}
	if entry.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for operation log %d: %w", entry.ID, err)
	}

	return &entry, nil
}

func applyOperationLogValues(entry *ScheduledOperationLog, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "state":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("operation log field state: expected string, got %T", value)
			}
			entry.State = v
		case "extend_info":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("operation log field extend_info: expected string, got %T", value)
			}
			entry.ExtendInfo = v
		default:
			return fmt.Errorf("unrecognized operation log field %q", key)
		}
	}
	return nil
}

// CreateOperationLog appends one execution event for an operation.
func (sls *SQLiteOperationLogStorage) CreateOperationLog(rctx *RequestContext, entry *ScheduledOperationLog) (*ScheduledOperationLog, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	if entry.OperationID == "" {
		return nil, errors.New("operation log operation ID cannot be empty")
	}

	created := *entry
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Deleted = false
	created.DeletedAt = nil

	err := sls.db.WithTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO scheduled_operation_logs (operation_id, state, extend_info, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, 0, NULL)`,
			created.OperationID,
			created.State,
			created.ExtendInfo,
			formatTime(created.CreatedAt),
			formatTime(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert operation log: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read operation log id: %w", err)
		}
		created.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	sls.logger.Infof("Logged state %q for operation %s (log %d)", created.State, created.OperationID, created.ID)
	return &created, nil
}

func (sls *SQLiteOperationLogStorage) getOperationLog(rctx *RequestContext, q queryRower, logID int64) (*ScheduledOperationLog, error) {
	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, logID)

	row := q.QueryRow("SELECT "+operationLogColumns+" FROM scheduled_operation_logs"+buildWhere(conds), args...)
	entry, err := scanOperationLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduledOperationLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation log: %w", err)
	}
	return entry, nil
}

// GetOperationLog retrieves a single log entry by id.
func (sls *SQLiteOperationLogStorage) GetOperationLog(rctx *RequestContext, logID int64) (*ScheduledOperationLog, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	return sls.getOperationLog(rctx, sls.db.ReadDB, logID)
}

// GetOperationLogs retrieves an operation's execution history ordered by
// creation time.
func (sls *SQLiteOperationLogStorage) GetOperationLogs(rctx *RequestContext, operationID string) ([]ScheduledOperationLog, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "operation_id = ?")
	args = append(args, operationID)

	rows, err := sls.db.ReadDB.Query(
		"SELECT "+operationLogColumns+" FROM scheduled_operation_logs"+buildWhere(conds)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation logs: %w", err)
	}
	defer rows.Close()

	entries := make([]ScheduledOperationLog, 0)
	for rows.Next() {
		entry, err := scanOperationLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation log: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation logs: %w", err)
	}
	return entries, nil
}

// UpdateOperationLog applies a pre-completion fix-up to a log entry,
// retrying on transient write conflicts. Completed history is never
// rewritten through any other path.
func (sls *SQLiteOperationLogStorage) UpdateOperationLog(rctx *RequestContext, logID int64, values map[string]any) (*ScheduledOperationLog, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var updated *ScheduledOperationLog
	err := sls.db.withConflictRetry("scheduled_operation_log_update", func() error {
		return sls.db.WithTransaction(func(tx *sql.Tx) error {
			entry, err := sls.getOperationLog(rctx, tx, logID)
			if err != nil {
				return err
			}
			if err := applyOperationLogValues(entry, values); err != nil {
				return err
			}
			entry.UpdatedAt = time.Now().UTC()

			_, err = tx.Exec(`
				UPDATE scheduled_operation_logs
				SET state = ?, extend_info = ?, updated_at = ?
				WHERE id = ?`,
				entry.State,
				entry.ExtendInfo,
				formatTime(entry.UpdatedAt),
				logID,
			)
			if err != nil {
				return fmt.Errorf("failed to update operation log: %w", err)
			}

			updated = entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sls.logger.Infof("Updated operation log %d", logID)
	return updated, nil
}

// DeleteOperationLog hard-deletes a log entry.
func (sls *SQLiteOperationLogStorage) DeleteOperationLog(rctx *RequestContext, logID int64) error {
	if err := RequireContext(rctx); err != nil {
		return err
	}

	err := sls.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := sls.getOperationLog(rctx, tx, logID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM scheduled_operation_logs WHERE id = ?", logID); err != nil {
			return fmt.Errorf("failed to delete operation log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sls.logger.Infof("Deleted operation log %d", logID)
	return nil
}
