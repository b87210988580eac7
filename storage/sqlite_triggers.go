package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteTriggerStorage handles trigger persistence in SQLite. Triggers have
// an independent lifecycle: they may outlive the scheduled operations that
// reference them.
type SQLiteTriggerStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteTriggerStorage creates a new SQLite trigger storage handler.
func NewSQLiteTriggerStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteTriggerStorage {
	return &SQLiteTriggerStorage{db: db, logger: logger}
}

const triggerColumns = "id, name, project_id, type, properties, created_at, updated_at, deleted, deleted_at"

func scanTrigger(row rowScanner) (*Trigger, error) {
	var trigger Trigger
	var properties string
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&trigger.ID,
		&trigger.Name,
		&trigger.ProjectID,
		&trigger.Type,
		&properties,
		&createdAt,
		&updatedAt,
		&trigger.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if properties != "" {
		if err := json.Unmarshal([]byte(properties), &trigger.Properties); err != nil {
			return nil, fmt.Errorf("corrupted properties for trigger %s: %w", trigger.ID, err)
		}
	}
	if trigger.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for trigger %s: %w", trigger.ID, err)
	}
	if trigger.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for trigger %s: %w", trigger.ID, err)
	}
	if trigger.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for trigger %s: %w", trigger.ID, err)
	}

	return &trigger, nil
}

func applyTriggerValues(trigger *Trigger, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "name":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("trigger field name: expected string, got %T", value)
			}
			trigger.Name = v
		case "type":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("trigger field type: expected string, got %T", value)
			}
			trigger.Type = v
		case "properties":
			v, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("trigger field properties: expected map, got %T", value)
			}
			trigger.Properties = v
		default:
			return fmt.Errorf("unrecognized trigger field %q", key)
		}
	}
	return nil
}

// CreateTrigger creates a new trigger record.
func (sts *SQLiteTriggerStorage) CreateTrigger(rctx *RequestContext, trigger *Trigger) (*Trigger, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	if trigger.ID == "" {
		return nil, errors.New("trigger ID cannot be empty")
	}

	created := *trigger
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Deleted = false
	created.DeletedAt = nil

	propertiesJSON, err := json.Marshal(created.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger properties: %w", err)
	}

	err = sts.db.WithTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO triggers (id, name, project_id, type, properties, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			created.ID,
			created.Name,
			created.ProjectID,
			created.Type,
			string(propertiesJSON),
			formatTime(created.CreatedAt),
			formatTime(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert trigger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sts.logger.Infof("Created trigger %s (%s)", created.Name, created.ID)
	return &created, nil
}

func (sts *SQLiteTriggerStorage) getTrigger(rctx *RequestContext, q queryRower, id string) (*Trigger, error) {
	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, id)

	row := q.QueryRow("SELECT "+triggerColumns+" FROM triggers"+buildWhere(conds), args...)
	trigger, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return trigger, nil
}

// GetTrigger retrieves a single trigger by id.
func (sts *SQLiteTriggerStorage) GetTrigger(rctx *RequestContext, id string) (*Trigger, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	return sts.getTrigger(rctx, sts.db.ReadDB, id)
}

// GetTriggers retrieves triggers visible to the context, scoped to the
// caller's project for non-admin contexts.
func (sts *SQLiteTriggerStorage) GetTriggers(rctx *RequestContext) ([]Trigger, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{projectOnly: true}.where(rctx)
	rows, err := sts.db.ReadDB.Query("SELECT "+triggerColumns+" FROM triggers"+buildWhere(conds)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	triggers := make([]Trigger, 0)
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, *trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return triggers, nil
}

// UpdateTrigger updates the trigger record with the most recent data. The
// row is re-fetched inside the transaction before mutating, and the whole
// unit of work is retried on transient write conflicts.
func (sts *SQLiteTriggerStorage) UpdateTrigger(rctx *RequestContext, id string, values map[string]any) (*Trigger, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var updated *Trigger
	err := sts.db.withConflictRetry("trigger_update", func() error {
		return sts.db.WithTransaction(func(tx *sql.Tx) error {
			trigger, err := sts.getTrigger(rctx, tx, id)
			if err != nil {
				return err
			}
			if err := applyTriggerValues(trigger, values); err != nil {
				return err
			}
			trigger.UpdatedAt = time.Now().UTC()

			propertiesJSON, err := json.Marshal(trigger.Properties)
			if err != nil {
				return fmt.Errorf("failed to marshal trigger properties: %w", err)
			}

			_, err = tx.Exec(`
				UPDATE triggers
				SET name = ?, type = ?, properties = ?, updated_at = ?
				WHERE id = ?`,
				trigger.Name,
				trigger.Type,
				string(propertiesJSON),
				formatTime(trigger.UpdatedAt),
				id,
			)
			if err != nil {
				return fmt.Errorf("failed to update trigger: %w", err)
			}

			updated = trigger
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sts.logger.Infof("Updated trigger %s", id)
	return updated, nil
}

// DeleteTrigger hard-deletes a trigger record.
func (sts *SQLiteTriggerStorage) DeleteTrigger(rctx *RequestContext, id string) error {
	if err := RequireContext(rctx); err != nil {
		return err
	}

	err := sts.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := sts.getTrigger(rctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM triggers WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete trigger: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sts.logger.Infof("Deleted trigger %s", id)
	return nil
}
