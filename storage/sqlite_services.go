package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteServiceStorage handles the worker service registry in SQLite. All of
// its operations are admin-only.
type SQLiteServiceStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger

	// enableNewServices is the registration policy: when false, every newly
	// created service starts disabled regardless of the requested value.
	enableNewServices bool
}

// NewSQLiteServiceStorage creates a new SQLite service storage handler.
func NewSQLiteServiceStorage(db *SQLite, logger *zap.SugaredLogger, enableNewServices bool) *SQLiteServiceStorage {
	return &SQLiteServiceStorage{
		db:                db,
		logger:            logger,
		enableNewServices: enableNewServices,
	}
}

const serviceColumns = "id, host, binary, topic, disabled, report_count, modified_at, created_at, updated_at, deleted, deleted_at"

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*Service, error) {
	var svc Service
	var modifiedAt, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&svc.ID,
		&svc.Host,
		&svc.Binary,
		&svc.Topic,
		&svc.Disabled,
		&svc.ReportCount,
		&modifiedAt,
		&createdAt,
		&updatedAt,
		&svc.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if svc.ModifiedAt, err = scanNullableTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("corrupted modified_at timestamp for service %d: %w", svc.ID, err)
	}
	if svc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for service %d: %w", svc.ID, err)
	}
	if svc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for service %d: %w", svc.ID, err)
	}
	if svc.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for service %d: %w", svc.ID, err)
	}

	return &svc, nil
}

// applyServiceValues applies the supplied keys to svc; omitted fields are
// left untouched. An unrecognized key is a caller bug.
func applyServiceValues(svc *Service, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "host":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("service field host: expected string, got %T", value)
			}
			svc.Host = v
		case "binary":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("service field binary: expected string, got %T", value)
			}
			svc.Binary = v
		case "topic":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("service field topic: expected string, got %T", value)
			}
			svc.Topic = v
		case "disabled":
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("service field disabled: expected bool, got %T", value)
			}
			svc.Disabled = v
		case "report_count":
			switch v := value.(type) {
			case int:
				svc.ReportCount = int64(v)
			case int64:
				svc.ReportCount = v
			default:
				return fmt.Errorf("service field report_count: expected integer, got %T", value)
			}
		default:
			return fmt.Errorf("unrecognized service field %q", key)
		}
	}
	return nil
}

// CreateService registers a worker process instance. When new-service
// registration is administratively disabled, the created row starts
// disabled regardless of the caller's requested value.
func (sss *SQLiteServiceStorage) CreateService(rctx *RequestContext, svc *Service) (*Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	created := *svc
	if !sss.enableNewServices {
		created.Disabled = true
	}

	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Deleted = false
	created.DeletedAt = nil

	err := sss.db.WithTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO services (host, binary, topic, disabled, report_count, modified_at, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			created.Host,
			created.Binary,
			created.Topic,
			created.Disabled,
			created.ReportCount,
			nullableTime(created.ModifiedAt),
			formatTime(created.CreatedAt),
			formatTime(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert service: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read service id: %w", err)
		}
		created.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	sss.logger.Infof("Registered service %d (%s on %s)", created.ID, created.Binary, created.Host)
	return &created, nil
}

// queryRower is satisfied by both *sql.Tx and *sql.DB.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (sss *SQLiteServiceStorage) getService(rctx *RequestContext, q queryRower, id int64) (*Service, error) {
	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, id)

	row := q.QueryRow("SELECT "+serviceColumns+" FROM services"+buildWhere(conds), args...)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// GetService retrieves a single service by id.
func (sss *SQLiteServiceStorage) GetService(rctx *RequestContext, id int64) (*Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}
	return sss.getService(rctx, sss.db.ReadDB, id)
}

// GetServices retrieves all services, optionally filtered by the disabled
// flag.
func (sss *SQLiteServiceStorage) GetServices(rctx *RequestContext, disabled *bool) ([]Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{}.where(rctx)
	if disabled != nil {
		conds = append(conds, "disabled = ?")
		args = append(args, *disabled)
	}

	return sss.queryServices("SELECT "+serviceColumns+" FROM services"+buildWhere(conds)+" ORDER BY id", args...)
}

// GetServicesByTopic retrieves live services on a topic, optionally filtered
// by the disabled flag.
func (sss *SQLiteServiceStorage) GetServicesByTopic(rctx *RequestContext, topic string, disabled *bool) ([]Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{readDeleted: ReadDeletedNo}.where(rctx)
	conds = append(conds, "topic = ?")
	args = append(args, topic)
	if disabled != nil {
		conds = append(conds, "disabled = ?")
		args = append(args, *disabled)
	}

	return sss.queryServices("SELECT "+serviceColumns+" FROM services"+buildWhere(conds)+" ORDER BY id", args...)
}

// GetServiceByHostAndTopic retrieves the enabled live service for a
// host/topic pair.
func (sss *SQLiteServiceStorage) GetServiceByHostAndTopic(rctx *RequestContext, host, topic string) (*Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{readDeleted: ReadDeletedNo}.where(rctx)
	conds = append(conds, "disabled = 0", "host = ?", "topic = ?")
	args = append(args, host, topic)

	row := sss.db.ReadDB.QueryRow("SELECT "+serviceColumns+" FROM services"+buildWhere(conds)+" LIMIT 1", args...)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service by host and topic: %w", err)
	}
	return svc, nil
}

// GetServiceByArgs retrieves the service for a host/binary pair, used by the
// heartbeat reporter to re-adopt its row after a restart.
func (sss *SQLiteServiceStorage) GetServiceByArgs(rctx *RequestContext, host, binary string) (*Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{}.where(rctx)
	conds = append(conds, "host = ?", "binary = ?")
	args = append(args, host, binary)

	services, err := sss.queryServices("SELECT "+serviceColumns+" FROM services"+buildWhere(conds)+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, ErrHostBinaryNotFound
	}
	return &services[0], nil
}

// UpdateService applies the supplied values to a service. The current row is
// re-fetched inside the same transaction before mutating. When the update
// touches the disabled flag, modified_at is stamped with the current time
// and updated_at is taken from the database clock so the transition's
// ordering is server-authoritative.
func (sss *SQLiteServiceStorage) UpdateService(rctx *RequestContext, id int64, values map[string]any) (*Service, error) {
	if err := RequireAdminContext(rctx); err != nil {
		return nil, err
	}

	var updated *Service
	err := sss.db.WithTransaction(func(tx *sql.Tx) error {
		svc, err := sss.getService(rctx, tx, id)
		if err != nil {
			return err
		}

		_, touchesDisabled := values["disabled"]
		if err := applyServiceValues(svc, values); err != nil {
			return err
		}

		updatedAtExpr := "?"
		updateArgs := []any{
			svc.Host,
			svc.Binary,
			svc.Topic,
			svc.Disabled,
			svc.ReportCount,
		}
		if touchesDisabled {
			now := time.Now().UTC()
			svc.ModifiedAt = &now
			updatedAtExpr = sqliteNowExpr
			updateArgs = append(updateArgs, nullableTime(svc.ModifiedAt))
		} else {
			svc.UpdatedAt = time.Now().UTC()
			updateArgs = append(updateArgs, nullableTime(svc.ModifiedAt), formatTime(svc.UpdatedAt))
		}
		updateArgs = append(updateArgs, id)

		_, err = tx.Exec(`
			UPDATE services
			SET host = ?, binary = ?, topic = ?, disabled = ?, report_count = ?,
			    modified_at = ?, updated_at = `+updatedAtExpr+`
			WHERE id = ?`, updateArgs...)
		if err != nil {
			return fmt.Errorf("failed to update service: %w", err)
		}

		// Re-read so the returned row carries the database-stamped
		// updated_at for disabled transitions.
		updated, err = sss.getService(rctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	sss.logger.Infof("Updated service %d", id)
	return updated, nil
}

// DeleteService hard-deletes a service row on explicit decommission.
func (sss *SQLiteServiceStorage) DeleteService(rctx *RequestContext, id int64) error {
	if err := RequireAdminContext(rctx); err != nil {
		return err
	}

	err := sss.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := sss.getService(rctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM services WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete service: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sss.logger.Infof("Decommissioned service %d", id)
	return nil
}

func (sss *SQLiteServiceStorage) queryServices(query string, args ...any) ([]Service, error) {
	rows, err := sss.db.ReadDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	services := make([]Service, 0)
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, *svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}
	return services, nil
}
