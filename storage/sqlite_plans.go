package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLitePlanStorage handles protection plan persistence in SQLite. A plan
// exclusively owns its resources: they are inserted with the plan, replaced
// wholesale on update, and soft-deleted together with the plan.
type SQLitePlanStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLitePlanStorage creates a new SQLite plan storage handler.
func NewSQLitePlanStorage(db *SQLite, logger *zap.SugaredLogger) *SQLitePlanStorage {
	return &SQLitePlanStorage{db: db, logger: logger}
}

const (
	planColumns     = "id, name, provider_id, project_id, status, parameters, created_at, updated_at, deleted, deleted_at"
	resourceColumns = "id, plan_id, resource_id, resource_type, created_at, updated_at, deleted, deleted_at"
)

// querier is satisfied by both *sql.Tx and *sql.DB, so plan reads can run
// inside a caller's transaction or against the read pool.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func scanPlan(row rowScanner) (*Plan, error) {
	var plan Plan
	var parameters, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.ProviderID,
		&plan.ProjectID,
		&plan.Status,
		&parameters,
		&createdAt,
		&updatedAt,
		&plan.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if parameters.Valid && parameters.String != "" {
		if err := json.Unmarshal([]byte(parameters.String), &plan.Parameters); err != nil {
			return nil, fmt.Errorf("corrupted parameters for plan %s: %w", plan.ID, err)
		}
	}
	if plan.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for plan %s: %w", plan.ID, err)
	}
	if plan.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for plan %s: %w", plan.ID, err)
	}
	if plan.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for plan %s: %w", plan.ID, err)
	}

	return &plan, nil
}

func scanResource(row rowScanner) (*Resource, error) {
	var res Resource
	var deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&res.ID,
		&res.PlanID,
		&res.ResourceID,
		&res.ResourceType,
		&createdAt,
		&updatedAt,
		&res.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if res.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at timestamp for resource %d: %w", res.ID, err)
	}
	if res.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at timestamp for resource %d: %w", res.ID, err)
	}
	if res.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupted deleted_at timestamp for resource %d: %w", res.ID, err)
	}

	return &res, nil
}

func applyPlanValues(plan *Plan, values map[string]any) error {
	for key, value := range values {
		switch key {
		case "name":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("plan field name: expected string, got %T", value)
			}
			plan.Name = v
		case "provider_id":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("plan field provider_id: expected string, got %T", value)
			}
			plan.ProviderID = v
		case "status":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("plan field status: expected string, got %T", value)
			}
			plan.Status = v
		case "parameters":
			v, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("plan field parameters: expected map, got %T", value)
			}
			plan.Parameters = v
		case "resources":
			// Handled by the caller: resources are replaced wholesale, not
			// assigned field-wise.
		default:
			return fmt.Errorf("unrecognized plan field %q", key)
		}
	}
	return nil
}

// loadPlanResources fetches the live resources owned by a plan. Soft-deleted
// resources are never part of the eagerly loaded set.
func (sps *SQLitePlanStorage) loadPlanResources(q querier, planID string) ([]Resource, error) {
	rows, err := q.Query(
		"SELECT "+resourceColumns+" FROM resources WHERE plan_id = ? AND deleted = 0 ORDER BY id", planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan resources: %w", err)
	}
	defer rows.Close()

	resources := make([]Resource, 0)
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// getPlan fetches a plan with its resources eagerly loaded. Plan reads are
// always project-scoped: a non-admin user context only ever sees plans in
// its own project.
func (sps *SQLitePlanStorage) getPlan(rctx *RequestContext, q querier, planID string) (*Plan, error) {
	conds, args := queryScope{projectOnly: true}.where(rctx)
	conds = append(conds, "id = ?")
	args = append(args, planID)

	row := q.QueryRow("SELECT "+planColumns+" FROM plans"+buildWhere(conds), args...)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if plan.Resources, err = sps.loadPlanResources(q, planID); err != nil {
		return nil, err
	}
	return plan, nil
}

// insertPlanResources inserts resource rows owned by a plan, all stamped
// with the same transaction timestamp.
func (sps *SQLitePlanStorage) insertPlanResources(tx *sql.Tx, planID string, resources []Resource, now time.Time) error {
	for i := range resources {
		_, err := tx.Exec(`
			INSERT INTO resources (plan_id, resource_id, resource_type, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, 0, NULL)`,
			planID,
			resources[i].ResourceID,
			resources[i].ResourceType,
			formatTime(now),
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert resource %s/%s: %w", resources[i].ResourceID, resources[i].ResourceType, err)
		}
	}
	return nil
}

// replacePlanResources soft-deletes the plan's current resources and inserts
// the new set as fresh rows. Old rows keep their updated_at; the new rows
// share one transaction timestamp.
func (sps *SQLitePlanStorage) replacePlanResources(tx *sql.Tx, planID string, resources []Resource, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE resources
		SET deleted = 1, deleted_at = ?
		WHERE plan_id = ? AND deleted = 0`,
		formatTime(now), planID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete plan resources: %w", err)
	}
	return sps.insertPlanResources(tx, planID, resources, now)
}

// CreatePlan creates a plan together with its owned resources in one
// transaction. When no id is supplied one is generated. The freshly created
// plan is re-read with its resources eagerly loaded.
func (sps *SQLitePlanStorage) CreatePlan(rctx *RequestContext, plan *Plan) (*Plan, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	planID := plan.ID
	if planID == "" {
		planID = uuid.New().String()
	}

	parametersJSON, err := json.Marshal(plan.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan parameters: %w", err)
	}

	var created *Plan
	err = sps.db.WithTransaction(func(tx *sql.Tx) error {
		now := time.Now().UTC()

		_, err := tx.Exec(`
			INSERT INTO plans (id, name, provider_id, project_id, status, parameters, created_at, updated_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			planID,
			plan.Name,
			plan.ProviderID,
			plan.ProjectID,
			plan.Status,
			string(parametersJSON),
			formatTime(now),
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert plan: %w", err)
		}

		if err := sps.insertPlanResources(tx, planID, plan.Resources, now); err != nil {
			return err
		}

		created, err = sps.getPlan(rctx, tx, planID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sps.logger.Infof("Created plan %s (%s) with %d resources", created.Name, created.ID, len(created.Resources))
	return created, nil
}

// GetPlan retrieves a plan with its resources eagerly loaded.
func (sps *SQLitePlanStorage) GetPlan(rctx *RequestContext, planID string) (*Plan, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	return sps.getPlan(rctx, sps.db.ReadDB, planID)
}

// PlanFilters narrows GetPlans results. Zero values mean no filter.
type PlanFilters struct {
	Status string
	Name   string
}

// GetPlans retrieves plans visible to the context. With projectOnly set,
// non-admin user contexts only see plans in their own project; admin
// contexts are never project-scoped.
func (sps *SQLitePlanStorage) GetPlans(rctx *RequestContext, projectOnly bool, filters PlanFilters) ([]Plan, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	conds, args := queryScope{projectOnly: projectOnly}.where(rctx)
	if filters.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filters.Name)
	}

	rows, err := sps.db.ReadDB.Query("SELECT "+planColumns+" FROM plans"+buildWhere(conds)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	for i := range plans {
		if plans[i].Resources, err = sps.loadPlanResources(sps.db.ReadDB, plans[i].ID); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// UpdatePlan applies the supplied values to a plan. A "resources" key
// replaces the entire resource set: the plan's current resources are
// soft-deleted and the new list inserted as fresh rows, atomically with any
// other field updates. The plan must exist; the check happens before any
// mutation.
func (sps *SQLitePlanStorage) UpdatePlan(rctx *RequestContext, planID string, values map[string]any) (*Plan, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var resources []Resource
	replaceResources := false
	if raw, ok := values["resources"]; ok {
		res, ok := raw.([]Resource)
		if !ok {
			return nil, fmt.Errorf("plan field resources: expected []Resource, got %T", raw)
		}
		resources = res
		replaceResources = true
	}

	var updated *Plan
	err := sps.db.WithTransaction(func(tx *sql.Tx) error {
		plan, err := sps.getPlan(rctx, tx, planID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if replaceResources {
			if err := sps.replacePlanResources(tx, planID, resources, now); err != nil {
				return err
			}
		}

		if err := applyPlanValues(plan, values); err != nil {
			return err
		}
		plan.UpdatedAt = now

		parametersJSON, err := json.Marshal(plan.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal plan parameters: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE plans
			SET name = ?, provider_id = ?, status = ?, parameters = ?, updated_at = ?
			WHERE id = ?`,
			plan.Name,
			plan.ProviderID,
			plan.Status,
			string(parametersJSON),
			formatTime(plan.UpdatedAt),
			planID,
		)
		if err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}

		updated, err = sps.getPlan(rctx, tx, planID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sps.logger.Infof("Updated plan %s", planID)
	return updated, nil
}

// UpdatePlanResources replaces a plan's entire resource set, retrying on
// transient write conflicts. The plan must exist; the check happens before
// any mutation.
func (sps *SQLitePlanStorage) UpdatePlanResources(rctx *RequestContext, planID string, resources []Resource) ([]Resource, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}

	var replaced []Resource
	err := sps.db.withConflictRetry("plan_resources_update", func() error {
		return sps.db.WithTransaction(func(tx *sql.Tx) error {
			if _, err := sps.getPlan(rctx, tx, planID); err != nil {
				return err
			}
			if err := sps.replacePlanResources(tx, planID, resources, time.Now().UTC()); err != nil {
				return err
			}
			var err error
			replaced, err = sps.loadPlanResources(tx, planID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	sps.logger.Infof("Replaced resources of plan %s (%d entries)", planID, len(replaced))
	return replaced, nil
}

// DeletePlan soft-deletes a plan and cascades the soft delete to all of its
// resources in the same transaction. deleted_at is stamped exactly once:
// already-deleted rows are untouched, and updated_at keeps its value.
func (sps *SQLitePlanStorage) DeletePlan(rctx *RequestContext, planID string) error {
	if err := RequireAdminContext(rctx); err != nil {
		return err
	}

	err := sps.db.withConflictRetry("plan_destroy", func() error {
		return sps.db.WithTransaction(func(tx *sql.Tx) error {
			now := formatTime(time.Now().UTC())

			if _, err := tx.Exec(`
				UPDATE plans
				SET deleted = 1, deleted_at = ?
				WHERE id = ? AND deleted = 0`, now, planID); err != nil {
				return fmt.Errorf("failed to soft-delete plan: %w", err)
			}
			if _, err := tx.Exec(`
				UPDATE resources
				SET deleted = 1, deleted_at = ?
				WHERE plan_id = ? AND deleted = 0`, now, planID); err != nil {
				return fmt.Errorf("failed to soft-delete plan resources: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	sps.logger.Infof("Soft-deleted plan %s and its resources", planID)
	return nil
}
