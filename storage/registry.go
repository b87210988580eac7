package storage

import (
	"fmt"
	"strconv"
)

// EntityKind tags the closed set of entity types the lookup registry can
// dispatch on.
type EntityKind string

const (
	EntityService                 EntityKind = "service"
	EntityTrigger                 EntityKind = "trigger"
	EntityScheduledOperation      EntityKind = "scheduled_operation"
	EntityScheduledOperationState EntityKind = "scheduled_operation_state"
	EntityScheduledOperationLog   EntityKind = "scheduled_operation_log"
	EntityPlan                    EntityKind = "plan"
)

// Registry maps an entity kind to its "get by id" operation so callers can
// fetch a record without knowing the concrete repository. The mapping is a
// literal table populated once at construction; unknown kinds fail with
// ErrUnknownEntityKind, never with an entity's own NotFound.
type Registry struct {
	getters map[EntityKind]func(*RequestContext, string) (any, error)
}

// NewRegistry builds the lookup table over the concrete repositories. State
// lookups are keyed by operation id, matching that entity's natural key.
func NewRegistry(
	services *SQLiteServiceStorage,
	triggers *SQLiteTriggerStorage,
	operations *SQLiteScheduledOperationStorage,
	states *SQLiteOperationStateStorage,
	logs *SQLiteOperationLogStorage,
	plans *SQLitePlanStorage,
) *Registry {
	return &Registry{
		getters: map[EntityKind]func(*RequestContext, string) (any, error){
			EntityService: func(rctx *RequestContext, id string) (any, error) {
				serviceID, err := strconv.ParseInt(id, 10, 64)
				if err != nil {
					return nil, ErrServiceNotFound
				}
				return services.GetService(rctx, serviceID)
			},
			EntityTrigger: func(rctx *RequestContext, id string) (any, error) {
				return triggers.GetTrigger(rctx, id)
			},
			EntityScheduledOperation: func(rctx *RequestContext, id string) (any, error) {
				return operations.GetScheduledOperation(rctx, id)
			},
			EntityScheduledOperationState: func(rctx *RequestContext, id string) (any, error) {
				return states.GetOperationState(rctx, id)
			},
			EntityScheduledOperationLog: func(rctx *RequestContext, id string) (any, error) {
				logID, err := strconv.ParseInt(id, 10, 64)
				if err != nil {
					return nil, ErrScheduledOperationLogNotFound
				}
				return logs.GetOperationLog(rctx, logID)
			},
			EntityPlan: func(rctx *RequestContext, id string) (any, error) {
				return plans.GetPlan(rctx, id)
			},
		},
	}
}

// GetByID dispatches to the kind's "get" operation.
func (r *Registry) GetByID(rctx *RequestContext, kind EntityKind, id string) (any, error) {
	if err := RequireContext(rctx); err != nil {
		return nil, err
	}
	getter, ok := r.getters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityKind, kind)
	}
	return getter(rctx, id)
}
