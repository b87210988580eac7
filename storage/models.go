package storage

import "time"

// All entities share the soft-delete bookkeeping columns: CreatedAt,
// UpdatedAt, Deleted and DeletedAt. A soft delete sets Deleted and stamps
// DeletedAt exactly once; UpdatedAt is left untouched by the delete itself.

// Service represents one registered worker process instance. Rows are
// created on process registration, updated on heartbeat or disable, and
// hard-deleted on explicit decommission.
type Service struct {
	ID          int64
	Host        string
	Binary      string
	Topic       string
	Disabled    bool
	ReportCount int64
	// ModifiedAt is stamped whenever the disabled flag transitions; for that
	// transition UpdatedAt is taken from the database clock instead of the
	// application clock so ordering is server-authoritative.
	ModifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Deleted    bool
	DeletedAt  *time.Time
}

// Trigger is a schedule definition owned by a tenant. Its Properties payload
// (cron expression, window, ...) is opaque to this layer; the scheduling
// engine interprets it.
type Trigger struct {
	ID         string
	Name       string
	ProjectID  string
	Type       string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Deleted    bool
	DeletedAt  *time.Time
}

// ScheduledOperation binds a Trigger to an operation type and its opaque
// definition. TriggerID is not enforced by cascade: dangling references are
// tolerated here and are the scheduler's concern.
type ScheduledOperation struct {
	ID                  string
	Name                string
	OperationType       string
	ProjectID           string
	TriggerID           string
	OperationDefinition map[string]any
	Enabled             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Deleted             bool
	DeletedAt           *time.Time

	// Trigger is populated only when the operation is fetched with its
	// trigger eagerly loaded.
	Trigger *Trigger
}

// ScheduledOperationState is the single mutable "current state" row for an
// operation, keyed by OperationID. The operation engine owns all transition
// logic; State is a free-form status token at this layer.
type ScheduledOperationState struct {
	ID            int64
	OperationID   string
	ServiceID     int64
	State         string
	EndTimeForRun *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Deleted       bool
	DeletedAt     *time.Time
}

// ScheduledOperationLog is one historical execution event for an operation.
// Rows are append-oriented: never updated except by a pre-completion fix-up,
// and never treated as current state.
type ScheduledOperationLog struct {
	ID          int64
	OperationID string
	State       string
	ExtendInfo  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deleted     bool
	DeletedAt   *time.Time
}

// Plan is a named collection of protected Resources under a tenant. A plan
// exclusively owns its resources; they are wholesale replaced on update,
// never merged.
type Plan struct {
	ID         string
	Name       string
	ProviderID string
	ProjectID  string
	Status     string
	Parameters map[string]any
	Resources  []Resource
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Deleted    bool
	DeletedAt  *time.Time
}

// Resource belongs to exactly one Plan. Its identity is the
// (ResourceID, ResourceType) pair within that plan, not globally unique.
type Resource struct {
	ID           int64
	PlanID       string
	ResourceID   string
	ResourceType string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Deleted      bool
	DeletedAt    *time.Time
}
