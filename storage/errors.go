package storage

import "errors"

// Storage error constants
var (
	// ErrNotAuthorized is returned when a request context lacks rights for
	// the target project or user.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrAdminRequired is returned when a non-admin context calls an
	// admin-only operation.
	ErrAdminRequired = errors.New("admin context required")

	// ErrServiceNotFound is returned when a service is not found
	ErrServiceNotFound = errors.New("service not found")

	// ErrHostBinaryNotFound is returned when no service matches a
	// host/binary pair.
	ErrHostBinaryNotFound = errors.New("service with host and binary not found")

	// ErrTriggerNotFound is returned when a trigger is not found
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrScheduledOperationNotFound is returned when a scheduled operation is not found
	ErrScheduledOperationNotFound = errors.New("scheduled operation not found")

	// ErrScheduledOperationStateNotFound is returned when no state row exists
	// for an operation.
	ErrScheduledOperationStateNotFound = errors.New("scheduled operation state not found")

	// ErrScheduledOperationLogNotFound is returned when a scheduled operation
	// log entry is not found.
	ErrScheduledOperationLogNotFound = errors.New("scheduled operation log not found")

	// ErrPlanNotFound is returned when a plan is not found
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidOperationDefinition is raised by the operation engine when an
	// executor rejects its configuration. It is surfaced through this layer
	// unchanged so API callers can translate it uniformly.
	ErrInvalidOperationDefinition = errors.New("invalid operation definition")

	// ErrUnknownEntityKind is returned by the lookup registry for kinds
	// outside the closed EntityKind set. It is deliberately distinct from the
	// per-entity NotFound errors.
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
