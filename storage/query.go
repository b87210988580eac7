package storage

import (
	"fmt"
	"strings"
)

// ReadDeleted selects which rows a query sees relative to the soft-delete
// flag.
type ReadDeleted string

const (
	// ReadDeletedNo returns only live rows. This is the default.
	ReadDeletedNo ReadDeleted = "no"
	// ReadDeletedYes returns live and soft-deleted rows.
	ReadDeletedYes ReadDeleted = "yes"
	// ReadDeletedOnly returns soft-deleted rows exclusively.
	ReadDeletedOnly ReadDeleted = "only"
)

// queryScope collects the cross-cutting filters applied to every entity
// query: the tri-state soft-delete visibility and optional tenant scoping.
type queryScope struct {
	// readDeleted overrides the context's default visibility when non-empty.
	readDeleted ReadDeleted
	// projectOnly restricts the query to the context's project when the
	// context is a non-admin user context. Admin contexts are never
	// project-scoped.
	projectOnly bool
}

// where returns the WHERE-clause conditions and arguments for the scope.
// An unrecognized ReadDeleted value is a caller-contract violation and
// panics; it must never reach the database.
func (sc queryScope) where(rctx *RequestContext) ([]string, []any) {
	mustContext(rctx)

	readDeleted := sc.readDeleted
	if readDeleted == "" {
		readDeleted = rctx.ReadDeleted
	}
	if readDeleted == "" {
		readDeleted = ReadDeletedNo
	}

	var conds []string
	var args []any

	switch readDeleted {
	case ReadDeletedNo:
		conds = append(conds, "deleted = 0")
	case ReadDeletedYes:
		// No deletion filter: both live and soft-deleted rows.
	case ReadDeletedOnly:
		conds = append(conds, "deleted = 1")
	default:
		panic(fmt.Sprintf("storage: unrecognized read_deleted value %q", readDeleted))
	}

	if sc.projectOnly && IsUserContext(rctx) {
		conds = append(conds, "project_id = ?")
		args = append(args, rctx.ProjectID)
	}

	return conds, args
}

// buildWhere joins conditions into a WHERE clause, or returns the empty
// string when there are none.
func buildWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
