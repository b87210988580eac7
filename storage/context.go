package storage

// RequestContext carries the caller identity threaded through every storage
// operation. The API layer builds it from the authenticated request; this
// layer only ever reads it.
type RequestContext struct {
	UserID    string
	ProjectID string
	IsAdmin   bool

	// ReadDeleted is the context's default soft-delete visibility. The zero
	// value is treated as ReadDeletedNo.
	ReadDeleted ReadDeleted
}

// AdminContext returns a request context with administrative rights, used by
// internal callers such as the heartbeat reporter.
func AdminContext() *RequestContext {
	return &RequestContext{IsAdmin: true}
}

// mustContext asserts that a request context is present at all. A nil
// context means an authentication boundary was skipped upstream; that is a
// caller bug, not a recoverable condition.
func mustContext(rctx *RequestContext) {
	if rctx == nil {
		panic("storage: nil request context")
	}
}

// IsAdminContext reports whether the request context is an administrator.
func IsAdminContext(rctx *RequestContext) bool {
	mustContext(rctx)
	return rctx.IsAdmin
}

// IsUserContext reports whether the request context is a well-formed
// non-admin user context.
func IsUserContext(rctx *RequestContext) bool {
	mustContext(rctx)
	if rctx.IsAdmin {
		return false
	}
	return rctx.UserID != "" && rctx.ProjectID != ""
}

// RequireContext fails unless the context is an admin or a well-formed user
// context. Every non-admin repository operation starts with this gate.
func RequireContext(rctx *RequestContext) error {
	if !IsAdminContext(rctx) && !IsUserContext(rctx) {
		return ErrNotAuthorized
	}
	return nil
}

// RequireAdminContext fails unless the context is an administrator. Every
// admin-only repository operation starts with this gate.
func RequireAdminContext(rctx *RequestContext) error {
	if !IsAdminContext(rctx) {
		return ErrAdminRequired
	}
	return nil
}

// AuthorizeProjectContext ensures the request has permission to access the
// given project. Admin contexts always pass.
func AuthorizeProjectContext(rctx *RequestContext, projectID string) error {
	if IsUserContext(rctx) && rctx.ProjectID != projectID {
		return ErrNotAuthorized
	}
	return nil
}

// AuthorizeUserContext ensures the request has permission to access the
// given user. Admin contexts always pass.
func AuthorizeUserContext(rctx *RequestContext, userID string) error {
	if IsUserContext(rctx) && rctx.UserID != userID {
		return ErrNotAuthorized
	}
	return nil
}
