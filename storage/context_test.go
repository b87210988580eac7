package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminContext(t *testing.T) {
	rctx := AdminContext()
	assert.True(t, rctx.IsAdmin)
	assert.Empty(t, rctx.UserID)
	assert.Empty(t, rctx.ProjectID)
}

func TestIsAdminContext_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { IsAdminContext(nil) })
}

func TestIsUserContext(t *testing.T) {
	assert.True(t, IsUserContext(&RequestContext{UserID: "u1", ProjectID: "p1"}))

	// Admin contexts are never user contexts.
	assert.False(t, IsUserContext(&RequestContext{UserID: "u1", ProjectID: "p1", IsAdmin: true}))

	// A user context needs both identifiers.
	assert.False(t, IsUserContext(&RequestContext{UserID: "u1"}))
	assert.False(t, IsUserContext(&RequestContext{ProjectID: "p1"}))
	assert.False(t, IsUserContext(&RequestContext{}))
}

func TestRequireContext(t *testing.T) {
	assert.NoError(t, RequireContext(AdminContext()))
	assert.NoError(t, RequireContext(&RequestContext{UserID: "u1", ProjectID: "p1"}))

	err := RequireContext(&RequestContext{UserID: "u1"})
	require.ErrorIs(t, err, ErrNotAuthorized)

	err = RequireContext(&RequestContext{})
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRequireAdminContext(t *testing.T) {
	assert.NoError(t, RequireAdminContext(AdminContext()))

	err := RequireAdminContext(&RequestContext{UserID: "u1", ProjectID: "p1"})
	require.ErrorIs(t, err, ErrAdminRequired)
}

func TestAuthorizeProjectContext(t *testing.T) {
	user := &RequestContext{UserID: "u1", ProjectID: "p1"}

	assert.NoError(t, AuthorizeProjectContext(user, "p1"))
	assert.ErrorIs(t, AuthorizeProjectContext(user, "p2"), ErrNotAuthorized)

	// Admins may touch any project.
	assert.NoError(t, AuthorizeProjectContext(AdminContext(), "p2"))
}

func TestAuthorizeUserContext(t *testing.T) {
	user := &RequestContext{UserID: "u1", ProjectID: "p1"}

	assert.NoError(t, AuthorizeUserContext(user, "u1"))
	assert.ErrorIs(t, AuthorizeUserContext(user, "u2"), ErrNotAuthorized)

	assert.NoError(t, AuthorizeUserContext(AdminContext(), "u2"))
}
