package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryScope_DefaultHidesDeleted(t *testing.T) {
	conds, args := queryScope{}.where(AdminContext())
	assert.Equal(t, []string{"deleted = 0"}, conds)
	assert.Empty(t, args)
}

func TestQueryScope_ContextDefaultApplies(t *testing.T) {
	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeletedOnly}
	conds, _ := queryScope{}.where(rctx)
	assert.Equal(t, []string{"deleted = 1"}, conds)
}

func TestQueryScope_ExplicitOverridesContext(t *testing.T) {
	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeletedOnly}
	conds, _ := queryScope{readDeleted: ReadDeletedNo}.where(rctx)
	assert.Equal(t, []string{"deleted = 0"}, conds)
}

func TestQueryScope_YesDropsDeletionFilter(t *testing.T) {
	conds, _ := queryScope{readDeleted: ReadDeletedYes}.where(AdminContext())
	assert.Empty(t, conds)
}

func TestQueryScope_ProjectOnlyScopesUserContexts(t *testing.T) {
	user := &RequestContext{UserID: "u1", ProjectID: "p1"}
	conds, args := queryScope{projectOnly: true}.where(user)
	assert.Equal(t, []string{"deleted = 0", "project_id = ?"}, conds)
	assert.Equal(t, []any{"p1"}, args)
}

func TestQueryScope_ProjectOnlyIgnoredForAdmins(t *testing.T) {
	conds, args := queryScope{projectOnly: true}.where(AdminContext())
	assert.Equal(t, []string{"deleted = 0"}, conds)
	assert.Empty(t, args)
}

func TestQueryScope_PanicsOnUnrecognizedVisibility(t *testing.T) {
	assert.Panics(t, func() {
		queryScope{readDeleted: ReadDeleted("banana")}.where(AdminContext())
	})
}

func TestQueryScope_PanicsOnUnrecognizedContextDefault(t *testing.T) {
	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeleted("maybe")}
	assert.Panics(t, func() {
		queryScope{}.where(rctx)
	})
}

func TestBuildWhere(t *testing.T) {
	assert.Equal(t, "", buildWhere(nil))
	assert.Equal(t, " WHERE deleted = 0", buildWhere([]string{"deleted = 0"}))
	assert.Equal(t, " WHERE deleted = 0 AND id = ?", buildWhere([]string{"deleted = 0", "id = ?"}))
}
