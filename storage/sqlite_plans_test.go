package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPlanStorage(t *testing.T) (*SQLitePlanStorage, *SQLite) {
	t.Helper()
	sqlite := setupTestSQLite(t)
	t.Cleanup(func() { _ = sqlite.Close() })
	return NewSQLitePlanStorage(sqlite, zap.NewNop().Sugar()), sqlite
}

func samplePlan(projectID string) *Plan {
	return &Plan{
		Name:       "nightly volumes",
		ProviderID: "provider-1",
		ProjectID:  projectID,
		Status:     "started",
		Parameters: map[string]any{"retention": "7d"},
		Resources: []Resource{
			{ResourceID: "vol-1", ResourceType: "OS::Cinder::Volume"},
			{ResourceID: "srv-1", ResourceType: "OS::Nova::Server"},
		},
	}
}

func TestCreatePlan_GeneratesUUID(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err, "Generated plan id should be a UUID")

	got, err := store.GetPlan(adminCtx(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly volumes", got.Name)
	assert.Equal(t, "provider-1", got.ProviderID)
	assert.Equal(t, "started", got.Status)
	assert.Equal(t, "7d", got.Parameters["retention"])
	require.Len(t, got.Resources, 2)
	assert.Equal(t, "vol-1", got.Resources[0].ResourceID)
	assert.Equal(t, "OS::Cinder::Volume", got.Resources[0].ResourceType)
}

func TestCreatePlan_PreservesSuppliedID(t *testing.T) {
	store, _ := setupPlanStorage(t)

	plan := samplePlan("p1")
	plan.ID = "11111111-2222-3333-4444-555555555555"

	created, err := store.CreatePlan(adminCtx(), plan)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, created.ID)
}

func TestCreatePlan_ResourcesShareTimestamp(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)
	require.Len(t, created.Resources, 2)

	assert.True(t, created.Resources[0].CreatedAt.Equal(created.Resources[1].CreatedAt),
		"Resources inserted together carry one transaction timestamp")
	assert.True(t, created.CreatedAt.Equal(created.Resources[0].CreatedAt))
}

func TestGetPlan_NotFound(t *testing.T) {
	store, _ := setupPlanStorage(t)

	_, err := store.GetPlan(adminCtx(), "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestGetPlan_ProjectScopingNeverLeaks(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	// The owning project sees its plan.
	got, err := store.GetPlan(userCtx("u1", "p1"), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	// A foreign project gets NotFound, not a leak.
	_, err = store.GetPlan(userCtx("u2", "p2"), created.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	// Admins are never project-scoped.
	_, err = store.GetPlan(adminCtx(), created.ID)
	assert.NoError(t, err)
}

func TestGetPlans_Filters(t *testing.T) {
	store, _ := setupPlanStorage(t)

	first := samplePlan("p1")
	first.Name = "alpha"
	first.Status = "started"
	_, err := store.CreatePlan(adminCtx(), first)
	require.NoError(t, err)

	second := samplePlan("p1")
	second.Name = "beta"
	second.Status = "suspended"
	_, err = store.CreatePlan(adminCtx(), second)
	require.NoError(t, err)

	all, err := store.GetPlans(adminCtx(), false, PlanFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	started, err := store.GetPlans(adminCtx(), false, PlanFilters{Status: "started"})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "alpha", started[0].Name)

	named, err := store.GetPlans(adminCtx(), false, PlanFilters{Name: "beta"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "suspended", named[0].Status)
}

func TestGetPlans_ProjectOnly(t *testing.T) {
	store, _ := setupPlanStorage(t)

	_, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)
	_, err = store.CreatePlan(adminCtx(), samplePlan("p2"))
	require.NoError(t, err)

	mine, err := store.GetPlans(userCtx("u1", "p1"), true, PlanFilters{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "p1", mine[0].ProjectID)

	// Admin contexts see every project even with projectOnly set.
	all, err := store.GetPlans(adminCtx(), true, PlanFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdatePlan_Fields(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	updated, err := store.UpdatePlan(adminCtx(), created.ID, map[string]any{
		"name":   "renamed",
		"status": "suspended",
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "suspended", updated.Status)
	assert.Len(t, updated.Resources, 2, "Field updates leave the resource set alone")
}

func TestUpdatePlan_ReplacesResourcesWholesale(t *testing.T) {
	store, sqlite := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	updated, err := store.UpdatePlan(adminCtx(), created.ID, map[string]any{
		"resources": []Resource{
			{ResourceID: "net-1", ResourceType: "OS::Neutron::Network"},
		},
	})
	require.NoError(t, err)
	require.Len(t, updated.Resources, 1)
	assert.Equal(t, "net-1", updated.Resources[0].ResourceID)

	// The old rows are soft-deleted, not removed.
	var liveCount, deadCount int
	require.NoError(t, sqlite.ReadDB.QueryRow(
		"SELECT COUNT(*) FROM resources WHERE plan_id = ? AND deleted = 0", created.ID).Scan(&liveCount))
	require.NoError(t, sqlite.ReadDB.QueryRow(
		"SELECT COUNT(*) FROM resources WHERE plan_id = ? AND deleted = 1", created.ID).Scan(&deadCount))
	assert.Equal(t, 1, liveCount)
	assert.Equal(t, 2, deadCount)

	// Soft-deleting old rows leaves their updated_at untouched.
	var updatedAt, deletedAt string
	require.NoError(t, sqlite.ReadDB.QueryRow(
		"SELECT updated_at, deleted_at FROM resources WHERE plan_id = ? AND deleted = 1 LIMIT 1", created.ID).
		Scan(&updatedAt, &deletedAt))
	parsedUpdated, err := parseTime(updatedAt)
	require.NoError(t, err)
	assert.True(t, parsedUpdated.Equal(created.Resources[0].UpdatedAt))
	assert.NotEmpty(t, deletedAt)
}

func TestUpdatePlan_ExistenceCheckedBeforeMutation(t *testing.T) {
	store, _ := setupPlanStorage(t)

	_, err := store.UpdatePlan(adminCtx(), "missing", map[string]any{
		"resources": []Resource{{ResourceID: "r", ResourceType: "t"}},
	})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestUpdatePlan_RejectsBadResourcesValue(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	_, err = store.UpdatePlan(adminCtx(), created.ID, map[string]any{"resources": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected []Resource")
}

func TestUpdatePlanResources(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	replaced, err := store.UpdatePlanResources(adminCtx(), created.ID, []Resource{
		{ResourceID: "vol-9", ResourceType: "OS::Cinder::Volume"},
		{ResourceID: "vol-10", ResourceType: "OS::Cinder::Volume"},
		{ResourceID: "srv-2", ResourceType: "OS::Nova::Server"},
	})
	require.NoError(t, err)
	require.Len(t, replaced, 3)
	assert.True(t, replaced[0].CreatedAt.Equal(replaced[2].CreatedAt),
		"Replacement rows share one transaction timestamp")

	_, err = store.UpdatePlanResources(adminCtx(), "missing", nil)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestDeletePlan_SoftDeleteCascades(t *testing.T) {
	store, sqlite := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	require.NoError(t, store.DeletePlan(adminCtx(), created.ID))

	// Gone under default visibility.
	_, err = store.GetPlan(adminCtx(), created.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	// Visible with the deleted flag set under deleted-only visibility.
	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeletedOnly}
	got, err := store.GetPlan(rctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	require.NotNil(t, got.DeletedAt)
	assert.Empty(t, got.Resources, "Eager loading only ever returns live resources")

	// updated_at keeps its pre-delete value.
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt))

	// Every owned resource was soft-deleted with the plan.
	var liveCount int
	require.NoError(t, sqlite.ReadDB.QueryRow(
		"SELECT COUNT(*) FROM resources WHERE plan_id = ? AND deleted = 0", created.ID).Scan(&liveCount))
	assert.Equal(t, 0, liveCount)
}

func TestDeletePlan_Idempotent(t *testing.T) {
	store, sqlite := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	require.NoError(t, store.DeletePlan(adminCtx(), created.ID))

	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeletedOnly}
	first, err := store.GetPlan(rctx, created.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.DeletePlan(adminCtx(), created.ID))

	second, err := store.GetPlan(rctx, created.ID)
	require.NoError(t, err)
	assert.True(t, first.DeletedAt.Equal(*second.DeletedAt), "deleted_at is stamped exactly once")

	var count int
	require.NoError(t, sqlite.ReadDB.QueryRow(
		"SELECT COUNT(*) FROM plans WHERE id = ?", created.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeletePlan_RequiresAdmin(t *testing.T) {
	store, _ := setupPlanStorage(t)

	created, err := store.CreatePlan(adminCtx(), samplePlan("p1"))
	require.NoError(t, err)

	err = store.DeletePlan(userCtx("u1", "p1"), created.ID)
	assert.ErrorIs(t, err, ErrAdminRequired)

	// The plan is untouched.
	_, err = store.GetPlan(adminCtx(), created.ID)
	assert.NoError(t, err)
}

func TestGetPlan_PanicsOnUnrecognizedVisibility(t *testing.T) {
	store, _ := setupPlanStorage(t)

	rctx := &RequestContext{IsAdmin: true, ReadDeleted: ReadDeleted("banana")}
	assert.Panics(t, func() {
		_, _ = store.GetPlan(rctx, "any")
	})
}
