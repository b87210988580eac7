package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupOperationStorages(t *testing.T) (*SQLiteScheduledOperationStorage, *SQLiteTriggerStorage) {
	t.Helper()
	sqlite := setupTestSQLite(t)
	t.Cleanup(func() { _ = sqlite.Close() })
	logger := zap.NewNop().Sugar()
	return NewSQLiteScheduledOperationStorage(sqlite, logger), NewSQLiteTriggerStorage(sqlite, logger)
}

func sampleOperation(id, projectID, triggerID string) *ScheduledOperation {
	return &ScheduledOperation{
		ID:            id,
		Name:          "nightly protect",
		OperationType: "protect",
		ProjectID:     projectID,
		TriggerID:     triggerID,
		OperationDefinition: map[string]any{
			"plan_id":     "plan-1",
			"provider_id": "provider-1",
		},
		Enabled: true,
	}
}

func TestCreateScheduledOperation(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	created, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, "op-1", created.ID)

	got, err := ops.GetScheduledOperation(adminCtx(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly protect", got.Name)
	assert.Equal(t, "protect", got.OperationType)
	assert.Equal(t, "t1", got.TriggerID)
	assert.Equal(t, "plan-1", got.OperationDefinition["plan_id"])
	assert.True(t, got.Enabled)
	assert.Nil(t, got.Trigger, "Plain get does not eager-load the trigger")
}

func TestCreateScheduledOperation_RequiresID(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("", "p1", "t1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ID cannot be empty")
}

func TestGetScheduledOperation_NotFound(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.GetScheduledOperation(adminCtx(), "missing")
	assert.ErrorIs(t, err, ErrScheduledOperationNotFound)
}

func TestGetScheduledOperationWithTrigger(t *testing.T) {
	ops, triggers := setupOperationStorages(t)

	_, err := triggers.CreateTrigger(adminCtx(), &Trigger{ID: "t1", Name: "nightly", ProjectID: "p1", Type: "time"})
	require.NoError(t, err)
	_, err = ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "t1"))
	require.NoError(t, err)

	got, err := ops.GetScheduledOperationWithTrigger(adminCtx(), "op-1")
	require.NoError(t, err)
	require.NotNil(t, got.Trigger)
	assert.Equal(t, "t1", got.Trigger.ID)
	assert.Equal(t, "nightly", got.Trigger.Name)
}

func TestGetScheduledOperationWithTrigger_DanglingReference(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "gone"))
	require.NoError(t, err)

	got, err := ops.GetScheduledOperationWithTrigger(adminCtx(), "op-1")
	require.NoError(t, err, "A dangling trigger reference must not fail the fetch")
	assert.Nil(t, got.Trigger)
}

func TestGetScheduledOperations_ProjectScoping(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "t1"))
	require.NoError(t, err)
	_, err = ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-2", "p2", "t1"))
	require.NoError(t, err)

	all, err := ops.GetScheduledOperations(adminCtx())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := ops.GetScheduledOperations(userCtx("u1", "p1"))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "op-1", mine[0].ID)
}

func TestUpdateScheduledOperation(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "t1"))
	require.NoError(t, err)

	updated, err := ops.UpdateScheduledOperation(adminCtx(), "op-1", map[string]any{
		"enabled":    false,
		"trigger_id": "t2",
	})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "t2", updated.TriggerID)

	got, err := ops.GetScheduledOperation(adminCtx(), "op-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "t2", got.TriggerID)
}

func TestUpdateScheduledOperation_NotFound(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.UpdateScheduledOperation(adminCtx(), "missing", map[string]any{"enabled": false})
	assert.ErrorIs(t, err, ErrScheduledOperationNotFound)
}

func TestDeleteScheduledOperation_HardDelete(t *testing.T) {
	ops, _ := setupOperationStorages(t)

	_, err := ops.CreateScheduledOperation(adminCtx(), sampleOperation("op-1", "p1", "t1"))
	require.NoError(t, err)

	require.NoError(t, ops.DeleteScheduledOperation(adminCtx(), "op-1"))

	_, err = ops.GetScheduledOperation(adminCtx(), "op-1")
	assert.ErrorIs(t, err, ErrScheduledOperationNotFound)
}
