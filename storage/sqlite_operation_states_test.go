package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupOperationStateStorage(t *testing.T) *SQLiteOperationStateStorage {
	t.Helper()
	sqlite := setupTestSQLite(t)
	t.Cleanup(func() { _ = sqlite.Close() })
	return NewSQLiteOperationStateStorage(sqlite, zap.NewNop().Sugar())
}

func TestCreateOperationState(t *testing.T) {
	store := setupOperationStateStorage(t)

	created, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{
		OperationID: "op-1",
		ServiceID:   7,
		State:       "init",
	})
	require.NoError(t, err)
	assert.Greater(t, created.ID, int64(0))

	got, err := store.GetOperationState(adminCtx(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, int64(7), got.ServiceID)
	assert.Equal(t, "init", got.State)
	assert.Nil(t, got.EndTimeForRun)
}

func TestCreateOperationState_RequiresOperationID(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{State: "init"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation ID cannot be empty")
}

func TestCreateOperationState_OneRowPerOperation(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{OperationID: "op-1", State: "init"})
	require.NoError(t, err)

	_, err = store.CreateOperationState(adminCtx(), &ScheduledOperationState{OperationID: "op-1", State: "init"})
	require.Error(t, err, "operation_id is unique: a second state row must be rejected")
}

func TestGetOperationState_NotFound(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.GetOperationState(adminCtx(), "missing")
	assert.ErrorIs(t, err, ErrScheduledOperationStateNotFound)
}

func TestUpdateOperationState(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{OperationID: "op-1", State: "triggered"})
	require.NoError(t, err)

	endTime := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	updated, err := store.UpdateOperationState(adminCtx(), "op-1", map[string]any{
		"state":            "running",
		"service_id":       3,
		"end_time_for_run": endTime,
	})
	require.NoError(t, err)
	assert.Equal(t, "running", updated.State)
	assert.Equal(t, int64(3), updated.ServiceID)
	require.NotNil(t, updated.EndTimeForRun)
	assert.True(t, updated.EndTimeForRun.Equal(endTime))

	got, err := store.GetOperationState(adminCtx(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.State)
	require.NotNil(t, got.EndTimeForRun)
	assert.True(t, got.EndTimeForRun.Equal(endTime))
}

func TestUpdateOperationState_ClearEndTime(t *testing.T) {
	store := setupOperationStateStorage(t)

	endTime := time.Now().UTC()
	_, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{
		OperationID:   "op-1",
		State:         "running",
		EndTimeForRun: &endTime,
	})
	require.NoError(t, err)

	updated, err := store.UpdateOperationState(adminCtx(), "op-1", map[string]any{"end_time_for_run": nil})
	require.NoError(t, err)
	assert.Nil(t, updated.EndTimeForRun)
}

func TestUpdateOperationState_NotFound(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.UpdateOperationState(adminCtx(), "missing", map[string]any{"state": "running"})
	assert.ErrorIs(t, err, ErrScheduledOperationStateNotFound)
}

func TestDeleteOperationState(t *testing.T) {
	store := setupOperationStateStorage(t)

	_, err := store.CreateOperationState(adminCtx(), &ScheduledOperationState{OperationID: "op-1", State: "init"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteOperationState(adminCtx(), "op-1"))

	_, err = store.GetOperationState(adminCtx(), "op-1")
	assert.ErrorIs(t, err, ErrScheduledOperationStateNotFound)

	// The natural key is free again after a hard delete.
	_, err = store.CreateOperationState(adminCtx(), &ScheduledOperationState{OperationID: "op-1", State: "init"})
	assert.NoError(t, err)
}
