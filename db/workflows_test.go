package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *WorkflowStore {
	t.Helper()
	store, err := OpenWorkflowStore(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string) *WorkflowRecord {
	return &WorkflowRecord{
		CorrelationID:    id,
		Stages:           []string{"extraction", "transformation"},
		CurrentIndex:     0,
		PendingChildren:  1,
		Status:           StatusRunning,
		InitialPayload:   map[string]interface{}{"sources": []interface{}{"x"}},
		StageOutput:      map[string]interface{}{},
		AttemptsPerStage: map[string]int{},
	}
}

// TestWorkflowStore_CreateAndLoad tests basic persistence round trip
func TestWorkflowStore_CreateAndLoad(t *testing.T) {
	store := openTestStore(t)

	record := testRecord("wf-1")
	require.NoError(t, store.Create(record))
	assert.Equal(t, uint64(1), record.Version)
	assert.False(t, record.CreatedAt.IsZero())

	loaded, err := store.Load("wf-1")
	require.NoError(t, err)
	assert.Equal(t, record.Stages, loaded.Stages)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, uint64(1), loaded.Version)
}

// TestWorkflowStore_Create_Conflict tests duplicate id rejection
func TestWorkflowStore_Create_Conflict(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Create(testRecord("wf-1")))
	err := store.Create(testRecord("wf-1"))
	assert.ErrorIs(t, err, ErrConflict)
}

// TestWorkflowStore_Load_NotFound tests the missing record sentinel
func TestWorkflowStore_Load_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWorkflowStore_CompareAndSet tests optimistic concurrency
func TestWorkflowStore_CompareAndSet(t *testing.T) {
	store := openTestStore(t)

	record := testRecord("wf-1")
	require.NoError(t, store.Create(record))

	// A CAS against the stored version succeeds and bumps the version.
	updated := record.Clone()
	updated.CurrentIndex = 1
	require.NoError(t, store.CompareAndSet("wf-1", 1, updated))
	assert.Equal(t, uint64(2), updated.Version)

	// A CAS against the stale version loses.
	stale := record.Clone()
	stale.CurrentIndex = 5
	err := store.CompareAndSet("wf-1", 1, stale)
	assert.ErrorIs(t, err, ErrConflict)

	// The winner's write is what persisted.
	loaded, err := store.Load("wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentIndex)
	assert.Equal(t, uint64(2), loaded.Version)
}

// TestWorkflowStore_CompareAndSet_NotFound tests CAS on a deleted record
func TestWorkflowStore_CompareAndSet_NotFound(t *testing.T) {
	store := openTestStore(t)

	err := store.CompareAndSet("missing", 1, testRecord("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWorkflowStore_Delete tests creation rollback
func TestWorkflowStore_Delete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Create(testRecord("wf-1")))
	require.NoError(t, store.Delete("wf-1"))

	_, err := store.Load("wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWorkflowStore_ListStuck tests the janitor scan
func TestWorkflowStore_ListStuck(t *testing.T) {
	store := openTestStore(t)

	running := testRecord("wf-running")
	require.NoError(t, store.Create(running))

	done := testRecord("wf-done")
	done.Status = StatusSucceeded
	require.NoError(t, store.Create(done))

	// Nothing is older than a cutoff in the past.
	stuck, err := store.ListStuck(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// With a future cutoff only the RUNNING record qualifies.
	stuck, err = store.ListStuck(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "wf-running", stuck[0].CorrelationID)
}

// TestWorkflowStore_IdempotencyKey tests client key to correlation mapping
func TestWorkflowStore_IdempotencyKey(t *testing.T) {
	store := openTestStore(t)

	id, err := store.PutIdempotencyKey("client-key", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", id)

	// A replay returns the original correlation id.
	id, err = store.PutIdempotencyKey("client-key", "wf-2")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "wf-1", id)
}

// TestStatus_Terminal tests the terminal state predicate
func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}
