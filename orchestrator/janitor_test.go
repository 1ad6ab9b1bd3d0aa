package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/queue"
)

// sweepAll runs one sweep with a cutoff in the future so every RUNNING
// workflow counts as stuck.
func sweepAll(t *testing.T, orch *Orchestrator) {
	t.Helper()
	require.NoError(t, orch.Sweep(context.Background(), -time.Hour))
}

// TestSweep_RepublishesStuckStage tests the lost-task rescue path
func TestSweep_RepublishesStuckStage(t *testing.T) {
	orch, channel, store := newTestOrchestrator(t)

	id, err := orch.StartWorkflow(context.Background(), "extract", nil, "")
	require.NoError(t, err)

	sweepAll(t, orch)

	tasks := publishedTasks(t, channel, queue.KeyExtraction)
	require.Len(t, tasks, 2)
	assert.Equal(t, 2, tasks[1].Attempt)
	assert.Equal(t, id, tasks[1].CorrelationID)

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, record.Status)
	assert.Equal(t, 1, record.AttemptsPerStage["extraction"])
}

// TestSweep_FailsAfterBudget tests STAGE_TIMEOUT once the attempt budget
// is spent
func TestSweep_FailsAfterBudget(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)

	id, err := orch.StartWorkflow(context.Background(), "extract", nil, "")
	require.NoError(t, err)

	// Three sweeps spend the budget, the fourth gives up.
	for i := 0; i < 4; i++ {
		sweepAll(t, orch)
	}

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, record.Status)
	require.NotNil(t, record.LastError)
	assert.Equal(t, string(common.KindStageTimeout), record.LastError.Kind)
	assert.Equal(t, "extraction", record.LastError.Stage)
}

// TestSweep_SkipsHealthyWorkflows tests that fresh workflows are untouched
func TestSweep_SkipsHealthyWorkflows(t *testing.T) {
	orch, channel, store := newTestOrchestrator(t)

	id, err := orch.StartWorkflow(context.Background(), "extract", nil, "")
	require.NoError(t, err)

	require.NoError(t, orch.Sweep(context.Background(), time.Hour))

	assert.Len(t, publishedTasks(t, channel, queue.KeyExtraction), 1)

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 0, record.AttemptsPerStage["extraction"])
}

// TestSweep_PartialFanOut tests that only outstanding children are
// republished
func TestSweep_PartialFanOut(t *testing.T) {
	orch, channel, store := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := orch.StartWorkflow(ctx, "transform_only", map[string]interface{}{
		"article_ids": []interface{}{"a", "b", "c"},
	}, "")
	require.NoError(t, err)

	require.NoError(t, orch.handleCompletion(ctx, completion(id, "transformation", common.StatusTaskSucceeded, "a", nil)))

	sweepAll(t, orch)

	tasks := publishedTasks(t, channel, queue.KeyTransformation)
	require.Len(t, tasks, 5)

	var republished []string
	for _, task := range tasks[3:] {
		assert.Equal(t, 2, task.Attempt)
		republished = append(republished, task.ChildKey)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, republished)

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 2, record.PendingChildren)
}

// TestSweep_IgnoresTerminal tests that finished workflows are never swept
func TestSweep_IgnoresTerminal(t *testing.T) {
	orch, channel, store := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := orch.StartWorkflow(ctx, "extract", nil, "")
	require.NoError(t, err)
	require.NoError(t, orch.handleCompletion(ctx, completion(id, "extraction", common.StatusTaskSucceeded, "", nil)))

	sweepAll(t, orch)

	assert.Len(t, publishedTasks(t, channel, queue.KeyExtraction), 1)

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, record.Status)
}
