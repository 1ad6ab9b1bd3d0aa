package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas.evalgo.org/common"
)

// echoExecutor returns its own payload and records the task it ran.
type echoExecutor struct {
	stage string
	fail  *common.TaskError
	task  *common.TaskMessage
}

func (e *echoExecutor) Stage() string { return e.stage }

func (e *echoExecutor) Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error) {
	e.task = task
	if e.fail != nil {
		return nil, e.fail
	}
	return map[string]interface{}{"echo": task.Payload}, nil
}

// TestWorkerAPI_Run tests the synchronous execution endpoint
func TestWorkerAPI_Run(t *testing.T) {
	executor := &echoExecutor{stage: common.StageVerification}
	e := NewEchoServer(DefaultServerConfig())
	NewWorkerAPI(WorkerAPIConfig{Executor: executor, Service: "verification", Logger: quietLogger()}).Register(e)

	rec := doRequest(e, http.MethodPost, "/verification/claim", `{"claim": "rates were cut"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, executor.task)
	assert.Equal(t, common.StageVerification, executor.task.Task)
	assert.Equal(t, 1, executor.task.Attempt)
	assert.NotEmpty(t, executor.task.CorrelationID)
}

// TestWorkerAPI_RunBadInput tests the 400 mapping for classified input errors
func TestWorkerAPI_RunBadInput(t *testing.T) {
	executor := &echoExecutor{
		stage: common.StageExtraction,
		fail:  common.NewTaskError(common.KindBadInput, "no sources named"),
	}
	e := NewEchoServer(DefaultServerConfig())
	NewWorkerAPI(WorkerAPIConfig{Executor: executor, Service: "extraction", Logger: quietLogger()}).Register(e)

	rec := doRequest(e, http.MethodPost, "/extraction/run", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no sources named")
}

// TestWorkerAPI_RunUpstreamFailure tests the 502 mapping
func TestWorkerAPI_RunUpstreamFailure(t *testing.T) {
	executor := &echoExecutor{
		stage: common.StageTransformation,
		fail:  common.NewTaskError(common.KindTransientUpstream, "model unavailable"),
	}
	e := NewEchoServer(DefaultServerConfig())
	NewWorkerAPI(WorkerAPIConfig{Executor: executor, Service: "transformation", Logger: quietLogger()}).Register(e)

	rec := doRequest(e, http.MethodPost, "/transformation/run", `{"article_id": "a"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// TestWorkerAPI_Health tests the worker health endpoint without a bus
func TestWorkerAPI_Health(t *testing.T) {
	executor := &echoExecutor{stage: common.StageVerification}
	e := NewEchoServer(DefaultServerConfig())
	NewWorkerAPI(WorkerAPIConfig{Executor: executor, Service: "verification", Version: "test", Logger: quietLogger()}).Register(e)

	rec := doRequest(e, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, false, health.Details["bus_connected"])
}
