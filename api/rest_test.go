package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas.evalgo.org/db"
	"veritas.evalgo.org/orchestrator"
	"veritas.evalgo.org/queue"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// newTestAPI wires the API to an orchestrator backed by a mock bus and a
// temp workflow store.
func newTestAPI(t *testing.T) (*echo.Echo, *queue.MockAMQPChannel, *db.WorkflowStore) {
	t.Helper()

	bus, channel, _ := queue.NewMockBus(queue.Config{
		URL:            "amqp://test",
		ConfirmTimeout: time.Second,
		Logger:         quietLogger(),
	})
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { bus.Close() })

	store, err := db.OpenWorkflowStore(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := orchestrator.New(orchestrator.Config{
		Bus:      bus,
		Store:    store,
		Registry: orchestrator.NewRegistry(3, time.Minute),
		Logger:   quietLogger(),
	})

	e := NewEchoServer(DefaultServerConfig())
	New(Config{
		Orchestrator: orch,
		Store:        store,
		Bus:          bus,
		Service:      "orchestrator",
		Version:      "test",
		Logger:       quietLogger(),
	}).Register(e)

	return e, channel, store
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// TestCreateWorkflow tests the accept path
func TestCreateWorkflow(t *testing.T) {
	e, channel, store := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows",
		`{"workflow_type": "verify", "payload": {"claim": "rates were cut"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, string(db.StatusRunning), resp.Status)

	record, err := store.Load(resp.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, record.Status)

	// The first stage task is on the wire.
	assert.Len(t, channel.PublishedTo(queue.KeyVerification), 1)
}

// TestCreateWorkflow_UnknownType tests the 400 mapping
func TestCreateWorkflow_UnknownType(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows", `{"workflow_type": "mystery"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown workflow type")
}

// TestCreateWorkflow_MissingType tests request validation
func TestCreateWorkflow_MissingType(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows", `{"payload": {}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestCreateWorkflow_BusDown tests the 503 mapping
func TestCreateWorkflow_BusDown(t *testing.T) {
	e, channel, store := newTestAPI(t)
	channel.PublishErr = amqp.ErrClosed

	rec := doRequest(e, http.MethodPost, "/workflows",
		`{"workflow_type": "verify", "payload": {"claim": "x"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Nothing was accepted.
	stuck, err := store.ListStuck(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

// TestCreateWorkflow_IdempotencyKey tests creation replay
func TestCreateWorkflow_IdempotencyKey(t *testing.T) {
	e, _, _ := newTestAPI(t)
	headers := map[string]string{"Idempotency-Key": "client-key-1"}
	body := `{"workflow_type": "verify", "payload": {"claim": "x"}}`

	first := doRequest(e, http.MethodPost, "/workflows", body, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := doRequest(e, http.MethodPost, "/workflows", body, headers)
	require.Equal(t, http.StatusAccepted, second.Code)

	var firstResp, secondResp createWorkflowResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.CorrelationID, secondResp.CorrelationID)
}

// TestGetWorkflow tests record retrieval
func TestGetWorkflow(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows",
		`{"workflow_type": "extract", "payload": {"sources": ["newspaper"]}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp createWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	got := doRequest(e, http.MethodGet, "/workflows/"+resp.CorrelationID, "", nil)
	require.Equal(t, http.StatusOK, got.Code)

	var record db.WorkflowRecord
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &record))
	assert.Equal(t, resp.CorrelationID, record.CorrelationID)
	assert.Equal(t, []string{"extraction"}, record.Stages)
}

// TestGetWorkflow_NotFound tests the 404 mapping
func TestGetWorkflow_NotFound(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodGet, "/workflows/no-such-id", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestCancelWorkflow tests cancellation
func TestCancelWorkflow(t *testing.T) {
	e, _, store := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows",
		`{"workflow_type": "verify", "payload": {"claim": "x"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp createWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	cancel := doRequest(e, http.MethodPost, "/workflows/"+resp.CorrelationID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, cancel.Code)

	record, err := store.Load(resp.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, record.Status)
}

// TestCancelWorkflow_NotFound tests the 404 mapping on cancel
func TestCancelWorkflow_NotFound(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodPost, "/workflows/no-such-id/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHealth tests the health endpoint
func TestHealth(t *testing.T) {
	e, _, _ := newTestAPI(t)

	rec := doRequest(e, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "orchestrator", health.Service)
	assert.Equal(t, true, health.Details["bus_connected"])
	assert.Equal(t, true, health.Details["store_ok"])
}
