package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/db"
	"veritas.evalgo.org/orchestrator"
	"veritas.evalgo.org/queue"
)

// API exposes the orchestrator over HTTP.
type API struct {
	orch    *orchestrator.Orchestrator
	store   *db.WorkflowStore
	bus     *queue.Bus
	service string
	version string
	logger  *logrus.Entry
}

// Config holds the API dependencies.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *db.WorkflowStore
	Bus          *queue.Bus
	Service      string
	Version      string
	Logger       *logrus.Entry
}

// New creates the API.
func New(config Config) *API {
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{
		orch:    config.Orchestrator,
		store:   config.Store,
		bus:     config.Bus,
		service: config.Service,
		version: config.Version,
		logger:  logger.WithField("component", "api"),
	}
}

// Register mounts the API routes.
func (a *API) Register(e *echo.Echo) {
	e.POST("/workflows", a.createWorkflow)
	e.GET("/workflows/:id", a.getWorkflow)
	e.POST("/workflows/:id/cancel", a.cancelWorkflow)
	e.GET("/healthz", a.health)
}

type createWorkflowRequest struct {
	WorkflowType string                 `json:"workflow_type"`
	Payload      map[string]interface{} `json:"payload"`
}

type createWorkflowResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// createWorkflow accepts a workflow and returns its correlation id. The
// workflow is accepted only once its first task publish is confirmed; a
// broker outage yields 503 and no workflow.
func (a *API) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.WorkflowType == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "workflow_type is required"})
	}

	idempotencyKey := c.Request().Header.Get("Idempotency-Key")

	id, err := a.orch.StartWorkflow(c.Request().Context(), req.WorkflowType, req.Payload, idempotencyKey)
	if errors.Is(err, orchestrator.ErrUnknownWorkflowType) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if errors.Is(err, queue.ErrBusUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "message bus unavailable, workflow not accepted"})
	}
	if err != nil {
		a.logger.WithError(err).Error("Workflow creation failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "workflow creation failed"})
	}

	return c.JSON(http.StatusAccepted, createWorkflowResponse{
		CorrelationID: id,
		Status:        string(db.StatusRunning),
	})
}

// getWorkflow returns the durable workflow record.
func (a *API) getWorkflow(c echo.Context) error {
	record, err := a.store.Load(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "workflow not found"})
	}
	if err != nil {
		a.logger.WithError(err).Error("Workflow lookup failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "workflow lookup failed"})
	}
	return c.JSON(http.StatusOK, record)
}

// cancelWorkflow marks a workflow CANCELLED.
func (a *API) cancelWorkflow(c echo.Context) error {
	err := a.orch.Cancel(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "workflow not found"})
	}
	if err != nil {
		a.logger.WithError(err).Error("Workflow cancel failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "workflow cancel failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(db.StatusCancelled)})
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// health reports liveness plus the bus and store state.
func (a *API) health(c echo.Context) error {
	storeOK := true
	if err := a.store.Ping(); err != nil {
		storeOK = false
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: a.service,
		Version: a.version,
		Details: map[string]interface{}{
			"bus_connected": a.bus.Connected(),
			"store_ok":      storeOK,
		},
	})
}
