package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/queue"
	"veritas.evalgo.org/worker"
)

// syncRoutes maps a stage to its synchronous run endpoint.
var syncRoutes = map[string]string{
	common.StageExtraction:     "/extraction/run",
	common.StageTransformation: "/transformation/run",
	common.StageVerification:   "/verification/claim",
}

// WorkerAPI exposes a worker's executor over HTTP for synchronous testing
// and debugging. Production traffic flows through the bus; these endpoints
// bypass it and the completion protocol entirely.
type WorkerAPI struct {
	executor worker.Executor
	bus      *queue.Bus
	service  string
	version  string
	logger   *logrus.Entry
}

// WorkerAPIConfig holds the worker API dependencies.
type WorkerAPIConfig struct {
	Executor worker.Executor
	Bus      *queue.Bus
	Service  string
	Version  string
	Logger   *logrus.Entry
}

// NewWorkerAPI creates the worker API.
func NewWorkerAPI(config WorkerAPIConfig) *WorkerAPI {
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WorkerAPI{
		executor: config.Executor,
		bus:      config.Bus,
		service:  config.Service,
		version:  config.Version,
		logger:   logger.WithField("component", "api"),
	}
}

// Register mounts the worker routes.
func (w *WorkerAPI) Register(e *echo.Echo) {
	path, ok := syncRoutes[w.executor.Stage()]
	if !ok {
		path = "/" + w.executor.Stage() + "/run"
	}
	e.POST(path, w.run)
	e.GET("/healthz", w.health)
}

// run executes one task synchronously with the caller's payload.
func (w *WorkerAPI) run(c echo.Context) error {
	payload := map[string]interface{}{}
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	task := &common.TaskMessage{
		SchemaVersion: common.SchemaVersion,
		CorrelationID: "sync-" + uuid.New().String(),
		Task:          w.executor.Stage(),
		Attempt:       1,
		Payload:       payload,
	}

	result, err := w.executor.Execute(c.Request().Context(), task)
	if err != nil {
		taskErr := common.AsTaskError(err)
		status := http.StatusBadGateway
		if taskErr.Kind == common.KindBadInput {
			status = http.StatusBadRequest
		}
		return c.JSON(status, errorResponse{Error: taskErr.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// health reports liveness plus the bus connection state.
func (w *WorkerAPI) health(c echo.Context) error {
	busConnected := false
	if w.bus != nil {
		busConnected = w.bus.Connected()
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: w.service,
		Version: w.version,
		Details: map[string]interface{}{
			"bus_connected": busConnected,
		},
	})
}
