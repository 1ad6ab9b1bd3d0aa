package cli

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"veritas.evalgo.org/api"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/orchestrator"
	"veritas.evalgo.org/version"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "run the workflow orchestrator with its HTTP API and janitor",
	RunE:  runOrchestrator,
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, logger, bus, err := loadService("orchestrator")
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer bus.Close()

	store, err := db.OpenWorkflowStore(cfg.Store.WorkflowPath)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := orchestrator.New(orchestrator.Config{
		Bus:          bus,
		Store:        store,
		Registry:     orchestrator.NewRegistry(cfg.Pipeline.MaxAttempts, cfg.Pipeline.StageTimeout),
		RetryBackoff: cfg.Pipeline.RetryBackoff,
		Logger:       logger,
	})

	serverConfig := api.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "10M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
	}
	e := api.NewEchoServer(serverConfig)
	api.New(api.Config{
		Orchestrator: orch,
		Store:        store,
		Bus:          bus,
		Service:      "orchestrator",
		Version:      version.ServiceVersion(),
		Logger:       logger,
	}).Register(e)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("port", serverConfig.Port).Info("API server starting")
		if err := api.StartServer(e, serverConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Completion loop exited")
		}
	}()
	go orch.RunJanitor(ctx, cfg.Pipeline.JanitorInterval, cfg.Pipeline.StuckAfter)

	select {
	case err := <-serverErr:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down orchestrator")
	if err := api.GracefulShutdown(e, serverConfig.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("API shutdown incomplete")
	}
	orch.Wait()
	return nil
}
