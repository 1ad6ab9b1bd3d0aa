package cli

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"veritas.evalgo.org/api"
	"veritas.evalgo.org/config"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/extraction"
	"veritas.evalgo.org/llm"
	"veritas.evalgo.org/queue"
	"veritas.evalgo.org/transformation"
	"veritas.evalgo.org/verification"
	"veritas.evalgo.org/version"
	"veritas.evalgo.org/worker"
)

var extractionCmd = &cobra.Command{
	Use:   "extraction",
	Short: "run the article scraping worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("extraction", queue.QueueExtraction, newExtractionExecutor)
	},
}

var transformationCmd = &cobra.Command{
	Use:   "transformation",
	Short: "run the article enrichment worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("transformation", queue.QueueTransformation, newTransformationExecutor)
	},
}

var verificationCmd = &cobra.Command{
	Use:   "verification",
	Short: "run the claim verification worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("verification", queue.QueueVerification, newVerificationExecutor)
	},
}

func newExtractionExecutor(cfg *config.Config, logger *logrus.Entry) (worker.Executor, error) {
	store, err := db.NewCouchArticleStore(cfg.Store.DocumentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open article store: %w", err)
	}

	var renderer extraction.Renderer
	if cfg.Services.RenderURL != "" {
		renderer = extraction.NewRenderClient(cfg.Services.RenderURL, 0)
	}

	return extraction.NewExecutor(extraction.Config{
		Store:    store,
		Fetcher:  extraction.NewHTTPFetcher(0),
		Renderer: renderer,
		Logger:   logger,
	}), nil
}

func newTransformationExecutor(cfg *config.Config, logger *logrus.Entry) (worker.Executor, error) {
	store, err := db.NewCouchArticleStore(cfg.Store.DocumentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open article store: %w", err)
	}

	return transformation.NewExecutor(transformation.Config{
		Store: store,
		Index: db.NewVectorClient(cfg.Store.VectorURL),
		LLM: llm.NewClient(llm.Config{
			URL:     cfg.LLM.URL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}),
		Logger: logger,
	}), nil
}

func newVerificationExecutor(cfg *config.Config, logger *logrus.Entry) (worker.Executor, error) {
	var search verification.Searcher
	if cfg.Services.SearchURL != "" {
		search = verification.NewSearchClient(cfg.Services.SearchURL, 0)
	}

	return verification.NewExecutor(verification.Config{
		Index: db.NewVectorClient(cfg.Store.VectorURL),
		LLM: llm.NewClient(llm.Config{
			URL:     cfg.LLM.URL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}),
		Search: search,
		Logger: logger,
	}), nil
}

// runWorker wires a stage worker and consumes its queue until a shutdown
// signal arrives.
func runWorker(service, queueName string, build func(*config.Config, *logrus.Entry) (worker.Executor, error)) error {
	cfg, logger, bus, err := loadService(service)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer bus.Close()

	executor, err := build(cfg, logger)
	if err != nil {
		return err
	}

	seen, err := db.NewSeenGuard(cfg.Store.SeenCacheURL, cfg.Store.SeenTTL)
	if err != nil {
		return fmt.Errorf("failed to open seen cache: %w", err)
	}
	defer seen.Close()

	runner := worker.New(worker.Config{
		Bus:         bus,
		Queue:       queueName,
		Executor:    executor,
		Seen:        seen,
		Concurrency: cfg.Pipeline.Concurrency,
		Timeout:     cfg.Pipeline.StageTimeout,
		Logger:      logger,
	})

	// The worker's HTTP surface: health plus the synchronous run endpoint.
	serverConfig := api.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "10M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	e := api.NewEchoServer(serverConfig)
	api.NewWorkerAPI(api.WorkerAPIConfig{
		Executor: executor,
		Bus:      bus,
		Service:  service,
		Version:  version.ServiceVersion(),
		Logger:   logger,
	}).Register(e)
	go func() {
		if err := api.StartServer(e, serverConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Worker API server failed")
		}
	}()

	logger.WithField("queue", queueName).Info("Worker starting")
	err = runner.Run(ctx)

	if shutdownErr := api.GracefulShutdown(e, serverConfig.ShutdownTimeout); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("Worker API shutdown incomplete")
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
