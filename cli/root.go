// Package cli provides the command-line interface for the pipeline services.
// One binary carries every service; the subcommand selects which one runs:
//
//	veritas orchestrator    # API, state machine and janitor
//	veritas extraction      # scraping worker
//	veritas transformation  # enrichment worker
//	veritas verification    # claim verification worker
//	veritas version         # build information
//
// Configuration comes from a yaml file, VERITAS_* environment variables and
// the well-known bare variables the deployment manifests use (BUS_URL,
// DOC_STORE_URL and friends); see the config package for the full list.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/config"
	"veritas.evalgo.org/queue"
	"veritas.evalgo.org/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty the standard search paths are used.
var cfgFile string

// RootCmd is the entry point for the veritas binary.
var RootCmd = &cobra.Command{
	Use:   "veritas",
	Short: "news pipeline services: orchestrator and stage workers",
	Long: `Veritas News Pipeline

A message-driven pipeline that scrapes news sources, enriches articles with
summaries, sentiment and topics, and verifies claims against the collected
corpus. All services communicate through a RabbitMQ topic exchange; the
orchestrator owns workflow state and routing, the workers execute one stage
each and report completions.

Services:
  orchestrator    HTTP API, workflow state machine and stuck-workflow janitor
  extraction      scrapes article teasers and bodies for a date range
  transformation  summarizes, scores sentiment and classifies one article
  verification    checks a claim against the indexed corpus`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.veritas, /etc/veritas)")

	RootCmd.AddCommand(orchestratorCmd)
	RootCmd.AddCommand(extractionCmd)
	RootCmd.AddCommand(transformationCmd)
	RootCmd.AddCommand(verificationCmd)
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		cmd.Printf("veritas %s (%s, %s)\n", version.ServiceVersion(), info.MainModule, info.GoVersion)
	},
}

// loadService loads configuration and builds the service logger and bus
// client shared by every subcommand.
func loadService(service string) (*config.Config, *logrus.Entry, *queue.Bus, error) {
	cfg, err := config.LoadConfig(service, cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := common.ServiceLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: service,
		Version: version.ServiceVersion(),
	})

	bus := queue.NewBus(queue.Config{
		URL:                   cfg.Bus.URL,
		Exchange:              cfg.Bus.Exchange,
		Prefetch:              cfg.Bus.Prefetch,
		ReconnectInitialDelay: cfg.Bus.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.Bus.ReconnectMaxDelay,
		ConfirmTimeout:        cfg.Bus.ConfirmTimeout,
		Logger:                logger,
	})

	return cfg, logger, bus, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
