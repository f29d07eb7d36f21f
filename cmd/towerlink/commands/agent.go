package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/towerlink/internal/action"
	"github.com/dyluth/towerlink/internal/agent"
	"github.com/dyluth/towerlink/internal/config"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const healthShutdownTimeout = 5 * time.Second

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the command relay agent",
	Long: `Run the agent that executes configured commands.

The agent resets every command key, LATCH and STATUS to INITIALIZED, then
watches the store. A command set to PLEASE runs once when LATCH is SET and is
refused with "I need latch" otherwise.

When health.port is set the agent also serves:
  /healthz  store and connection status
  /state    the agent's view of the keys
  /metrics  Prometheus metrics

The agent exits 1 if the store cannot be reached at startup, and 0 on
SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveAgent(ctx, cfg)
}

// serveAgent runs the agent until ctx is cancelled
func serveAgent(ctx context.Context, cfg *config.Config) error {
	log := logging.New("agent").WithField("instance", cfg.Instance)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timing.ConnectTimeout)
	store, err := openStore(connectCtx, cfg)
	cancel()
	if err != nil {
		return storeUnreachable(cfg, &protocol.ConnectionError{Addr: cfg.Store.URL, Err: err})
	}
	defer store.Close()

	registry, err := action.NewRegistry(cfg.Commands.Map(), cfg.Timing.ActionTimeout)
	if err != nil {
		return printer.Error("invalid command registry", err.Error(), nil)
	}

	reg := prometheus.NewRegistry()
	a := agent.New(agent.Options{
		Commands:       cfg.Commands.Names(),
		TimeUnit:       cfg.Timing.TimeUnit,
		ConnectTimeout: cfg.Timing.ConnectTimeout,
		HeartbeatEvery: *cfg.Timing.HeartbeatEvery,
		StoreAddr:      cfg.Store.URL,
	}, store, registry, agent.NewMetrics(reg), log)

	if err := a.Initialize(ctx); err != nil {
		var connErr *protocol.ConnectionError
		if errors.As(err, &connErr) {
			return storeUnreachable(cfg, connErr)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	if port := *cfg.Health.Port; port > 0 {
		health := agent.NewHealthServer(store, a, reg, port, log)
		if err := health.Start(); err != nil {
			return printer.ErrorWithContext(
				"health server failed to start",
				err.Error(),
				map[string]string{"Port": fmt.Sprint(port)},
				[]string{"Choose a free port with health.port, or disable it with health.port: 0"},
			)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
			defer cancel()
			if err := health.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Health server shutdown failed")
			}
		}()
	}

	printer.Success("Agent ready: %d commands on %s (%s)\n", len(cfg.Commands), cfg.Store.URL, cfg.Instance)

	if err := a.Run(ctx); err != nil {
		return printer.Error("agent stopped", err.Error(), nil)
	}

	printer.Info("Agent stopped\n")
	return nil
}

func storeUnreachable(cfg *config.Config, err *protocol.ConnectionError) error {
	return printer.ErrorWithContext(
		"store unreachable",
		fmt.Sprintf("The agent could not reach the %s store within %v.", cfg.Store.Backend, cfg.Timing.ConnectTimeout),
		map[string]string{"URL": err.Addr, "Error": fmt.Sprint(err.Err)},
		[]string{
			"Start the store and run the agent again",
			fmt.Sprintf("Override the address:\n  %s=<url> towerlink agent", config.EnvStoreURL),
		},
	)
}
