// Package main implements the autoshard coordinator service. It tracks the
// workers that have registered, listens to their load reports over NATS and
// rescales the fleet when a shard runs hot.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                  │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /register     - Worker registration       │
//	│    /workers      - Registered workers        │
//	│    /reports      - Latest load reports       │
//	│    /topology     - Shard layout              │
//	│    /data/{key}   - Entity routing            │
//	│    /metrics      - Prometheus metrics        │
//	├──────────────────────────────────────────────┤
//	│  NATS: autoshard.worker.<id> → Coordinator   │
//	└──────────────────────────────────────────────┘
//
// Example usage:
//
//	AUTOSHARD_NATS_URL=nats://localhost:4222 \
//	AUTOSHARD_FLEET_EXECUTOR_URL=http://fleet:9000/rescale \
//	./coordinator --config autoshard.yaml
//
//	# Print the effective configuration
//	./coordinator config
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dreamware/autoshard/internal/config"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/transport/natsbus"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Shard autoscaling coordinator",
	Long: `The coordinator collects per-shard load reports from every worker and
asks the fleet executor for more shards once any shard reaches the
configured ceiling.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, cfg.Logger(os.Stderr))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return config.Dump(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

// run serves the coordinator until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	nc, err := natsbus.Connect(cfg.NATS.URL, "autoshard-coordinator", logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	bus, err := natsbus.NewBus(nc, cfg.NATS.SubjectPrefix, logger)
	if err != nil {
		return err
	}

	srv, err := newServer(cfg, bus, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.close()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.Server.Addr, "nats", cfg.NATS.URL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	go srv.health.Start(ctx, srv.workerList)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("coordinator stopped")
	return nil
}
