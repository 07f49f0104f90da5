// Package main implements the autoshard worker. A worker hosts the entity
// shards the coordinator assigns it, serves entity reads and writes, and
// reports per-shard load to the coordinator over NATS.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                   Worker                    │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health                 - Health check   │
//	│    /info                   - Shard metadata │
//	│    /assignment             - New shard set  │
//	│    /shard/{id}/entities/*  - Entity access  │
//	│    /metrics                - Prometheus     │
//	├─────────────────────────────────────────────┤
//	│  shard.Host ──Load──▶ Reporter ──NATS──▶    │
//	└─────────────────────────────────────────────┘
//
// Startup:
//  1. Serve the HTTP API so health checks pass during registration
//  2. Register with the coordinator (with retries) and receive an Assignment
//  3. Host the assigned shards and start the load reporter
//
// Example usage:
//
//	AUTOSHARD_WORKER_ADVERTISE_ADDR=http://10.0.0.7:8081 \
//	AUTOSHARD_WORKER_COORDINATOR_URL=http://coordinator:8080 \
//	./worker
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
	Use:   "worker",
	Short: "Autoshard worker",
	Long: `The worker hosts the shards assigned by the coordinator and reports
their load on a fixed interval.`,
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

// run serves the worker until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	nc, err := natsbus.Connect(cfg.NATS.URL, "autoshard-worker", logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	w := newWorker(cfg, nc, logger, prometheus.NewRegistry())
	defer w.close()

	httpSrv := &http.Server{
		Addr:              cfg.Worker.Addr,
		Handler:           w.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", "addr", cfg.Worker.Addr, "advertise", advertiseAddr(cfg))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	a, err := register(ctx, cfg.Worker.CoordinatorURL, cfg.Worker.ID, advertiseAddr(cfg), logger)
	if err != nil {
		return err
	}
	if err := w.attach(a); err != nil {
		return err
	}

	go w.expireLoop(ctx)

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
	logger.Info("worker stopped")
	return nil
}

// advertiseAddr is the address the coordinator reaches this worker on.
func advertiseAddr(cfg *config.Config) string {
	if cfg.Worker.AdvertiseAddr != "" {
		return cfg.Worker.AdvertiseAddr
	}
	return "http://127.0.0.1" + cfg.Worker.Addr
}
