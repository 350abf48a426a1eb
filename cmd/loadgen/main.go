// Command loadgen drives a running relay with generated chat events and
// prints latency percentiles.
//
// Usage:
//
//	loadgen run --url ws://localhost:9090/ --connections 64 --messages 100000
//	loadgen saturate --url ws://localhost:9090/ --connections 5000 --hold 30s
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatflow/relay/internal/loadgen"
	"github.com/chatflow/relay/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "loadgen",
		Short:        "Load generator for the chat relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newRunCmd(&logLevel), newSaturateCmd())
	return root
}

func newRunCmd(logLevel *string) *cobra.Command {
	cfg := loadgen.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send generated events and report round-trip latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.InvalidRatio < 0 || cfg.InvalidRatio > 1 {
				return fmt.Errorf("--invalid-ratio must be within [0,1], got %v", cfg.InvalidRatio)
			}
			logger, err := logging.New("text", *logLevel, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sending %d events over %d connections to %s\n",
				cfg.Messages, cfg.Connections, cfg.URL)
			collector := loadgen.Run(ctx, cfg, logger)
			collector.Report(out)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.URL, "url", cfg.URL, "relay WebSocket URL")
	fs.IntVar(&cfg.Connections, "connections", cfg.Connections, "concurrent connections")
	fs.IntVar(&cfg.Messages, "messages", cfg.Messages, "total events to send")
	fs.IntVar(&cfg.Users, "users", cfg.Users, "distinct user IDs")
	fs.Float64Var(&cfg.InvalidRatio, "invalid-ratio", cfg.InvalidRatio, "share of deliberately invalid events")
	fs.Int64Var(&cfg.Seed, "seed", 0, "generator seed (0 = time based)")
	fs.StringVar(&cfg.MetricsURL, "metrics-url", "", "relay /metrics URL to scrape during the run")
	fs.DurationVar(&cfg.ScrapeEvery, "scrape-interval", cfg.ScrapeEvery, "metrics scrape interval")
	return cmd
}

func newSaturateCmd() *cobra.Command {
	cfg := loadgen.SaturateConfig{
		URL:         "ws://localhost:9090/",
		Connections: 1000,
		Concurrency: 50,
		Hold:        30 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open many idle connections and hold them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Opening %d connections to %s (concurrency=%d, hold=%s)\n",
				cfg.Connections, cfg.URL, cfg.Concurrency, cfg.Hold)

			collector := loadgen.NewCollector()
			res := loadgen.Saturate(ctx, cfg, collector)
			fmt.Fprintf(out, "Opened: %d  Failed: %d  Dropped during hold: %d\n",
				res.Opened, res.Failed, res.Dropped)
			collector.Report(out)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.URL, "url", cfg.URL, "relay WebSocket URL")
	fs.IntVar(&cfg.Connections, "connections", cfg.Connections, "connections to open")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "simultaneous dials")
	fs.DurationVar(&cfg.Hold, "hold", cfg.Hold, "how long to hold the connections")
	return cmd
}
