package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chatflow/relay/internal/config"
	"github.com/chatflow/relay/internal/health"
	"github.com/chatflow/relay/internal/logging"
	"github.com/chatflow/relay/internal/messaging"
	"github.com/chatflow/relay/internal/protocol"
	"github.com/chatflow/relay/internal/session"
	"github.com/chatflow/relay/internal/ws"
)

var version = "0.1.0" // set at build time with -ldflags

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Chat event relay",
		Long: `relay accepts WebSocket connections, validates each chat event a client
sends and replies on the same connection with the annotated event or an
error. A separate HTTP port serves /health and /metrics.

Settings come from defaults, then a .env file, then the environment, then
flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	registerFlags(root.Flags())

	root.AddCommand(newTailCmd(&envFile), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay v%s\n", version)
		},
	}
}

// registerFlags declares the overrides. Defaults are empty or zero; only
// flags set on the command line replace loaded values.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("chat-addr", "", "chat WebSocket listen address (RELAY_CHAT_ADDR)")
	fs.String("health-addr", "", "health/metrics listen address (RELAY_HEALTH_ADDR)")
	fs.Int("workers", 0, "read worker pool size (WORKER_POOL_SIZE)")
	fs.Int("max-connections", 0, "connection cap, 0 for unlimited (MAX_CONNECTIONS)")
	fs.Int64("max-message-bytes", 0, "largest accepted message in bytes (MAX_MESSAGE_BYTES)")
	fs.Duration("read-timeout", 0, "frame read deadline (READ_TIMEOUT)")
	fs.Duration("write-timeout", 0, "frame write deadline (WRITE_TIMEOUT)")
	fs.Duration("heartbeat-interval", 0, "ping interval (HEARTBEAT_INTERVAL)")
	fs.Duration("heartbeat-timeout", 0, "grace after a missed ping (HEARTBEAT_TIMEOUT)")
	fs.String("log-format", "", "text or json (LOG_FORMAT)")
	fs.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	fs.String("redis-addr", "", "Redis address for the connection registry (REDIS_ADDR)")
	fs.String("nats-url", "", "NATS URL for the event tap (NATS_URL)")
	fs.String("server-name", "", "instance name (SERVER_NAME)")
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	strs := map[string]*string{
		"chat-addr":   &cfg.ChatAddr,
		"health-addr": &cfg.HealthAddr,
		"log-format":  &cfg.LogFormat,
		"log-level":   &cfg.LogLevel,
		"redis-addr":  &cfg.RedisAddr,
		"nats-url":    &cfg.NATSURL,
		"server-name": &cfg.ServerName,
	}
	ints := map[string]*int{
		"workers":         &cfg.WorkerPoolSize,
		"max-connections": &cfg.MaxConnections,
	}
	durs := map[string]*time.Duration{
		"read-timeout":       &cfg.ReadTimeout,
		"write-timeout":      &cfg.WriteTimeout,
		"heartbeat-interval": &cfg.HeartbeatInterval,
		"heartbeat-timeout":  &cfg.HeartbeatTimeout,
	}

	var err error
	for name, dst := range strs {
		if fs.Changed(name) {
			if *dst, err = fs.GetString(name); err != nil {
				return err
			}
		}
	}
	for name, dst := range ints {
		if fs.Changed(name) {
			if *dst, err = fs.GetInt(name); err != nil {
				return err
			}
		}
	}
	if fs.Changed("max-message-bytes") {
		if cfg.MaxMessageBytes, err = fs.GetInt64("max-message-bytes"); err != nil {
			return err
		}
	}
	for name, dst := range durs {
		if fs.Changed(name) {
			if *dst, err = fs.GetDuration(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// run wires the relay together and blocks until ctx is cancelled or a
// listener fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("relay starting",
		"version", version,
		"chat_addr", cfg.ChatAddr,
		"health_addr", cfg.HealthAddr,
		"workers", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"server_name", cfg.ServerName)

	dispatcher := ws.NewDispatcher(protocol.NewAnnotator(nil), logger)
	server := ws.NewServer(cfg.ServerConfig(), dispatcher, logger)

	// --- NATS event tap (optional) ---
	if cfg.NATSURL != "" {
		natsClient, err := messaging.NewNATSClient(cfg.NATSConfig(), logger)
		if err != nil {
			logger.Warn("event tap disabled", "err", err)
		} else {
			defer natsClient.Close()
			dispatcher.SetTap(natsClient)
		}
	}

	// --- Redis connection registry (optional) ---
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			logger.Warn("connection registry disabled", "err", err)
		} else {
			defer store.Close()
			server.SetRegistry(store)
		}
	}

	healthServer := health.NewServer(cfg.HealthAddr, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- healthServer.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("listener failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health shutdown failed", "err", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ws shutdown failed", "err", err)
	}

	logger.Info("relay stopped")
	return runErr
}
