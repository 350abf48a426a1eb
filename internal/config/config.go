// Package config assembles relay settings from defaults, an optional .env
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/chatflow/relay/internal/messaging"
	"github.com/chatflow/relay/internal/ws"
)

// Config holds all configuration for the relay process.
type Config struct {
	ChatAddr          string        `validate:"required"`
	HealthAddr        string        `validate:"required"`
	WorkerPoolSize    int           `validate:"gt=0"`
	MaxConnections    int           `validate:"gte=0"`
	MaxMessageBytes   int64         `validate:"gt=0"`
	ReadTimeout       time.Duration `validate:"gte=0"`
	WriteTimeout      time.Duration `validate:"gte=0"`
	HeartbeatInterval time.Duration `validate:"gte=0"`
	HeartbeatTimeout  time.Duration `validate:"gte=0"`
	LogFormat         string        `validate:"oneof=text json"`
	LogLevel          string        `validate:"oneof=debug info warn error"`
	RedisAddr         string        // empty disables the connection registry
	NATSURL           string        // empty disables the event tap
	ServerName        string        `validate:"required"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	srv := ws.DefaultServerConfig()
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "relay-1"
	}
	return &Config{
		ChatAddr:          srv.ListenAddr,
		HealthAddr:        ":8080",
		WorkerPoolSize:    srv.WorkerPoolSize,
		MaxConnections:    srv.MaxConnections,
		MaxMessageBytes:   srv.MaxMessageBytes,
		ReadTimeout:       srv.ReadTimeout,
		WriteTimeout:      srv.WriteTimeout,
		HeartbeatInterval: srv.Heartbeat.Interval,
		HeartbeatTimeout:  srv.Heartbeat.Timeout,
		LogFormat:         "text",
		LogLevel:          "info",
		ServerName:        serverName,
	}
}

// Load returns the defaults overridden by the environment. Variables in the
// given .env files are added to the environment first; a missing file is not
// an error, and variables already set take precedence over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	size := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("RELAY_CHAT_ADDR", &c.ChatAddr)
	str("RELAY_HEALTH_ADDR", &c.HealthAddr)
	integer("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	integer("MAX_CONNECTIONS", &c.MaxConnections)
	size("MAX_MESSAGE_BYTES", &c.MaxMessageBytes)
	duration("READ_TIMEOUT", &c.ReadTimeout)
	duration("WRITE_TIMEOUT", &c.WriteTimeout)
	duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	duration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_LEVEL", &c.LogLevel)
	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)
	str("SERVER_NAME", &c.ServerName)

	return errors.Join(errs...)
}

var validate = validator.New()

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: invalid %s (%s=%s): %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ServerConfig returns the transport settings.
func (c *Config) ServerConfig() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:      c.ChatAddr,
		WorkerPoolSize:  c.WorkerPoolSize,
		MaxConnections:  c.MaxConnections,
		MaxMessageBytes: c.MaxMessageBytes,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// NATSConfig returns the event tap connection settings.
func (c *Config) NATSConfig() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = "relay-" + c.ServerName
	return nc
}
