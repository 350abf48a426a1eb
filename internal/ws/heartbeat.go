package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that pings every connection
// each Interval and evicts those with no inbound frame within Interval +
// Timeout. It returns immediately; the goroutine exits when the server shuts
// down. A non-positive Interval disables the heartbeat.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest. Pong replies
// count as activity, so a live client never goes stale.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.logger.Info("heartbeat timeout",
				"conn", c.ID,
				"idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.writeFrame(ws.NewPingFrame(nil)); err != nil {
			server.logger.Debug("heartbeat ping failed", "conn", c.ID, "err", err)
			server.RemoveConnection(c)
			continue
		}

		if server.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := server.registry.Refresh(ctx, c.ID, c.LastActive()); err != nil {
				server.logger.Warn("registry refresh failed", "conn", c.ID, "err", err)
			}
			cancel()
		}
	}
}
