package ws

import (
	"log/slog"
	"time"

	"github.com/chatflow/relay/internal/metrics"
	"github.com/chatflow/relay/internal/protocol"
)

// OutcomeTap receives a copy of every processed message. Implementations must
// not block for long; they run on the read worker.
type OutcomeTap interface {
	PublishOutcome(connID string, o protocol.Outcome) error
}

// Dispatcher is the Handler that runs each inbound text frame through the
// validation pipeline and writes the result back to the sending connection
// only. It keeps no state between messages.
type Dispatcher struct {
	annotator *protocol.Annotator
	logger    *slog.Logger
	tap       OutcomeTap
}

// NewDispatcher creates a Dispatcher. A nil logger discards log output.
func NewDispatcher(annotator *protocol.Annotator, logger *slog.Logger) *Dispatcher {
	if annotator == nil {
		annotator = protocol.NewAnnotator(nil)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		annotator: annotator,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetTap attaches an optional outcome tap. It must be called before the
// server starts.
func (d *Dispatcher) SetTap(tap OutcomeTap) {
	d.tap = tap
}

// OnOpen logs the new connection.
func (d *Dispatcher) OnOpen(c *Connection) {
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsOpened.Inc()
	d.logger.Info("connection opened", "conn", c.ID, "remote", c.RemoteAddr)
}

// OnMessage validates and annotates data and replies on c.
func (d *Dispatcher) OnMessage(c *Connection, data []byte) {
	start := time.Now()
	out := d.annotator.Process(data)

	if !out.Accepted() {
		d.logger.Debug("event rejected",
			"conn", c.ID,
			"field", out.Err.Field,
			"reason", out.Err.Reason)
	}

	if err := c.WriteMessage(out.Payload); err != nil {
		d.OnError(c, err)
	}

	var field string
	if out.Err != nil {
		field = out.Err.Field
	}
	metrics.ObserveOutcome(out.Accepted(), field, time.Since(start))

	if d.tap != nil {
		if err := d.tap.PublishOutcome(c.ID, out); err != nil {
			d.logger.Warn("outcome publish failed", "conn", c.ID, "err", err)
		}
	}
}

// OnClose logs the closed connection.
func (d *Dispatcher) OnClose(c *Connection) {
	metrics.ConnectionsActive.Dec()
	d.logger.Info("connection closed",
		"conn", c.ID,
		"remote", c.RemoteAddr,
		"duration", time.Since(c.CreatedAt).Round(time.Millisecond))
}

// OnError logs a transport failure. The connection's fate is decided by the
// transport.
func (d *Dispatcher) OnError(c *Connection, err error) {
	metrics.TransportErrors.Inc()
	d.logger.Warn("connection error", "conn", c.ID, "remote", c.RemoteAddr, "err", err)
}
