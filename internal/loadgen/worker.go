package loadgen

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/chatflow/relay/internal/protocol"
)

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
	ioTimeout  = 5 * time.Second
)

// Worker owns one WebSocket connection and sends the events it receives one
// at a time, waiting for each reply.
type Worker struct {
	ID        int
	URL       string
	Input     <-chan Message
	Collector *Collector
	Logger    *slog.Logger

	dialer *websocket.Dialer
	conn   *websocket.Conn
}

// NewWorker creates a worker for url.
func NewWorker(id int, url string, input <-chan Message, collector *Collector, logger *slog.Logger) *Worker {
	return &Worker{
		ID:        id,
		URL:       url,
		Input:     input,
		Collector: collector,
		Logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: ioTimeout},
	}
}

// Run drains Input, then closes the connection.
func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer w.closeConn()

	for msg := range w.Input {
		if ctx.Err() != nil {
			continue
		}
		w.processWithRetry(ctx, msg)
	}
}

func (w *Worker) connect(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	start := time.Now()
	conn, _, err := w.dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return nil, err
	}
	w.Collector.AddConnect(time.Since(start))
	w.conn = conn
	return conn, nil
}

func (w *Worker) closeConn() {
	if w.conn == nil {
		return
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = w.conn.Close()
	w.conn = nil
}

func (w *Worker) processWithRetry(ctx context.Context, msg Message) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		start := time.Now()
		ok, err := w.send(ctx, msg)
		if err == nil {
			w.Collector.AddReply(time.Since(start), ok, msg.ExpectValid)
			return
		}

		w.Logger.Debug("send failed", "worker", w.ID, "attempt", attempt+1, "err", err)
		// Reconnect on the next attempt.
		if w.conn != nil {
			_ = w.conn.Close()
			w.conn = nil
		}

		if attempt == maxRetries {
			w.Collector.AddError()
			return
		}
		delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.Collector.AddError()
			return
		}
	}
}

// send writes one event and reads the reply, reporting whether the relay
// answered OK.
func (w *Worker) send(ctx context.Context, msg Message) (bool, error) {
	conn, err := w.connect(ctx)
	if err != nil {
		return false, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
		return false, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return false, err
	}

	switch status := gjson.GetBytes(reply, protocol.FieldStatus).String(); status {
	case protocol.StatusOK:
		return true, nil
	case protocol.StatusError:
		return false, nil
	default:
		return false, fmt.Errorf("loadgen: unexpected reply %s", reply)
	}
}
