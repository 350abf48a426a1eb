// Package ws is the relay's WebSocket transport. It upgrades HTTP requests
// with gobwas/ws, watches client sockets with epoll, reads ready frames on a
// bounded worker pool and hands each text payload to a Handler. The Dispatcher
// in this package is the Handler that runs the chat event pipeline.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":9090"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on open connections
	MaxMessageBytes int64         // largest accepted data frame
	ReadTimeout     time.Duration // deadline for reading a frame once the socket is ready
	WriteTimeout    time.Duration // deadline for writing a frame
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":9090",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxMessageBytes: 64 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Handler receives connection lifecycle events from the transport. OnMessage
// is called from a worker goroutine, concurrently for distinct connections and
// never concurrently for the same one.
type Handler interface {
	OnOpen(c *Connection)
	OnMessage(c *Connection, data []byte)
	OnClose(c *Connection)
	OnError(c *Connection, err error)
}

// Registry records open connections outside the process. It is optional;
// failures are logged and never affect message handling.
type Registry interface {
	Register(ctx context.Context, id, remoteAddr string) error
	Refresh(ctx context.Context, id string, lastActive time.Time) error
	Unregister(ctx context.Context, id string) error
}

// poller is satisfied by the epoll implementation for the current platform.
type poller interface {
	Add(conn net.Conn) error
	Remove(conn net.Conn) error
	Wait(timeout time.Duration) ([]net.Conn, error)
	Reader(conn net.Conn) io.Reader
	Resume(conn net.Conn)
	Close() error
}

// pollInterval bounds how long the event loop blocks before rechecking done.
const pollInterval = 500 * time.Millisecond

// Server accepts WebSocket connections and feeds their text frames to a
// Handler.
type Server struct {
	config     ServerConfig
	handler    Handler
	registry   Registry
	logger     *slog.Logger
	poller     poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mu         sync.Mutex    // guards poller and httpServer between Serve and Shutdown
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	loopDone   chan struct{}
}

// NewServer creates a Server. A nil logger discards log output.
func NewServer(config ServerConfig, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		handler:    handler,
		logger:     logger.With("component", "ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// SetRegistry attaches an external connection registry. It must be called
// before Start.
func (s *Server) SetRegistry(r Registry) {
	s.registry = r
}

// Start listens on config.ListenAddr and serves until Shutdown. A bind
// failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. Every request path is
// upgraded.
func (s *Server) Serve(ln net.Listener) error {
	p, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	httpServer := &http.Server{
		Handler:           http.HandlerFunc(s.handleUpgrade),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = p.Close()
		return http.ErrServerClosed
	default:
	}
	s.poller = p
	s.httpServer = httpServer
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, registers the connection with the
// poller and notifies the handler.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	if err := s.poller.Add(conn); err != nil {
		s.logger.Error("poller add failed", "conn", id, "err", err)
		_ = conn.Close()
		return
	}

	// Frames the client sent along with the handshake are already in the
	// hijacked buffer; they are read before anything new on the socket.
	reader := s.poller.Reader(conn)
	var pending *io.LimitedReader
	if rw != nil && rw.Reader.Buffered() > 0 {
		pending = &io.LimitedReader{R: rw.Reader, N: int64(rw.Reader.Buffered())}
		reader = io.MultiReader(pending, reader)
	}
	c := newConnection(id, conn, reader, s.config.WriteTimeout)
	c.pending = pending

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.registry.Register(ctx, c.ID, c.RemoteAddr); err != nil {
			s.logger.Warn("registry register failed", "conn", c.ID, "err", err)
		}
		cancel()
	}

	// OnOpen runs before the connection becomes readable so it always
	// precedes the first OnMessage.
	s.handler.OnOpen(c)
	s.conns.Add(c)

	if c.buffered() {
		s.workerPool <- struct{}{}
		go func() {
			defer func() { <-s.workerPool }()
			s.handleConn(conn)
		}()
	}
}

// startEventLoop waits for ready connections and hands each to a worker,
// blocking when every worker slot is taken.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait(pollInterval)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("poll wait failed", "err", err)
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads from a ready connection. It handles one message, then
// keeps going while bytes buffered during the upgrade remain, since epoll
// never reports those.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		// Ready before handleUpgrade finished registering it.
		s.poller.Resume(netConn)
		return
	}

	// Level-triggered readiness can report a connection that a worker is
	// already reading.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Resume(netConn)
	}()

	for s.readMessage(c) && c.buffered() {
	}
}

// readMessage reads one complete message, reassembling fragments and
// answering control frames that arrive between them. Text messages go to the
// handler. It reports whether the connection is still open.
func (s *Server) readMessage(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	rd := &wsutil.Reader{
		Source:         c.reader,
		State:          ws.StateServerSide,
		MaxFrameSize:   s.config.MaxMessageBytes,
		OnIntermediate: s.controlHandler(c),
	}

	header, err := rd.NextFrame()
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, wsutil.ErrFrameTooLarge):
			s.closeTooBig(c, header.Length)
		case errors.As(err, &netErr) && netErr.Timeout():
			// Stale readiness; the heartbeat handles dead peers.
			return true
		default:
			s.fail(c, fmt.Errorf("ws: read frame: %w", err))
		}
		return false
	}
	c.Touch()

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(rd)
		if err == nil {
			err = s.handleControl(c, header.OpCode, payload)
		}
		if err != nil {
			s.fail(c, err)
			return false
		}
		return true
	}

	var src io.Reader = rd
	if limit := s.config.MaxMessageBytes; limit > 0 {
		src = io.LimitReader(rd, limit+1)
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		if errors.Is(err, wsutil.ErrFrameTooLarge) {
			s.closeTooBig(c, int64(len(payload)))
		} else {
			s.fail(c, fmt.Errorf("ws: read payload: %w", err))
		}
		return false
	}
	if limit := s.config.MaxMessageBytes; limit > 0 && int64(len(payload)) > limit {
		s.closeTooBig(c, int64(len(payload)))
		return false
	}

	switch header.OpCode {
	case ws.OpText:
		s.handler.OnMessage(c, payload)
	default:
		s.logger.Debug("ignoring frame", "conn", c.ID, "opcode", header.OpCode)
	}
	return true
}

// controlHandler answers control frames interleaved with message fragments.
func (s *Server) controlHandler(c *Connection) wsutil.FrameHandlerFunc {
	return func(h ws.Header, r io.Reader) error {
		payload, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		c.Touch()
		return s.handleControl(c, h.OpCode, payload)
	}
}

// handleControl answers a ping or a close. A close yields a wsutil.ClosedError
// so callers remove the connection.
func (s *Server) handleControl(c *Connection, op ws.OpCode, payload []byte) error {
	switch op {
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return wsutil.ClosedError{Code: ws.StatusNormalClosure}
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
			return fmt.Errorf("ws: write pong: %w", err)
		}
	}
	// Pong: activity already recorded.
	return nil
}

func (s *Server) closeTooBig(c *Connection, size int64) {
	s.handler.OnError(c, fmt.Errorf("ws: message of %d bytes exceeds limit %d", size, s.config.MaxMessageBytes))
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
	s.RemoveConnection(c)
}

// fail reports err unless it only means the peer went away, then removes c.
func (s *Server) fail(c *Connection, err error) {
	if !isClosedErr(err) {
		s.handler.OnError(c, err)
	}
	s.RemoveConnection(c)
}

// RemoveConnection unregisters and closes c, then notifies the handler. It is
// idempotent.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.registry.Unregister(ctx, c.ID); err != nil {
			s.logger.Warn("registry unregister failed", "conn", c.ID, "err", err)
		}
		cancel()
	}

	s.handler.OnClose(c)
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every open connection and
// releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down", "conns", s.conns.Count())

		s.mu.Lock()
		close(s.done)
		p, httpServer := s.poller, s.httpServer
		s.mu.Unlock()

		if httpServer != nil {
			if herr := httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
			s.RemoveConnection(c)
		}

		if p != nil {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
			}
			_ = p.Close()
		}
	})
	return err
}

// isClosedErr reports errors that mean the peer went away rather than a
// transport fault worth surfacing.
func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
