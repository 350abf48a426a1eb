//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll is the goroutine-per-connection fallback for platforms without epoll.
// Each connection gets a monitor goroutine that peeks one byte through a
// bufio.Reader (nothing is consumed) and reports the connection as ready. The
// monitor then waits for Resume before peeking again, so it never reads
// concurrently with the server.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*monitored
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type monitored struct {
	br     *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*monitored),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	m := &monitored{br: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = m
	e.mu.Unlock()

	go e.monitor(conn, m)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, m *monitored) {
	for {
		// A peek error (closed, reset) is reported as readiness too so the
		// server's read path observes it and removes the connection.
		_, err := m.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-m.resume:
		case <-e.done:
			return
		}

		e.mu.Lock()
		_, live := e.conns[conn]
		e.mu.Unlock()
		if !live {
			return
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	m, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case m.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks for at most timeout and returns every connection reported
// ready in that time.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns the buffered reader the monitor peeks through.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.conns[conn]; ok {
		return m.br
	}
	return conn
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	m, ok := e.conns[conn]
	e.mu.Unlock()
	if ok {
		select {
		case m.resume <- struct{}{}:
		default:
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[net.Conn]*monitored{}
	e.mu.Unlock()
	return nil
}
