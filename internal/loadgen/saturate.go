package loadgen

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// SaturateConfig controls a connection saturation run.
type SaturateConfig struct {
	URL         string
	Connections int           // connections to open
	Concurrency int           // simultaneous dials
	Hold        time.Duration // how long to keep them open
}

// SaturateResult reports how many connections were opened and how many the
// relay dropped while they were held idle.
type SaturateResult struct {
	Opened  int
	Failed  int
	Dropped int64
}

// Saturate opens cfg.Connections idle connections, holds them for cfg.Hold
// and closes them. Dial latencies are recorded in collector.
func Saturate(ctx context.Context, cfg SaturateConfig, collector *Collector) SaturateResult {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	var (
		mu      sync.Mutex
		conns   = make([]net.Conn, 0, cfg.Connections)
		failed  atomic.Int64
		dropped atomic.Int64
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, cfg.Concurrency)

	for i := 0; i < cfg.Connections && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			start := time.Now()
			conn, _, _, err := ws.Dial(dialCtx, cfg.URL)
			if err != nil {
				failed.Add(1)
				collector.AddError()
				return
			}
			collector.AddConnect(time.Since(start))

			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Server pings are answered automatically; a read error means the relay
	// dropped the connection.
	holdCtx, cancel := context.WithTimeout(ctx, cfg.Hold)
	defer cancel()
	var readers sync.WaitGroup
	for _, conn := range conns {
		readers.Add(1)
		go func(conn net.Conn) {
			defer readers.Done()
			if err := drainControl(holdCtx, conn); err != nil {
				dropped.Add(1)
			}
		}(conn)
	}
	<-holdCtx.Done()
	for _, conn := range conns {
		_ = ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		_ = conn.Close()
	}
	readers.Wait()

	return SaturateResult{Opened: len(conns), Failed: int(failed.Load()), Dropped: dropped.Load()}
}

// drainControl answers pings until ctx ends. It returns an error only when
// the connection failed before that.
func drainControl(ctx context.Context, conn net.Conn) error {
	for {
		frame, err := ws.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if frame.Header.Masked {
			ws.Cipher(frame.Payload, frame.Header.Mask, 0)
		}
		switch frame.Header.OpCode {
		case ws.OpPing:
			if err := ws.WriteFrame(conn, ws.MaskFrame(ws.NewPongFrame(frame.Payload))); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case ws.OpClose:
			if ctx.Err() != nil {
				return nil
			}
			return net.ErrClosed
		}
	}
}
