package loadgen

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config controls a load run.
type Config struct {
	URL          string        // relay WebSocket URL
	Connections  int           // concurrent client connections
	Messages     int           // total events to send
	Users        int           // distinct user IDs to draw from
	InvalidRatio float64       // share of deliberately invalid events
	Seed         int64         // generator seed; 0 uses the current time
	MetricsURL   string        // optional relay /metrics URL to scrape
	ScrapeEvery  time.Duration // scrape interval
}

// DefaultConfig returns a small local run.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:9090/",
		Connections:  32,
		Messages:     10000,
		Users:        1000,
		InvalidRatio: 0,
		ScrapeEvery:  time.Second,
	}
}

// Run sends cfg.Messages events over cfg.Connections connections and returns
// the collector holding the results. Cancelling ctx stops the run early.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Connections <= 0 {
		cfg.Connections = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	collector := NewCollector()
	if cfg.MetricsURL != "" {
		scraper := NewScraper(cfg.MetricsURL, cfg.ScrapeEvery)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	events := make(chan Message, cfg.Connections*4)
	gen := NewGenerator(seed, cfg.Users, cfg.InvalidRatio)
	go gen.Run(cfg.Messages, events, ctx.Done())

	var wg sync.WaitGroup
	for i := 0; i < cfg.Connections; i++ {
		wg.Add(1)
		go NewWorker(i, cfg.URL, events, collector, logger).Run(ctx, &wg)
	}
	wg.Wait()

	return collector
}
