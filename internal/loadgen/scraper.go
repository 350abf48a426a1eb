package loadgen

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the relay metrics the report tracks at a point in time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	accepted    float64
	rejected    float64
	// histogram _sum and _count for computing averages
	latencySum   float64
	latencyCount float64
}

// Scraper periodically fetches the relay's Prometheus endpoint during a run
// and records snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The relay may not be up yet.
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("loadgen: metrics status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads the Prometheus text exposition format.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now()}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "relay_connections_active":
			snap.connections = value
		case "relay_messages_total":
			switch {
			case strings.Contains(labels, `outcome="accepted"`):
				snap.accepted = value
			case strings.Contains(labels, `outcome="rejected"`):
				snap.rejected = value
			}
		case "relay_message_processing_seconds_sum":
			snap.latencySum = value
		case "relay_message_processing_seconds_count":
			snap.latencyCount = value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` into its parts. labels is empty
// for unlabelled series.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if idx := strings.IndexByte(line, '{'); idx != -1 {
		closing := strings.IndexByte(line[idx:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:idx]
		labels = line[idx+1 : idx+closing]
		rest = line[idx+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the change in each relay metric across the run to w.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type row struct {
		label          string
		initial, final float64
		peak           float64
	}
	rows := []row{
		{"Connections", first.connections, last.connections,
			peakValue(snaps, func(s metricSnapshot) float64 { return s.connections })},
		{"Accepted", first.accepted, last.accepted,
			peakValue(snaps, func(s metricSnapshot) float64 { return s.accepted })},
		{"Rejected", first.rejected, last.rejected,
			peakValue(snaps, func(s metricSnapshot) float64 { return s.rejected })},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.initial, r.final, r.final-r.initial, r.peak)
	}

	fmt.Fprintln(w)
	deltaSum := last.latencySum - first.latencySum
	deltaCount := last.latencyCount - first.latencyCount
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Processing", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Processing")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
