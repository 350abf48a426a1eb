package loadgen

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from every worker. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	accepted         int
	rejected         int
	mismatched       int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// the collector's.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddReply records one round trip. ok is the status the relay answered with;
// expectValid is what the generator intended.
func (c *Collector) AddReply(d time.Duration, ok, expectValid bool) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	if ok {
		c.accepted++
	} else {
		c.rejected++
	}
	if ok != expectValid {
		c.mismatched++
	}
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary is a snapshot of the collected results.
type Summary struct {
	Elapsed     time.Duration
	Connections int
	Accepted    int
	Rejected    int
	Mismatched  int
	Errors      int
	Throughput  float64 // replies per second
	Connect     Percentiles
	Message     Percentiles
}

// Summary computes the current results.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	s := Summary{
		Elapsed:     elapsed,
		Connections: c.connections,
		Accepted:    c.accepted,
		Rejected:    c.rejected,
		Mismatched:  c.mismatched,
		Errors:      c.errors,
		Connect:     percentiles(c.connectLatencies),
		Message:     percentiles(c.msgLatencies),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Throughput = float64(c.accepted+c.rejected) / secs
	}
	return s
}

// Report writes a formatted summary to w.
func (c *Collector) Report(w io.Writer) {
	s := c.Summary()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Connections:  %d\n", s.Connections)
	fmt.Fprintf(w, "Replies:      %d OK, %d ERROR (%d unexpected)\n", s.Accepted, s.Rejected, s.Mismatched)
	fmt.Fprintf(w, "Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "Throughput:   %.1f msg/s\n", s.Throughput)

	if s.Connect.N > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		printPercentiles(w, s.Connect)
	}
	if s.Message.N > 0 {
		fmt.Fprintln(w, "\n--- Message Latency ---")
		printPercentiles(w, s.Message)
	}

	c.mu.Lock()
	scraper := c.scraper
	c.mu.Unlock()
	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// percentiles sorts a copy of durations and computes the summary.
func percentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}

func printPercentiles(w io.Writer, p Percentiles) {
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
