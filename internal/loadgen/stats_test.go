package loadgen

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	p := percentiles(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)
	assert.Equal(t, 100*time.Millisecond, ds[0], "input must not be reordered")
}

func TestPercentiles_Empty(t *testing.T) {
	assert.Equal(t, Percentiles{}, percentiles(nil))
}

func TestCollector_Summary(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddReply(2*time.Millisecond, true, true)
	c.AddReply(3*time.Millisecond, false, false)
	c.AddReply(4*time.Millisecond, false, true)
	c.AddError()

	s := c.Summary()
	assert.Equal(t, 1, s.Connections)
	assert.Equal(t, 1, s.Accepted)
	assert.Equal(t, 2, s.Rejected)
	assert.Equal(t, 1, s.Mismatched)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 3, s.Message.N)
	assert.Greater(t, s.Throughput, 0.0)
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddReply(time.Millisecond, true, true)

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Load Test Results")
	assert.Contains(t, out, "1 OK, 0 ERROR")
	assert.Contains(t, out, "Message Latency")
}

const sampleExposition = `# HELP relay_connections_active Current number of open WebSocket connections
# TYPE relay_connections_active gauge
relay_connections_active 12
relay_messages_total{outcome="accepted"} 900
relay_messages_total{outcome="rejected"} 100
relay_message_processing_seconds_bucket{le="0.001"} 950
relay_message_processing_seconds_sum 0.5
relay_message_processing_seconds_count 1000
`

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(strings.NewReader(sampleExposition))
	require.NoError(t, err)
	assert.Equal(t, 12.0, snap.connections)
	assert.Equal(t, 900.0, snap.accepted)
	assert.Equal(t, 100.0, snap.rejected)
	assert.Equal(t, 0.5, snap.latencySum)
	assert.Equal(t, 1000.0, snap.latencyCount)
}

func TestParseMetricLine(t *testing.T) {
	name, labels, v, ok := parseMetricLine(`relay_messages_total{outcome="accepted"} 3`)
	require.True(t, ok)
	assert.Equal(t, "relay_messages_total", name)
	assert.Equal(t, `outcome="accepted"`, labels)
	assert.Equal(t, 3.0, v)

	_, _, _, ok = parseMetricLine("garbage")
	assert.False(t, ok)
	_, _, _, ok = parseMetricLine(`broken{label="x" 1`)
	assert.False(t, ok)
}
