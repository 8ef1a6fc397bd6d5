package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCallAggregation(t *testing.T) {
	m := NewCallMetrics()

	m.RecordCall("orders", 10*time.Millisecond, true)
	m.RecordCall("orders", 30*time.Millisecond, true)
	m.RecordCall("orders", 20*time.Millisecond, false)

	stats := m.ServiceStats("orders")
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(10), stats.MinLatencyMs)
	assert.Equal(t, int64(30), stats.MaxLatencyMs)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 0.01)
	assert.InDelta(t, 66.66, stats.SuccessRate, 0.1)
	assert.InDelta(t, 33.33, stats.ErrorRate(), 0.1)
}

func TestServiceStatsUnknownService(t *testing.T) {
	m := NewCallMetrics()

	stats := m.ServiceStats("missing")
	assert.Zero(t, stats.Requests)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.ErrorRate())
}

func TestTotalsAcrossServices(t *testing.T) {
	m := NewCallMetrics()

	m.RecordCall("orders", 10*time.Millisecond, true)
	m.RecordCall("payments", 20*time.Millisecond, false)

	totals := m.Totals()
	assert.Equal(t, int64(2), totals.Requests)
	assert.Equal(t, int64(1), totals.Errors)
	assert.InDelta(t, 15.0, totals.AvgLatencyMs, 0.01)
}

func TestSubWindowStats(t *testing.T) {
	m := NewCallMetrics()

	m.RecordCall("orders", 10*time.Millisecond, true)
	before := m.ServiceStats("orders")

	m.RecordCall("orders", 20*time.Millisecond, false)
	m.RecordCall("orders", 20*time.Millisecond, false)

	window := m.ServiceStats("orders").Sub(before)
	assert.Equal(t, int64(2), window.Requests)
	assert.Equal(t, int64(2), window.Errors)
	assert.InDelta(t, 100.0, window.ErrorRate(), 0.01)
	assert.InDelta(t, 0.0, window.SuccessRate, 0.01)
}

func TestRecordCallConcurrent(t *testing.T) {
	m := NewCallMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordCall("orders", time.Millisecond, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats := m.ServiceStats("orders")
	require.Equal(t, int64(1000), stats.Requests)
	assert.Equal(t, int64(500), stats.Errors)
}
