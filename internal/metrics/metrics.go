package metrics

import (
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/stakeledger/internal/ledger"
)

// Collector aggregates ledger metrics in memory for the JSON status view.
type Collector struct {
	// Operation outcomes keyed by "op" then result kind
	opCounts   map[string]map[string]*uint64
	opCountsMu sync.RWMutex

	// Operation latencies by op
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	activeStakes int64
	lockDuration int64 // nanoseconds

	custodyMu sync.RWMutex
	custody   *big.Int

	startTime time.Time
}

// LatencyHistogram tracks operation latencies in buckets
type LatencyHistogram struct {
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		opCounts:  make(map[string]map[string]*uint64),
		latencies: make(map[string]*LatencyHistogram),
		custody:   big.NewInt(0),
		startTime: time.Now(),
	}
}

// ObserveOperation records the outcome and latency of a ledger operation.
func (c *Collector) ObserveOperation(op, kind string, d time.Duration) {
	c.opCountsMu.Lock()
	kinds, ok := c.opCounts[op]
	if !ok {
		kinds = make(map[string]*uint64)
		c.opCounts[op] = kinds
	}
	counter, ok := kinds[kind]
	if !ok {
		var val uint64
		counter = &val
		kinds[kind] = counter
	}
	c.opCountsMu.Unlock()
	atomic.AddUint64(counter, 1)

	c.latenciesMu.Lock()
	hist, exists := c.latencies[op]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[op] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(d)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	bucketIdx := len(bucketBoundaries) // overflow
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// SetActiveStakes sets the number of open stake records
func (c *Collector) SetActiveStakes(n int) {
	atomic.StoreInt64(&c.activeStakes, int64(n))
}

// SetCustody sets the total amount held for active stakes
func (c *Collector) SetCustody(amount *big.Int) {
	c.custodyMu.Lock()
	c.custody = new(big.Int).Set(amount)
	c.custodyMu.Unlock()
}

// SetLockDuration sets the lock duration currently in effect
func (c *Collector) SetLockDuration(d time.Duration) {
	atomic.StoreInt64(&c.lockDuration, int64(d))
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime              string                       `json:"uptime"`
	UptimeSeconds       float64                      `json:"uptime_seconds"`
	Operations          map[string]map[string]uint64 `json:"operations"`
	OperationLatencies  map[string]LatencyStats      `json:"operation_latencies"`
	ActiveStakes        int64                        `json:"active_stakes"`
	Custody             string                       `json:"custody"`
	LockDurationSeconds float64                      `json:"lock_duration_seconds"`
	CollectedAt         time.Time                    `json:"collected_at"`
}

// LatencyStats contains latency statistics for an operation
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	ops := make(map[string]map[string]uint64)
	c.opCountsMu.RLock()
	for op, kinds := range c.opCounts {
		ops[op] = make(map[string]uint64, len(kinds))
		for kind, counter := range kinds {
			ops[op][kind] = atomic.LoadUint64(counter)
		}
	}
	c.opCountsMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for op, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[op] = stats
	}
	c.latenciesMu.RUnlock()

	c.custodyMu.RLock()
	custody := c.custody.String()
	c.custodyMu.RUnlock()

	return &Metrics{
		Uptime:              uptime.Round(time.Second).String(),
		UptimeSeconds:       uptime.Seconds(),
		Operations:          ops,
		OperationLatencies:  latencies,
		ActiveStakes:        atomic.LoadInt64(&c.activeStakes),
		Custody:             custody,
		LockDurationSeconds: time.Duration(atomic.LoadInt64(&c.lockDuration)).Seconds(),
		CollectedAt:         time.Now(),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.opCountsMu.Lock()
	c.opCounts = make(map[string]map[string]*uint64)
	c.opCountsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[string]*LatencyHistogram)
	c.latenciesMu.Unlock()

	c.SetCustody(big.NewInt(0))
	atomic.StoreInt64(&c.activeStakes, 0)
	atomic.StoreInt64(&c.lockDuration, 0)
	c.startTime = time.Now()
}

var _ ledger.Observer = (*Collector)(nil)
