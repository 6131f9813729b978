// Package metrics tracks in-memory counters for reconciliation and job
// trigger dispatch.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks scheduler metrics in memory. Safe for concurrent use.
type Collector struct {
	resyncs         atomic.Int64
	resyncFailures  atomic.Int64
	installs        atomic.Int64
	removals        atomic.Int64
	compileFailures atomic.Int64
	fetchFailures   atomic.Int64

	fires            atomic.Int64
	firesSkipped     atomic.Int64
	dispatched       atomic.Int64
	dispatchFailures atomic.Int64
	dispatchDropped  atomic.Int64

	mu              sync.RWMutex
	activeTimers    int64
	lastResync      time.Time
	lastResyncCount int
	totalLatency    time.Duration
	startTime       time.Time
}

// Metrics is a point-in-time snapshot of a Collector
type Metrics struct {
	Resyncs          int64         `json:"resyncs"`
	ResyncFailures   int64         `json:"resync_failures"`
	Installs         int64         `json:"installs"`
	Removals         int64         `json:"removals"`
	CompileFailures  int64         `json:"compile_failures"`
	FetchFailures    int64         `json:"fetch_failures"`
	ActiveTimers     int64         `json:"active_timers"`
	LastResync       time.Time     `json:"last_resync"`
	LastResyncCount  int           `json:"last_resync_count"`
	Fires            int64         `json:"fires"`
	FiresSkipped     int64         `json:"fires_skipped"`
	Dispatched       int64         `json:"dispatched"`
	DispatchFailures int64         `json:"dispatch_failures"`
	DispatchDropped  int64         `json:"dispatch_dropped"`
	AvgDispatchTime  time.Duration `json:"avg_dispatch_time"`
	ErrorRate        float64       `json:"error_rate"`
	Uptime           time.Duration `json:"uptime"`
}

// Default returns the process-wide collector
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordResync records a completed full resync that installed count timers
func (c *Collector) RecordResync(count int) {
	c.resyncs.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastResync = time.Now()
	c.lastResyncCount = count
}

// RecordResyncFailed records a resync aborted by a store failure
func (c *Collector) RecordResyncFailed() {
	c.resyncFailures.Add(1)
}

// RecordInstall records a timer installed or replaced
func (c *Collector) RecordInstall() {
	c.installs.Add(1)
}

// RecordRemoval records a timer cancelled
func (c *Collector) RecordRemoval() {
	c.removals.Add(1)
}

// RecordCompileFailure records a record that could not be compiled
func (c *Collector) RecordCompileFailure() {
	c.compileFailures.Add(1)
}

// RecordFetchFailure records a single-record store read that failed
func (c *Collector) RecordFetchFailure() {
	c.fetchFailures.Add(1)
}

// RecordActiveTimers sets the current registry size
func (c *Collector) RecordActiveTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTimers = int64(n)
}

// RecordFire records a timer elapsing
func (c *Collector) RecordFire() {
	c.fires.Add(1)
}

// RecordFireSkipped records a fire another replica already claimed
func (c *Collector) RecordFireSkipped() {
	c.firesSkipped.Add(1)
}

// RecordDispatch records the outcome of one trigger call
func (c *Collector) RecordDispatch(success bool, latency time.Duration) {
	if success {
		c.dispatched.Add(1)
	} else {
		c.dispatchFailures.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLatency += latency
}

// RecordDispatchDropped records a trigger dropped because the pool was
// full or stopped
func (c *Collector) RecordDispatchDropped() {
	c.dispatchDropped.Add(1)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dispatched := c.dispatched.Load()
	failed := c.dispatchFailures.Load()
	total := dispatched + failed

	var avg time.Duration
	var errorRate float64
	if total > 0 {
		avg = c.totalLatency / time.Duration(total)
		errorRate = float64(failed) / float64(total) * 100
	}

	return Metrics{
		Resyncs:          c.resyncs.Load(),
		ResyncFailures:   c.resyncFailures.Load(),
		Installs:         c.installs.Load(),
		Removals:         c.removals.Load(),
		CompileFailures:  c.compileFailures.Load(),
		FetchFailures:    c.fetchFailures.Load(),
		ActiveTimers:     c.activeTimers,
		LastResync:       c.lastResync,
		LastResyncCount:  c.lastResyncCount,
		Fires:            c.fires.Load(),
		FiresSkipped:     c.firesSkipped.Load(),
		Dispatched:       dispatched,
		DispatchFailures: failed,
		DispatchDropped:  c.dispatchDropped.Load(),
		AvgDispatchTime:  avg,
		ErrorRate:        errorRate,
		Uptime:           time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.resyncs, &c.resyncFailures, &c.installs, &c.removals,
		&c.compileFailures, &c.fetchFailures, &c.fires, &c.firesSkipped,
		&c.dispatched, &c.dispatchFailures, &c.dispatchDropped,
	} {
		v.Store(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTimers = 0
	c.lastResync = time.Time{}
	c.lastResyncCount = 0
	c.totalLatency = 0
	c.startTime = time.Now()
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}
