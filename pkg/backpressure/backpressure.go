// Package backpressure implements adaptive concurrency and memory
// backpressure for the streaming consumer (spec §4.8): a semaphore-bounded
// inflight limit, pause/resume hysteresis, and success-rate/latency driven
// resizing.
package backpressure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Config parameterizes a Controller.
type Config struct {
	MaxInflight     int
	PauseThreshold  float64 // fraction of MaxInflight that triggers pause
	ResumeThreshold float64 // fraction of MaxInflight that triggers resume
	MemoryLimit     int64   // bytes; 0 disables memory-based backpressure
	AcquireTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxInflight:     100,
		PauseThreshold:  0.9,
		ResumeThreshold: 0.5,
		AcquireTimeout:  30 * time.Second,
	}
}

// Controller bounds in-flight work by count and, optionally, estimated
// memory footprint.
type Controller struct {
	cfg Config

	sem chan struct{}

	inflight       atomic.Int64
	maxInflight    atomic.Int64
	isPaused       atomic.Bool
	currentMemory  atomic.Int64
	avgMessageSize atomic.Int64

	metricsMu sync.Mutex
	metrics   performanceMetrics
}

// ErrBackpressure is returned when a permit cannot be acquired.
type ErrBackpressure struct{ Reason string }

func (e *ErrBackpressure) Error() string { return "backpressure: " + e.Reason }

func NewController(cfg Config) *Controller {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultConfig().MaxInflight
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	c := &Controller{cfg: cfg, sem: make(chan struct{}, cfg.MaxInflight)}
	c.maxInflight.Store(int64(cfg.MaxInflight))
	return c
}

// Permit represents one acquired unit of concurrency; callers must call
// Release exactly once.
type Permit struct {
	c              *Controller
	memoryReserved int64
	released       atomic.Bool
}

// Acquire blocks (subject to cfg.AcquireTimeout and ctx) until a permit is
// available, reserving estimated memory first if a MemoryLimit is set.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if c.cfg.MemoryLimit > 0 {
		if err := c.reserveMemory(ctx); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(c.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		log.Warn().Dur("timeout", c.cfg.AcquireTimeout).Msg("backpressure: timed out waiting for permit")
		select {
		case c.sem <- struct{}{}:
		default:
			return nil, &ErrBackpressure{Reason: "timeout and emergency acquisition failed"}
		}
	}

	count := c.inflight.Add(1)
	log.Debug().Int64("inflight", count).Int64("max", c.maxInflight.Load()).Msg("backpressure: acquired permit")

	reserved := int64(0)
	if c.cfg.MemoryLimit > 0 {
		reserved = c.avgMessageSize.Load()
	}
	return &Permit{c: c, memoryReserved: reserved}, nil
}

// TryAcquire acquires a permit without blocking, returning nil if none is
// immediately available or the memory limit would be exceeded.
func (c *Controller) TryAcquire() *Permit {
	if c.cfg.MemoryLimit > 0 {
		avg := c.avgMessageSize.Load()
		if c.currentMemory.Load()+avg > c.cfg.MemoryLimit {
			return nil
		}
	}
	select {
	case c.sem <- struct{}{}:
	default:
		return nil
	}

	reserved := int64(0)
	if c.cfg.MemoryLimit > 0 {
		reserved = c.avgMessageSize.Load()
		c.currentMemory.Add(reserved)
	}
	c.inflight.Add(1)
	return &Permit{c: c, memoryReserved: reserved}
}

func (c *Controller) reserveMemory(ctx context.Context) error {
	const maxWaitAttempts = 100
	attempts := 0
	for {
		current := c.currentMemory.Load()
		avg := c.avgMessageSize.Load()
		if current+avg <= c.cfg.MemoryLimit {
			if c.currentMemory.CompareAndSwap(current, current+avg) {
				return nil
			}
			continue
		}
		if attempts >= maxWaitAttempts {
			return &ErrBackpressure{Reason: "memory limit reached and wait attempts exhausted"}
		}
		wait := time.Duration(10*(attempts+1)) * time.Millisecond
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		attempts++
	}
}

// Release returns the permit's slot (and any reserved memory). Safe to
// call multiple times; only the first call has effect.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.memoryReserved > 0 {
		p.c.currentMemory.Add(-p.memoryReserved)
	}
	p.c.inflight.Add(-1)
	<-p.c.sem
}

// UpdateAvgMessageSize folds a new observed size into an exponential
// moving average (weight 1/10, matching the teacher's smoothing).
func (c *Controller) UpdateAvgMessageSize(size int64) {
	for {
		old := c.avgMessageSize.Load()
		next := (old*9 + size) / 10
		if c.avgMessageSize.CompareAndSwap(old, next) {
			return
		}
	}
}

// ShouldPause reports (and latches) whether the inflight count has crossed
// the pause threshold.
func (c *Controller) ShouldPause() bool {
	inflight := c.inflight.Load()
	max := c.maxInflight.Load()
	threshold := int64(float64(max) * c.cfg.PauseThreshold)
	if inflight >= threshold && !c.isPaused.Load() {
		log.Warn().Int64("inflight", inflight).Int64("max", max).Msg("backpressure: pause threshold reached")
		c.isPaused.Store(true)
		return true
	}
	return false
}

// ShouldResume reports (and latches) whether the inflight count has fallen
// back under the resume threshold.
func (c *Controller) ShouldResume() bool {
	inflight := c.inflight.Load()
	max := c.maxInflight.Load()
	threshold := int64(float64(max) * c.cfg.ResumeThreshold)
	if inflight <= threshold && c.isPaused.Load() {
		c.isPaused.Store(false)
		return true
	}
	return false
}

func (c *Controller) InflightCount() int64 { return c.inflight.Load() }
func (c *Controller) IsPaused() bool       { return c.isPaused.Load() }
func (c *Controller) Utilization() float64 {
	return float64(c.inflight.Load()) / float64(c.maxInflight.Load())
}
func (c *Controller) MemoryUsage() int64 { return c.currentMemory.Load() }

// MemoryUtilization reports the fraction of MemoryLimit in use, or -1 if
// no limit is configured.
func (c *Controller) MemoryUtilization() float64 {
	if c.cfg.MemoryLimit == 0 {
		return -1
	}
	return float64(c.currentMemory.Load()) / float64(c.cfg.MemoryLimit)
}

// RecordSuccess/RecordFailure feed the adaptive resize decision in
// AdjustLimits.
func (c *Controller) RecordSuccess(latency time.Duration) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	c.metrics.recordSuccess(latency)
}

func (c *Controller) RecordFailure() {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	c.metrics.recordFailure()
}

// AdjustLimits resizes the soft max-inflight ceiling based on recent
// success rate and latency. The semaphore's underlying channel capacity
// cannot shrink, so this only ever tightens ShouldPause/ShouldResume math,
// not the hard channel bound — matching the teacher's "soft limit" note.
func (c *Controller) AdjustLimits() bool {
	c.metricsMu.Lock()
	snapshot := c.metrics
	c.metricsMu.Unlock()

	if snapshot.totalCount < 100 {
		return false
	}

	current := c.maxInflight.Load()
	newLimit := current

	successRate := snapshot.successRate()
	avgLatency, hasAvg := snapshot.avgLatency()
	p99Latency, hasP99 := snapshot.p99Latency()

	switch {
	case successRate < 0.95 || (hasP99 && p99Latency > 5*time.Second):
		newLimit = int64(float64(current) * 0.9)
		if newLimit < 1 {
			newLimit = 1
		}
	case successRate > 0.99 && hasAvg && avgLatency < 100*time.Millisecond:
		newLimit = int64(float64(current) * 1.1)
	}

	if newLimit != current {
		log.Info().
			Int64("from", current).Int64("to", newLimit).
			Float64("success_rate", successRate).
			Msg("backpressure: adjusting soft inflight limit")
		c.maxInflight.Store(newLimit)
		return true
	}
	return false
}

// Shutdown waits for in-flight work to drain, up to timeout.
func (c *Controller) Shutdown(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("backpressure: shutdown timed out with %d inflight", c.inflight.Load())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

type performanceMetrics struct {
	totalCount   int64
	successCount int64
	latencies    []time.Duration
}

const maxLatencySamples = 1000

func (m *performanceMetrics) recordSuccess(latency time.Duration) {
	m.totalCount++
	m.successCount++
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > maxLatencySamples {
		m.latencies = m.latencies[len(m.latencies)-maxLatencySamples:]
	}
}

func (m *performanceMetrics) recordFailure() {
	m.totalCount++
}

func (m *performanceMetrics) successRate() float64 {
	if m.totalCount == 0 {
		return 1
	}
	return float64(m.successCount) / float64(m.totalCount)
}

func (m *performanceMetrics) avgLatency() (time.Duration, bool) {
	if len(m.latencies) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, l := range m.latencies {
		sum += l
	}
	return sum / time.Duration(len(m.latencies)), true
}

func (m *performanceMetrics) p99Latency() (time.Duration, bool) {
	if len(m.latencies) == 0 {
		return 0, false
	}
	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 99) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}
