// Package shutdown coordinates graceful consumer termination: stop pulling
// new messages, let in-flight ones drain, then report completion — per
// spec.md §4.11 and original_source/src/consumer/shutdown.rs.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// State tracks whether shutdown has been requested/completed and how many
// messages are currently being processed.
type State struct {
	shuttingDown atomic.Bool
	complete     atomic.Bool
	inflight     atomic.Int64

	mu      sync.RWMutex
	started time.Time
}

// New returns an idle State.
func New() *State {
	return &State{}
}

// Begin marks shutdown as started and records the start time. Safe to call
// more than once; only the first call records the timestamp.
func (s *State) Begin() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.started = time.Now()
		s.mu.Unlock()
		log.Info().Msg("shutdown: initiated")
	}
}

func (s *State) IsShuttingDown() bool { return s.shuttingDown.Load() }
func (s *State) IsComplete() bool     { return s.complete.Load() }

// Complete marks shutdown as finished and logs the elapsed duration since
// Begin, if it was called.
func (s *State) Complete() {
	s.complete.Store(true)
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started.IsZero() {
		log.Info().Dur("elapsed", time.Since(started)).Msg("shutdown: completed")
	}
}

// AddInflight/RemoveInflight track in-flight message processing; callers
// increment on dequeue and decrement once a message is committed, DLQ'd, or
// dropped.
func (s *State) AddInflight() {
	count := s.inflight.Add(1)
	log.Debug().Int64("inflight", count).Msg("shutdown: inflight message added")
}

func (s *State) RemoveInflight() {
	count := s.inflight.Add(-1)
	log.Debug().Int64("inflight", count).Msg("shutdown: inflight message removed")
}

func (s *State) HasInflight() bool    { return s.inflight.Load() > 0 }
func (s *State) InflightCount() int64 { return s.inflight.Load() }

// Duration returns the time elapsed since Begin, or false if shutdown has
// not started.
func (s *State) Duration() (time.Duration, bool) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started.IsZero() {
		return 0, false
	}
	return time.Since(started), true
}

// WaitForDrain blocks until no messages are in flight, the timeout elapses,
// or ctx is cancelled, then marks shutdown complete on success.
func (s *State) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for s.HasInflight() {
		if time.Now().After(deadline) {
			return fmt.Errorf("shutdown: timed out with %d messages in flight", s.InflightCount())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.Complete()
	return nil
}

// Coordinator drives a State through a full shutdown sequence with a fixed
// timeout, for use as the terminal step of a consumer's run loop.
type Coordinator struct {
	state   *State
	timeout time.Duration
}

func NewCoordinator(state *State, timeout time.Duration) *Coordinator {
	return &Coordinator{state: state, timeout: timeout}
}

// Shutdown begins shutdown (if not already begun) and waits for in-flight
// work to drain within the coordinator's timeout.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.state.Begin()

	deadline := time.Now().Add(c.timeout)
	for c.state.HasInflight() {
		if time.Now().After(deadline) {
			count := c.state.InflightCount()
			log.Warn().Int64("inflight", count).Msg("shutdown: timed out draining")
			return fmt.Errorf("shutdown: timeout with %d messages in flight", count)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	c.state.Complete()
	return nil
}
