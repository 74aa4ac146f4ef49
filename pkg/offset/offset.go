// Package offset tracks the highest contiguous processed offset per
// partition and commits it to the bus on a batch-or-interval schedule, per
// spec.md §4.9. Workers mark an offset after a terminal outcome (processed
// or DLQ-routed); a periodic committer snapshots and commits the table
// without ever dropping a mark on commit failure.
package offset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PartitionKey identifies one partition of one topic.
type PartitionKey struct {
	Topic     string
	Partition int
}

// Committer commits a batch of per-partition offsets to the bus. pkg/bus
// supplies the concrete implementation over a kafka.Writer/Reader pair.
type Committer interface {
	Commit(ctx context.Context, offsets map[PartitionKey]int64) error
}

// Policy expresses the "commit when N new offsets have accumulated, or T
// has elapsed, whichever comes first" rule from spec.md §4.9.
type Policy struct {
	BatchSize int
	Interval  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{BatchSize: 500, Interval: 5 * time.Second}
}

// pending holds the offsets seen for a partition that have not yet been
// marked contiguous-committable; Sigma streams may deliver offsets slightly
// out of order within a partition under rebalance, so marks are buffered in
// a min-heap-free sorted slice and only the contiguous prefix advances.
type pending struct {
	highWatermark int64 // -1 means nothing committed yet
	seen          map[int64]struct{}
}

// Tracker maintains per-partition offset state and commits it under Policy.
type Tracker struct {
	committer Committer
	policy    Policy

	mu      sync.Mutex
	tables  map[PartitionKey]*pending
	dirty   int
	lastRun time.Time
}

func NewTracker(committer Committer, policy Policy) *Tracker {
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultPolicy().BatchSize
	}
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	return &Tracker{
		committer: committer,
		policy:    policy,
		tables:    make(map[PartitionKey]*pending),
		lastRun:   time.Now(),
	}
}

// Mark registers offset as processed for (topic, partition). It is safe to
// call from multiple worker goroutines concurrently.
func (t *Tracker) Mark(topic string, partition int, offset int64) {
	key := PartitionKey{Topic: topic, Partition: partition}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.tables[key]
	if !ok {
		p = &pending{highWatermark: -1, seen: make(map[int64]struct{})}
		t.tables[key] = p
	}
	p.seen[offset] = struct{}{}
	t.dirty++
	t.advanceLocked(p)
}

// advanceLocked moves highWatermark forward through any contiguous run
// starting at highWatermark+1, matching spec.md's "only the contiguous
// prefix of processed offsets advances" ordering rule. Caller holds t.mu.
func (t *Tracker) advanceLocked(p *pending) {
	for {
		next := p.highWatermark + 1
		if _, ok := p.seen[next]; !ok {
			return
		}
		delete(p.seen, next)
		p.highWatermark = next
	}
}

// ShouldCommit reports whether the batch-or-interval policy has tripped.
func (t *Tracker) ShouldCommit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty >= t.policy.BatchSize || time.Since(t.lastRun) >= t.policy.Interval
}

// snapshot returns the current highWatermark per partition that has ever
// advanced past -1, for commit.
func (t *Tracker) snapshot() map[PartitionKey]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[PartitionKey]int64, len(t.tables))
	for k, p := range t.tables {
		if p.highWatermark >= 0 {
			out[k] = p.highWatermark
		}
	}
	t.dirty = 0
	t.lastRun = time.Now()
	return out
}

// Commit snapshots the table and commits it, regardless of whether the
// policy has tripped. Commit failures are logged and counted, never
// dropped: the in-memory high-watermarks are unaffected by a failed commit,
// so the next tick retries the same (or a further-advanced) snapshot.
func (t *Tracker) Commit(ctx context.Context) error {
	snap := t.snapshot()
	if len(snap) == 0 {
		return nil
	}
	if err := t.committer.Commit(ctx, snap); err != nil {
		log.Error().Err(err).Int("partitions", len(snap)).Msg("offset: commit failed, will retry next tick")
		return fmt.Errorf("offset: commit failed: %w", err)
	}
	for _, k := range sortedKeys(snap) {
		log.Debug().Str("topic", k.Topic).Int("partition", k.Partition).Int64("offset", snap[k]).Msg("offset: committed")
	}
	return nil
}

// Run drives the periodic committer: it wakes on a ticker bounded by
// Policy.Interval (so a batch-size trip is caught within one tick) and
// commits whenever ShouldCommit reports true, until ctx is cancelled. On
// cancellation it attempts one final commit under finalTimeout before
// returning, matching spec.md §4.11's 10s-bounded final commit.
func (t *Tracker) Run(ctx context.Context, finalTimeout time.Duration) {
	ticker := time.NewTicker(t.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.ShouldCommit() {
				if err := t.Commit(ctx); err != nil {
					// already logged in Commit
					_ = err
				}
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalTimeout)
			defer cancel()
			if err := t.Commit(finalCtx); err != nil {
				log.Error().Err(err).Msg("offset: final commit failed")
			}
			return
		}
	}
}

func (t *Tracker) tickInterval() time.Duration {
	interval := t.policy.Interval / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// HighWatermarks returns a snapshot of committed-eligible offsets without
// resetting the dirty counter, for inspection/tests.
func (t *Tracker) HighWatermarks() map[PartitionKey]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[PartitionKey]int64, len(t.tables))
	for k, p := range t.tables {
		if p.highWatermark >= 0 {
			out[k] = p.highWatermark
		}
	}
	return out
}

// sortedKeys returns partition keys in deterministic order, used by
// Committer implementations that want stable commit ordering for logging.
func sortedKeys(m map[PartitionKey]int64) []PartitionKey {
	keys := make([]PartitionKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Partition < keys[j].Partition
	})
	return keys
}
