package ruleset

import (
	"github.com/boogy/sigma-stream/pkg/event"
)

// DryRunResult reports how a rule set performs against a batch of sample
// events, without going through the streaming consumer — adapted from the
// teacher's VersionedConfiguration.DryRun for offline rule testing.
type DryRunResult struct {
	TotalEvents int
	MatchCount  int
	PassCount   int
	MatchRate   float64
	RuleHits    map[string]int
}

// DryRun evaluates every rule in rs against each sample event and tallies
// per-rule hit counts, useful for validating a new or edited rule set
// before deploying it to the live consumer.
func (rs *RuleSet) DryRun(events []*event.Event) DryRunResult {
	result := DryRunResult{
		TotalEvents: len(events),
		RuleHits:    make(map[string]int),
	}

	for _, evt := range events {
		res := rs.Evaluate(evt)
		hit := false
		for _, m := range res.Matches {
			if m.Matched {
				hit = true
				result.RuleHits[m.RuleID]++
			}
		}
		if hit {
			result.MatchCount++
		}
	}

	result.PassCount = result.TotalEvents - result.MatchCount
	if result.TotalEvents > 0 {
		result.MatchRate = float64(result.MatchCount) / float64(result.TotalEvents)
	}
	return result
}

// DryRun delegates to the inner RuleSet under a read lock.
func (c *Concurrent) DryRun(events []*event.Event) DryRunResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner.DryRun(events)
}
