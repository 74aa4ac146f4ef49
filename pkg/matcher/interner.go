package matcher

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// internerCapacity bounds the process-wide string interner; on overflow it
// evicts roughly 10% of entries (not strictly LRU).
const internerCapacity = 10000

type stringInterner struct {
	mu            sync.Mutex
	values        map[string]string
	resetCounter  atomic.Int64
	insertCounter atomic.Int64
}

var globalInterner = &stringInterner{values: make(map[string]string, internerCapacity)}

// intern de-duplicates pattern literals used by Content/Prefix/Suffix
// matchers. It recovers from any internal panic by clearing state and
// bumping a counter, rather than propagating the panic to the caller.
func intern(s string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			globalInterner.mu.Lock()
			globalInterner.values = make(map[string]string, internerCapacity)
			globalInterner.mu.Unlock()
			globalInterner.resetCounter.Add(1)
			log.Warn().Interface("panic", r).Msg("matcher: interner reset after internal fault")
			result = s
		}
	}()

	globalInterner.mu.Lock()
	defer globalInterner.mu.Unlock()

	if v, ok := globalInterner.values[s]; ok {
		return v
	}

	if len(globalInterner.values) >= internerCapacity {
		evictApprox10Percent(globalInterner.values)
	}

	globalInterner.values[s] = s
	globalInterner.insertCounter.Add(1)
	return s
}

// evictApprox10Percent removes roughly one in ten entries. Go map iteration
// order is randomized, so this is an effective (if not strictly LRU) random
// eviction policy.
func evictApprox10Percent(values map[string]string) {
	target := len(values) / 10
	if target == 0 {
		target = 1
	}
	removed := 0
	for k := range values {
		delete(values, k)
		removed++
		if removed >= target {
			break
		}
	}
}

// InternerStats exposes interner counters for metrics/diagnostics.
func InternerStats() (resets, inserts int64) {
	return globalInterner.resetCounter.Load(), globalInterner.insertCounter.Load()
}
