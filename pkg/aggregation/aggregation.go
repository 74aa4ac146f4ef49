// Package aggregation implements spec §4.6's windowed aggregation
// evaluator (count/sum/avg/min/max by group key, with TTL eviction).
package aggregation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/matcher"
)

// Function identifies which aggregate an AggregationNode computes.
type Function int

const (
	FunctionCount Function = iota
	FunctionSum
	FunctionAverage
	FunctionMin
	FunctionMax
)

// Comparison is the threshold test applied to an aggregate's current value.
type Comparison int

const (
	ComparisonGreaterThan Comparison = iota
	ComparisonGreaterOrEqual
	ComparisonLessThan
	ComparisonLessOrEqual
	ComparisonEqual
	ComparisonNotEqual
)

func (c Comparison) Evaluate(value, threshold float64) bool {
	switch c {
	case ComparisonGreaterThan:
		return value > threshold
	case ComparisonGreaterOrEqual:
		return value >= threshold
	case ComparisonLessThan:
		return value < threshold
	case ComparisonLessOrEqual:
		return value <= threshold
	case ComparisonEqual:
		return math.Abs(value-threshold) < 1e-9
	case ComparisonNotEqual:
		return math.Abs(value-threshold) >= 1e-9
	default:
		return false
	}
}

// Node describes one "| count() by Field > N" style aggregation clause.
type Node struct {
	Function   Function
	Field      string // the field summed/averaged/min'd/max'd; ignored for Count
	Comparison Comparison
	Threshold  float64
	ByField    string // group-by field; "" groups everything together
	Window     time.Duration
}

// Result is the outcome of evaluating one event against a Node.
type Result struct {
	Triggered bool
	Value     float64
	Group     string
	Timestamp time.Time
}

type groupState struct {
	window    *SlidingWindow
	count     uint64
	lastGroup string
}

// Evaluator holds one sliding window per (node, group-key) pair and
// periodically evicts groups that have gone idle past their TTL.
type Evaluator struct {
	mu       sync.Mutex
	groups   map[string]*groupState
	groupTTL time.Duration
}

// DefaultGroupTTL bounds how long an idle group's window stays resident.
const DefaultGroupTTL = 10 * time.Minute

func NewEvaluator() *Evaluator {
	return &Evaluator{groups: make(map[string]*groupState), groupTTL: DefaultGroupTTL}
}

func NewEvaluatorWithTTL(ttl time.Duration) *Evaluator {
	return &Evaluator{groups: make(map[string]*groupState), groupTTL: ttl}
}

// Evaluate folds evt into the relevant group's window and reports whether
// the aggregation's threshold is now met.
func (e *Evaluator) Evaluate(node *Node, evt *event.Event) Result {
	now := time.Now()
	groupKey := e.groupKey(node, evt)
	state := e.groupState(groupKey, node.Window)

	var value float64
	switch node.Function {
	case FunctionCount:
		state.window.AddValue(1, now)
		value = state.window.CurrentValue()
	case FunctionSum:
		state.window.AddValue(extractNumeric(evt, node.Field), now)
		value = state.window.CurrentValue()
	case FunctionAverage:
		n := extractNumeric(evt, node.Field)
		state.window.AddValue(n, now)
		count := state.window.EntryCount()
		if count == 0 {
			value = 0
		} else {
			value = state.window.CurrentValue() / float64(count)
		}
	case FunctionMin:
		state.window.AddValue(extractNumeric(evt, node.Field), now)
		value = state.window.Min()
	case FunctionMax:
		state.window.AddValue(extractNumeric(evt, node.Field), now)
		value = state.window.Max()
	}

	return Result{
		Triggered: node.Comparison.Evaluate(value, node.Threshold),
		Value:     value,
		Group:     groupKey,
		Timestamp: now,
	}
}

func (e *Evaluator) groupKey(node *Node, evt *event.Event) string {
	if node.ByField == "" {
		return "default"
	}
	val, ok := evt.Select(node.ByField)
	if !ok {
		return fmt.Sprintf("%s:unknown", node.ByField)
	}
	s, _ := matcher.CoerceToString(val)
	return fmt.Sprintf("%s:%s", node.ByField, s)
}

func (e *Evaluator) groupState(key string, window time.Duration) *groupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.groups[key]
	if !ok {
		s = &groupState{window: NewSlidingWindow(window)}
		e.groups[key] = s
	}
	return s
}

// Compact evicts groups whose window has been empty past the TTL. Intended
// to run on a periodic background tick alongside window compaction.
func (e *Evaluator) Compact(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, state := range e.groups {
		state.window.CompactAtTime(now)
		if state.window.EntryCount() == 0 && now.Sub(state.window.LastUpdate()) > e.groupTTL {
			delete(e.groups, key)
		}
	}
}

// Statistics reports the evaluator's current footprint.
type Statistics struct {
	ActiveGroups     int
	TotalEvaluations uint64
}

func (e *Evaluator) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Statistics{ActiveGroups: len(e.groups)}
}

func extractNumeric(evt *event.Event, field string) float64 {
	val, ok := evt.Select(field)
	if !ok {
		return 0
	}
	n, ok := matcher.CoerceToInt(val)
	if !ok {
		return 0
	}
	return float64(n)
}
