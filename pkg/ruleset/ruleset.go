// Package ruleset manages the compiled, live set of Sigma rules an engine
// evaluates events against (spec §4.5), and their concurrent evaluation.
package ruleset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boogy/sigma-stream/pkg/aggregation"
	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/boogy/sigma-stream/pkg/tree"
	"github.com/rs/zerolog/log"
)

// Compiled pairs a parsed rule with its compiled MatchTree and, when the
// rule carries an aggregation gate (spec §4.6), the windowed evaluator that
// gate runs against.
type Compiled struct {
	Rule    *rule.Rule
	Tree    *tree.Tree
	Path    string
	Enabled bool

	AggNode *aggregation.Node
	Agg     *aggregation.Evaluator
}

// Metadata summarizes the state of a RuleSet at load time.
type Metadata struct {
	TotalRules   int
	EnabledRules int
	FailedRules  int
	LoadedAt     time.Time
}

// RuleSet is a loaded, compiled collection of Sigma rules, indexed by ID.
type RuleSet struct {
	rules    []*Compiled
	index    map[string]int
	metadata Metadata
}

func New() *RuleSet {
	return &RuleSet{index: make(map[string]int), metadata: Metadata{LoadedAt: time.Now()}}
}

// LoadDirectory walks dir for *.yml/*.yaml rule files, compiling each. When
// failOnError is false a broken rule is logged and skipped rather than
// aborting the whole load.
func (rs *RuleSet) LoadDirectory(ctx context.Context, dir string, failOnError bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ruleset: read directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := rs.loadFile(ctx, path); err != nil {
			rs.metadata.FailedRules++
			log.Error().Err(err).Str("path", path).Msg("ruleset: failed to load rule")
			if failOnError {
				return err
			}
			continue
		}
	}
	log.Info().
		Int("total", rs.metadata.TotalRules).
		Int("enabled", rs.metadata.EnabledRules).
		Int("failed", rs.metadata.FailedRules).
		Msg("ruleset: loaded rules from directory")
	return nil
}

func (rs *RuleSet) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	r, err := rule.FromYAML(data)
	if err != nil {
		return fmt.Errorf("ruleset: parse %s: %w", path, err)
	}
	return rs.AddRule(ctx, r, path)
}

// AddRule compiles and registers a rule. A rule with an empty ID is
// assigned a fresh UUID (spec §6) so it still indexes cleanly.
func (rs *RuleSet) AddRule(ctx context.Context, r *rule.Rule, path string) error {
	handle := rule.NewHandle(r, path)
	compiledTree, err := handle.Compile(ctx)
	if err != nil {
		return err
	}

	id := r.ID
	if id == "" {
		id = rule.NewID()
		r.ID = id
	}

	compiled := &Compiled{Rule: r, Tree: compiledTree, Path: path, Enabled: true}
	if r.Aggregation != nil {
		node, err := r.Aggregation.Node()
		if err != nil {
			return fmt.Errorf("ruleset: build aggregation gate for %s: %w", id, err)
		}
		compiled.AggNode = node
		compiled.Agg = aggregation.NewEvaluator()
	}

	idx := len(rs.rules)
	rs.index[id] = idx
	rs.rules = append(rs.rules, compiled)
	rs.metadata.TotalRules++
	rs.metadata.EnabledRules++
	return nil
}

func (rs *RuleSet) Len() int     { return rs.metadata.TotalRules }
func (rs *RuleSet) IsEmpty() bool { return len(rs.rules) == 0 }
func (rs *RuleSet) Metadata() Metadata { return rs.metadata }

// SetRuleEnabled toggles a rule by ID without recompiling it.
func (rs *RuleSet) SetRuleEnabled(id string, enabled bool) error {
	idx, ok := rs.index[id]
	if !ok {
		return fmt.Errorf("ruleset: rule not found: %s", id)
	}
	r := rs.rules[idx]
	if r.Enabled != enabled {
		if enabled {
			rs.metadata.EnabledRules++
		} else {
			rs.metadata.EnabledRules--
		}
	}
	r.Enabled = enabled
	return nil
}

// Match is one rule's outcome against a single event.
type Match struct {
	RuleID         string
	RuleTitle      string
	Matched        bool
	Result         tree.MatchResult
	EvaluationTime time.Duration

	// Aggregation is non-nil when the rule carries an aggregation gate
	// (spec §4.6) and its base condition matched, so the gate actually ran.
	Aggregation *aggregation.Result
}

// Result aggregates every rule's outcome for one event.
type Result struct {
	Matches        []Match
	RulesEvaluated int
	EvaluationTime time.Duration
}

// maxConcurrentRules bounds the per-event fan-out so one oversized ruleset
// does not spawn thousands of goroutines per incoming event.
const maxConcurrentRules = 64

// Evaluate runs every enabled rule against evt concurrently, bounded by a
// worker pool, and collects the results.
func (rs *RuleSet) Evaluate(evt *event.Event) Result {
	start := time.Now()

	enabled := make([]*Compiled, 0, len(rs.rules))
	for _, r := range rs.rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	if len(enabled) == 0 {
		return Result{EvaluationTime: time.Since(start)}
	}

	sem := make(chan struct{}, maxConcurrentRules)
	matches := make([]Match, len(enabled))
	var wg sync.WaitGroup
	for i, r := range enabled {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, r *Compiled) {
			defer wg.Done()
			defer func() { <-sem }()

			ruleStart := time.Now()
			res := r.Tree.Eval(evt)
			title := r.Rule.Title
			id := r.Rule.ID
			if id == "" {
				id = "unknown"
			}

			matched := res.Matched
			var aggResult *aggregation.Result
			if matched && r.AggNode != nil && r.Agg != nil {
				ar := r.Agg.Evaluate(r.AggNode, evt)
				aggResult = &ar
				matched = ar.Triggered
			}

			matches[i] = Match{
				RuleID:         id,
				RuleTitle:      title,
				Matched:        matched,
				Result:         res,
				EvaluationTime: time.Since(ruleStart),
				Aggregation:    aggResult,
			}
		}(i, r)
	}
	wg.Wait()

	return Result{
		Matches:        matches,
		RulesEvaluated: len(matches),
		EvaluationTime: time.Since(start),
	}
}

// Concurrent wraps a RuleSet with a reader/writer lock so the consumer
// pipeline can hot-reload rules without pausing evaluation.
type Concurrent struct {
	mu    sync.RWMutex
	inner *RuleSet
}

func NewConcurrent(rs *RuleSet) *Concurrent {
	return &Concurrent{inner: rs}
}

func (c *Concurrent) Evaluate(evt *event.Event) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner.Evaluate(evt)
}

func (c *Concurrent) AddRule(ctx context.Context, r *rule.Rule, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.AddRule(ctx, r, path)
}

func (c *Concurrent) SetRuleEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.SetRuleEnabled(id, enabled)
}

func (c *Concurrent) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner.Len()
}

// Replace atomically swaps in a freshly loaded RuleSet, used by hot reload.
func (c *Concurrent) Replace(rs *RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner = rs
}

// RuleIDs returns every registered rule ID in sorted order, for listing
// endpoints and dry-run reports.
func (rs *RuleSet) RuleIDs() []string {
	ids := make([]string, 0, len(rs.index))
	for id := range rs.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary is a rule's listing-facing metadata, used by the HTTP
// `GET /rules` endpoint (spec §6).
type Summary struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Level   string   `json:"level"`
	Tags    []string `json:"tags,omitempty"`
	Enabled bool     `json:"enabled"`
}

// List returns every registered rule's listing metadata, sorted by ID.
func (rs *RuleSet) List() []Summary {
	ids := rs.RuleIDs()
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		c := rs.rules[rs.index[id]]
		out = append(out, Summary{
			ID:      id,
			Title:   c.Rule.Title,
			Level:   c.Rule.Level,
			Tags:    []string(c.Rule.Tags),
			Enabled: c.Enabled,
		})
	}
	return out
}

// List delegates to the inner RuleSet under a read lock.
func (c *Concurrent) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner.List()
}
