package tree

import (
	"fmt"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/matcher"
)

// FieldPredicate is a leaf node testing one field of an event against a
// compiled matcher. Exactly one of StringMatcher/NumMatcher is set.
type FieldPredicate struct {
	Field         string
	StringMatcher matcher.StringMatcher
	NumMatcher    matcher.NumMatcher
	// RequireAll implements Sigma's "|all" modifier: when the selected
	// field is a list, every element must satisfy the matcher rather than
	// just one.
	RequireAll bool
}

func (p *FieldPredicate) Match(evt *event.Event) MatchResult {
	val, ok := evt.Select(p.Field)
	if !ok {
		return Inapplicable()
	}

	values, isList := val.([]any)
	if !isList {
		values = []any{val}
	}
	if len(values) == 0 {
		return Inapplicable()
	}

	matchOne := p.matchValue

	if p.RequireAll {
		for _, v := range values {
			if !matchOne(v) {
				return NotMatched()
			}
		}
		return Matched()
	}

	for _, v := range values {
		if matchOne(v) {
			return Matched()
		}
	}
	return NotMatched()
}

func (p *FieldPredicate) matchValue(v any) bool {
	if p.StringMatcher != nil {
		s, ok := matcher.CoerceToString(v)
		return ok && p.StringMatcher.MatchString(s)
	}
	n, ok := matcher.CoerceToInt(v)
	return ok && p.NumMatcher.MatchNum(n)
}

func (p *FieldPredicate) Describe() string {
	if p.StringMatcher != nil {
		return fmt.Sprintf("%s:%s", p.Field, p.StringMatcher.String())
	}
	return fmt.Sprintf("%s:%s", p.Field, p.NumMatcher.String())
}

// KeywordPredicate tests the event's free-text keyword fields (spec §4.12)
// rather than a specific field path, for bare-string Sigma selections.
type KeywordPredicate struct {
	StringMatcher matcher.StringMatcher
}

func (p *KeywordPredicate) Match(evt *event.Event) MatchResult {
	keywords, ok := evt.Keywords()
	if !ok {
		return Inapplicable()
	}
	for _, kw := range keywords {
		if p.StringMatcher.MatchString(kw) {
			return Matched()
		}
	}
	return NotMatched()
}

func (p *KeywordPredicate) Describe() string {
	return fmt.Sprintf("keyword:%s", p.StringMatcher.String())
}

// AggregationPlaceholder stands in for an aggregation clause ("| count() by
// X > N") inside a MatchTree. Per-event matching never evaluates it
// directly — the ruleset evaluator detects it and routes the rule through
// the windowed aggregation evaluator (pkg/aggregation) instead.
type AggregationPlaceholder struct {
	Description string
}

func (p *AggregationPlaceholder) Match(evt *event.Event) MatchResult {
	return NotMatched()
}

func (p *AggregationPlaceholder) Describe() string {
	return p.Description
}
