// Package parser compiles a Sigma condition expression (spec §4.3) plus its
// referenced selections into a tree.Branch. It runs the lexer to collect
// tokens (Pass 1), validates their sequence, then recursively builds the
// MatchTree (Pass 2).
package parser

import (
	"context"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/lexer"
	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/boogy/sigma-stream/pkg/tree"
	"github.com/gobwas/glob"
)

// Compile builds a MatchTree branch from a rule's detection block.
func Compile(ctx context.Context, detection rule.Detection, noCollapseWS bool) (tree.Branch, error) {
	condition := detection.Condition()
	if condition == "" {
		return nil, errf("detection has no condition")
	}

	switch condition {
	case "true", "1":
		return trueBranch{}, nil
	case "false", "0":
		return falseBranch{}, nil
	}

	items, err := collect(ctx, condition)
	if err != nil {
		return nil, err
	}

	c := &compiler{detection: detection, noCollapseWS: noCollapseWS}
	return c.newBranch(items, 0)
}

// collect is Pass 1 (spec §4.3): it drains the lexer's item stream into a
// token vector, surfacing any in-band error/unsupported items, then runs
// the sequence validator and the token-count/memory/parenthesis-depth
// limits before Pass 2 ever sees the tokens.
func collect(ctx context.Context, condition string) ([]lexer.Item, error) {
	var items []lexer.Item
	for item := range lexer.New(condition).Scan(ctx) {
		switch item.Token {
		case lexer.TokError:
			return nil, errf("lexer error: %s", item.Value)
		case lexer.TokUnsupported:
			return nil, errf("unsupported condition grammar: %s", item.Value)
		}
		items = append(items, item)
		if len(items) > maxTokens {
			return nil, &TokenLimitExceededError{Count: len(items), Limit: maxTokens}
		}
	}
	if bytes := estimatedBytes(items); bytes > maxEstimatedBytes {
		return nil, &MemoryLimitExceededError{Bytes: bytes, Limit: maxEstimatedBytes}
	}
	if err := validateSequence(items); err != nil {
		return nil, err
	}
	return items[:len(items)-1], nil
}

type compiler struct {
	detection    rule.Detection
	noCollapseWS bool
}

// newBranch consumes a flat token slice (one nesting level, parentheses
// already stripped by extractGroup) and builds the AND/OR tree per spec
// §4.3's normal form: identifiers implicitly AND within a run, "or" starts
// a new AND group, "not" negates the next term.
func (c *compiler) newBranch(tokens []lexer.Item, depth int) (tree.Branch, error) {
	if depth > MaxRecursionDepth {
		return nil, errf("condition nesting exceeds limit of %d", MaxRecursionDepth)
	}

	var andBranches []tree.Branch
	var orBranches []tree.Branch
	negated := false
	var wildcard lexer.Token

	i := 0
	for i < len(tokens) {
		item := tokens[i]
		switch item.Token {
		case lexer.TokIdentifier:
			val, ok := c.detection.Get(item.Value)
			if !ok {
				return nil, errf("condition references unknown identifier %q", item.Value)
			}
			branch, err := buildSelectionBranch(val, c.noCollapseWS)
			if err != nil {
				return nil, err
			}
			andBranches = append(andBranches, tree.NewNotIfNegated(branch, negated))
			negated = false
			i++

		case lexer.TokKeywordAnd:
			i++

		case lexer.TokKeywordOr:
			reduced, err := (&tree.SimpleAnd{Branches: andBranches}).Reduce()
			if err != nil {
				return nil, errf("%v", err)
			}
			orBranches = append(orBranches, reduced)
			andBranches = nil
			i++

		case lexer.TokKeywordNot:
			negated = true
			i++

		case lexer.TokSepLpar:
			group, next, err := extractGroup(tokens, i+1)
			if err != nil {
				return nil, err
			}
			branch, err := c.newBranch(group, depth+1)
			if err != nil {
				return nil, err
			}
			andBranches = append(andBranches, tree.NewNotIfNegated(branch, negated))
			negated = false
			i = next

		case lexer.TokStmtAllOf, lexer.TokStmtOneOf:
			wildcard = item.Token
			i++

		case lexer.TokIdentifierAll:
			branches, err := c.allSelectionBranches()
			if err != nil {
				return nil, err
			}
			node, err := reduceWildcardGroup(wildcard, branches)
			if err != nil {
				return nil, err
			}
			andBranches = append(andBranches, tree.NewNotIfNegated(node, negated))
			negated = false
			wildcard = lexer.TokNil
			i++

		case lexer.TokIdentifierWithWildcard:
			pattern, err := glob.Compile(item.Value)
			if err != nil {
				return nil, errf("invalid wildcard identifier %q: %v", item.Value, err)
			}
			branches, err := c.matchingSelectionBranches(pattern)
			if err != nil {
				return nil, err
			}
			node, err := reduceWildcardGroup(wildcard, branches)
			if err != nil {
				return nil, err
			}
			andBranches = append(andBranches, tree.NewNotIfNegated(node, negated))
			negated = false
			wildcard = lexer.TokNil
			i++

		default:
			return nil, errf("unexpected token %q in condition", item.Value)
		}
	}

	if len(andBranches) > 0 {
		reduced, err := (&tree.SimpleAnd{Branches: andBranches}).Reduce()
		if err != nil {
			return nil, errf("%v", err)
		}
		orBranches = append(orBranches, reduced)
	}

	if len(orBranches) == 0 {
		return nil, errf("condition has no valid branches")
	}
	return (&tree.SimpleOr{Branches: orBranches}).Reduce()
}

func reduceWildcardGroup(wildcard lexer.Token, branches []tree.Branch) (tree.Branch, error) {
	switch wildcard {
	case lexer.TokStmtAllOf:
		return (&tree.SimpleAnd{Branches: branches}).Reduce()
	case lexer.TokStmtOneOf:
		return (&tree.SimpleOr{Branches: branches}).Reduce()
	default:
		return nil, errf("wildcard identifier used outside 'all of'/'1 of'")
	}
}

func (c *compiler) allSelectionBranches() ([]tree.Branch, error) {
	selections := c.detection.Selections()
	if len(selections) == 0 {
		return nil, errf("'of them' used but detection has no selections")
	}
	names := sortedKeys(selections)
	branches := make([]tree.Branch, 0, len(names))
	for _, name := range names {
		b, err := buildSelectionBranch(selections[name], c.noCollapseWS)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, nil
}

func (c *compiler) matchingSelectionBranches(pattern glob.Glob) ([]tree.Branch, error) {
	selections := c.detection.Selections()
	names := sortedKeys(selections)
	var branches []tree.Branch
	for _, name := range names {
		if !pattern.Match(name) {
			continue
		}
		b, err := buildSelectionBranch(selections[name], c.noCollapseWS)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if len(branches) == 0 {
		return nil, errf("wildcard identifier matched no selections")
	}
	return branches, nil
}

// extractGroup returns the tokens inside a parenthesized group starting
// right after its opening '(' at tokens[start-1], plus the index just past
// the matching ')'.
func extractGroup(tokens []lexer.Item, start int) ([]lexer.Item, int, error) {
	balance := 1
	for i := start; i < len(tokens); i++ {
		switch tokens[i].Token {
		case lexer.TokSepLpar:
			balance++
		case lexer.TokSepRpar:
			balance--
			if balance == 0 {
				return tokens[start:i], i + 1, nil
			}
		}
	}
	return nil, 0, errf("unbalanced parentheses")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps compiled trees (and their Describe()
	// output) stable across runs for the same rule.
	insertionSort(keys)
	return keys
}

func insertionSort(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}

type trueBranch struct{}

func (trueBranch) Match(_ *event.Event) tree.MatchResult { return tree.Matched() }
func (trueBranch) Describe() string                      { return "true" }

type falseBranch struct{}

func (falseBranch) Match(_ *event.Event) tree.MatchResult { return tree.NotMatched() }
func (falseBranch) Describe() string                      { return "false" }
