// Package tree implements the MatchTree AST that a compiled Sigma rule's
// condition expression evaluates into (spec §4.4).
package tree

import (
	"fmt"
	"strings"

	"github.com/boogy/sigma-stream/pkg/event"
)

// MatchResult carries both whether a branch matched and whether it was
// applicable. An inapplicable branch (its field absent from the event) must
// not itself flip the outcome of an enclosing Not — {false, false} signals
// "no opinion", distinct from a genuine non-match {false, true}.
type MatchResult struct {
	Matched    bool
	Applicable bool
}

// Matched is the canonical true/true result.
func Matched() MatchResult { return MatchResult{Matched: true, Applicable: true} }

// NotMatched is the canonical false/true result.
func NotMatched() MatchResult { return MatchResult{Matched: false, Applicable: true} }

// Inapplicable is the canonical false/false result.
func Inapplicable() MatchResult { return MatchResult{Matched: false, Applicable: false} }

// Branch is any node in the MatchTree.
type Branch interface {
	Match(evt *event.Event) MatchResult
	Describe() string
}

// Tree is the compiled condition expression for one rule, together with a
// handle back to the rule it belongs to.
type Tree struct {
	Root   Branch
	RuleID string
}

func New(root Branch, ruleID string) *Tree {
	return &Tree{Root: root, RuleID: ruleID}
}

// Eval reports whether the event matches and whether the tree applied at
// all (an entirely inapplicable tree should not be counted as a miss by
// callers tracking per-rule applicability metrics).
func (t *Tree) Eval(evt *event.Event) MatchResult {
	return t.Root.Match(evt)
}

// And is a two-child conjunction, short-circuiting on the left branch.
type And struct {
	Left, Right Branch
}

func (n *And) Match(evt *event.Event) MatchResult {
	l := n.Left.Match(evt)
	if !l.Matched {
		return MatchResult{Matched: false, Applicable: l.Applicable}
	}
	r := n.Right.Match(evt)
	return MatchResult{Matched: l.Matched && r.Matched, Applicable: l.Applicable && r.Applicable}
}

func (n *And) Describe() string {
	return fmt.Sprintf("(%s AND %s)", n.Left.Describe(), n.Right.Describe())
}

// Or is a two-child disjunction, short-circuiting on a left match.
type Or struct {
	Left, Right Branch
}

func (n *Or) Match(evt *event.Event) MatchResult {
	l := n.Left.Match(evt)
	if l.Matched {
		return MatchResult{Matched: true, Applicable: l.Applicable}
	}
	r := n.Right.Match(evt)
	return MatchResult{Matched: l.Matched || r.Matched, Applicable: l.Applicable || r.Applicable}
}

func (n *Or) Describe() string {
	return fmt.Sprintf("(%s OR %s)", n.Left.Describe(), n.Right.Describe())
}

// Not negates its child, but only when the child actually applied —
// otherwise an absent field would turn into a spurious match.
type Not struct {
	Child Branch
}

func (n *Not) Match(evt *event.Event) MatchResult {
	r := n.Child.Match(evt)
	if !r.Applicable {
		return r
	}
	return MatchResult{Matched: !r.Matched, Applicable: true}
}

func (n *Not) Describe() string {
	return fmt.Sprintf("NOT %s", n.Child.Describe())
}

// SimpleAnd is an n-ary conjunction used for "all of" expansions; it
// short-circuits on the first non-matching or inapplicable branch.
type SimpleAnd struct {
	Branches []Branch
}

func (n *SimpleAnd) Match(evt *event.Event) MatchResult {
	for _, b := range n.Branches {
		r := b.Match(evt)
		if !r.Matched || !r.Applicable {
			return r
		}
	}
	return Matched()
}

func (n *SimpleAnd) Describe() string {
	return "(" + joinDescribe(n.Branches, " AND ") + ")"
}

// Reduce collapses a single-branch SimpleAnd into its child and a two-branch
// one into an And, leaving larger sets as-is.
func (n *SimpleAnd) Reduce() (Branch, error) {
	switch len(n.Branches) {
	case 0:
		return nil, fmt.Errorf("tree: cannot reduce empty AND node")
	case 1:
		return n.Branches[0], nil
	case 2:
		return &And{Left: n.Branches[0], Right: n.Branches[1]}, nil
	default:
		return n, nil
	}
}

// SimpleOr is an n-ary disjunction used for "1 of" expansions.
type SimpleOr struct {
	Branches []Branch
}

func (n *SimpleOr) Match(evt *event.Event) MatchResult {
	oneApplicable := false
	for _, b := range n.Branches {
		r := b.Match(evt)
		if r.Matched {
			return Matched()
		}
		if r.Applicable {
			oneApplicable = true
		}
	}
	return MatchResult{Matched: false, Applicable: oneApplicable}
}

func (n *SimpleOr) Describe() string {
	return "(" + joinDescribe(n.Branches, " OR ") + ")"
}

func (n *SimpleOr) Reduce() (Branch, error) {
	switch len(n.Branches) {
	case 0:
		return nil, fmt.Errorf("tree: cannot reduce empty OR node")
	case 1:
		return n.Branches[0], nil
	case 2:
		return &Or{Left: n.Branches[0], Right: n.Branches[1]}, nil
	default:
		return n, nil
	}
}

func joinDescribe(branches []Branch, sep string) string {
	parts := make([]string, len(branches))
	for i, b := range branches {
		parts[i] = b.Describe()
	}
	return strings.Join(parts, sep)
}

// NewNotIfNegated wraps branch in a Not only when negated is true.
func NewNotIfNegated(branch Branch, negated bool) Branch {
	if negated {
		return &Not{Child: branch}
	}
	return branch
}
