package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/boogy/sigma-stream/pkg/matcher"
	"github.com/boogy/sigma-stream/pkg/tree"
)

// textModifier identifies which string-matching strategy a field|modifier
// suffix selects (spec §4.3).
type textModifier int

const (
	modNone textModifier = iota
	modContains
	modPrefix
	modSuffix
	modRegex
	modKeyword
)

// fieldModifiers is the parsed form of a Sigma "Field|mod1|mod2" key.
type fieldModifiers struct {
	field      string
	text       textModifier
	all        bool
	ignoreCase bool
}

func parseFieldModifiers(raw string) fieldModifiers {
	parts := strings.Split(raw, "|")
	fm := fieldModifiers{field: parts[0], ignoreCase: true}
	for _, mod := range parts[1:] {
		switch strings.ToLower(mod) {
		case "contains":
			fm.text = modContains
		case "startswith", "prefix":
			fm.text = modPrefix
		case "endswith", "suffix":
			fm.text = modSuffix
		case "re", "regex":
			fm.text = modRegex
		case "keyword":
			fm.text = modKeyword
		case "all":
			fm.all = true
		case "cased":
			fm.ignoreCase = false
		}
	}
	return fm
}

// newStringMatcherForValue compiles one scalar value into a StringMatcher
// given the resolved modifier, falling back to glob interpretation when the
// value contains Sigma wildcards and no explicit modifier was given.
func newStringMatcherForValue(fm fieldModifiers, value string, noCollapseWS bool) (matcher.StringMatcher, error) {
	switch fm.text {
	case modContains:
		return matcher.NewContainsMatcher(value, noCollapseWS), nil
	case modPrefix:
		return matcher.NewPrefixMatcher(value, fm.ignoreCase, noCollapseWS), nil
	case modSuffix:
		return matcher.NewSuffixMatcher(value, fm.ignoreCase, noCollapseWS), nil
	case modRegex:
		return matcher.NewRegexMatcher(value, noCollapseWS)
	case modKeyword, modNone:
		if strings.ContainsAny(value, "*?") {
			escaped := matcher.EscapeSigmaForGlob(value)
			return matcher.NewGlobMatcher(escaped, noCollapseWS)
		}
		return matcher.NewContentMatcher(value, fm.ignoreCase, noCollapseWS), nil
	default:
		return matcher.NewContentMatcher(value, fm.ignoreCase, noCollapseWS), nil
	}
}

// newStringMatcherSet builds a matcher over a set of scalar values. With no
// "|all" modifier the values are a disjunction (any one value matches, the
// common Sigma list semantics); with "|all" they are a conjunction (every
// listed pattern must match the field, the "match every value in this
// list" reading used by downstream Sigma consumers for multivalued fields).
func newStringMatcherSet(fm fieldModifiers, values []string, noCollapseWS bool) (matcher.StringMatcher, error) {
	if len(values) == 1 {
		return newStringMatcherForValue(fm, values[0], noCollapseWS)
	}
	inner := make([]matcher.StringMatcher, 0, len(values))
	for _, v := range values {
		m, err := newStringMatcherForValue(fm, v, noCollapseWS)
		if err != nil {
			return nil, err
		}
		inner = append(inner, m)
	}
	if fm.all {
		return matcher.NewConjunctionMatcher(inner...), nil
	}
	return matcher.NewDisjunctionMatcher(inner...), nil
}

func newNumMatcherSet(values []int64) matcher.NumMatcher {
	if len(values) == 1 {
		return matcher.NewNumEquals(values[0])
	}
	inner := make([]matcher.NumMatcher, len(values))
	for i, v := range values {
		inner[i] = matcher.NewNumEquals(v)
	}
	return matcher.NewNumDisjunction(inner...)
}

// buildFieldBranch turns one "Field|modifiers: value" detection entry into
// a MatchTree leaf.
func buildFieldBranch(rawField string, value any, noCollapseWS bool) (tree.Branch, error) {
	fm := parseFieldModifiers(rawField)

	switch v := value.(type) {
	case string:
		m, err := newStringMatcherForValue(fm, v, noCollapseWS)
		if err != nil {
			return nil, fmt.Errorf("parser: field %q: %w", fm.field, err)
		}
		return &tree.FieldPredicate{Field: fm.field, StringMatcher: m, RequireAll: fm.all}, nil

	case int:
		return buildIntField(fm, int64(v)), nil
	case int64:
		return buildIntField(fm, v), nil
	case float64:
		if v == float64(int64(v)) && fm.text == modNone {
			return buildIntField(fm, int64(v)), nil
		}
		m, err := newStringMatcherForValue(fm, formatFloat(v), noCollapseWS)
		if err != nil {
			return nil, err
		}
		return &tree.FieldPredicate{Field: fm.field, StringMatcher: m, RequireAll: fm.all}, nil

	case bool:
		m, err := newStringMatcherForValue(fm, strconv.FormatBool(v), noCollapseWS)
		if err != nil {
			return nil, err
		}
		return &tree.FieldPredicate{Field: fm.field, StringMatcher: m, RequireAll: fm.all}, nil

	case nil:
		m, err := newStringMatcherForValue(fm, "null", noCollapseWS)
		if err != nil {
			return nil, err
		}
		return &tree.FieldPredicate{Field: fm.field, StringMatcher: m, RequireAll: fm.all}, nil

	case []any:
		return buildListField(fm, v, noCollapseWS)

	default:
		return nil, fmt.Errorf("parser: field %q: unsupported value type %T", fm.field, value)
	}
}

func buildIntField(fm fieldModifiers, n int64) tree.Branch {
	return &tree.FieldPredicate{Field: fm.field, NumMatcher: newNumMatcherSet([]int64{n}), RequireAll: fm.all}
}

func formatFloat(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}

// buildListField handles "Field: [v1, v2, ...]" — a mixed list of scalars
// that all compare against the same field, ORed (or ANDed under |all).
func buildListField(fm fieldModifiers, values []any, noCollapseWS bool) (tree.Branch, error) {
	allInts := true
	ints := make([]int64, 0, len(values))
	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case int:
			ints = append(ints, int64(n))
			strs = append(strs, strconv.Itoa(n))
		case int64:
			ints = append(ints, n)
			strs = append(strs, strconv.FormatInt(n, 10))
		case float64:
			allInts = false
			strs = append(strs, formatFloat(n))
		case string:
			allInts = false
			strs = append(strs, n)
		case bool:
			allInts = false
			strs = append(strs, strconv.FormatBool(n))
		default:
			return nil, fmt.Errorf("parser: field %q: unsupported list element type %T", fm.field, v)
		}
	}

	if allInts && fm.text == modNone {
		return &tree.FieldPredicate{Field: fm.field, NumMatcher: newNumMatcherSet(ints), RequireAll: fm.all}, nil
	}
	m, err := newStringMatcherSet(fm, strs, noCollapseWS)
	if err != nil {
		return nil, fmt.Errorf("parser: field %q: %w", fm.field, err)
	}
	return &tree.FieldPredicate{Field: fm.field, StringMatcher: m, RequireAll: fm.all}, nil
}

// buildSelectionBranch compiles one named detection entry (a "selection",
// "filter", or "keywords" block) into a MatchTree branch, per Sigma's
// selection-shape rules: a map ANDs its fields, a list of maps ORs each
// map, and a bare list (or scalar) is a keyword match.
func buildSelectionBranch(value any, noCollapseWS bool) (tree.Branch, error) {
	switch v := value.(type) {
	case map[string]any:
		return buildFieldMapBranch(v, noCollapseWS)

	case []any:
		branches := make([]tree.Branch, 0, len(v))
		allScalar := true
		for _, item := range v {
			if _, ok := item.(map[string]any); ok {
				allScalar = false
			}
		}
		if allScalar {
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("parser: keyword list contains non-string element %T", item)
				}
				fm := fieldModifiers{ignoreCase: true}
				m, err := newStringMatcherForValue(fm, s, noCollapseWS)
				if err != nil {
					return nil, err
				}
				branches = append(branches, &tree.KeywordPredicate{StringMatcher: m})
			}
			return (&tree.SimpleOr{Branches: branches}).Reduce()
		}
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parser: mixed selection list must contain only maps")
			}
			b, err := buildFieldMapBranch(m, noCollapseWS)
			if err != nil {
				return nil, err
			}
			branches = append(branches, b)
		}
		return (&tree.SimpleOr{Branches: branches}).Reduce()

	case string:
		fm := fieldModifiers{ignoreCase: true}
		m, err := newStringMatcherForValue(fm, v, noCollapseWS)
		if err != nil {
			return nil, err
		}
		return &tree.KeywordPredicate{StringMatcher: m}, nil

	default:
		return nil, fmt.Errorf("parser: unsupported selection shape %T", value)
	}
}

func buildFieldMapBranch(fields map[string]any, noCollapseWS bool) (tree.Branch, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("parser: selection map has no fields")
	}
	branches := make([]tree.Branch, 0, len(fields))
	for field, val := range fields {
		b, err := buildFieldBranch(field, val, noCollapseWS)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return (&tree.SimpleAnd{Branches: branches}).Reduce()
}
