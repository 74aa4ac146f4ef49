package matcher

import (
	"fmt"
	"regexp"

	"github.com/coregx/coregex"
	"github.com/coregx/coregex/meta"
	"github.com/rs/zerolog/log"
)

// UnsafeRegexError reports why a pattern was rejected by the safety gate.
type UnsafeRegexError struct {
	Pattern string
	Reason  string
}

func (e *UnsafeRegexError) Error() string {
	return fmt.Sprintf("unsafe regex %q: %s", e.Pattern, e.Reason)
}

const (
	maxRegexLen     = 1000
	maxParenNesting = 10
)

// dangerousPatterns are literal nested-quantifier / overlapping-alternation
// shapes known to cause catastrophic backtracking, grounded on the teacher's
// containsReDoSPattern (pkg/rules/rules.go) and extended per spec §4.1(iii)-(iv).
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*\+[^)]*\)\+`),
	regexp.MustCompile(`\([^)]*\*[^)]*\)\*`),
	regexp.MustCompile(`\([^)]*\+[^)]*\)\*`),
	regexp.MustCompile(`\([^)]*\*[^)]*\)\+`),
	regexp.MustCompile(`\(\.\*\|\.\*\)`),
	regexp.MustCompile(`\(\.\+\|\.\+\)`),
	regexp.MustCompile(`\(\[a-zA-Z\]\+\)\*\$`),
}

func maxParenDepth(pattern string) int {
	depth, max := 0, 0
	for _, r := range pattern {
		switch r {
		case '(':
			depth++
			if depth > max {
				max = depth
			}
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

// SafeRegexp is the narrow interface the matcher layer uses for compiled
// regular expressions, satisfied by both *coregex.Regex and *regexp.Regexp.
type SafeRegexp interface {
	MatchString(s string) bool
}

// safetyConfig bounds the meta-engine's DFA/NFA working set, standing in for
// the spec's "DFA size cap 2 MiB / NFA size cap 10 MiB" (coregex counts
// states, not bytes; these caps were chosen to keep both engines' working
// sets within that rough budget for typical Sigma patterns).
func safetyConfig() meta.Config {
	cfg := coregex.DefaultConfig()
	cfg.MaxDFAStates = 4096
	cfg.DeterminizationLimit = 2048
	return cfg
}

// CompileSafe runs a pattern through the ReDoS safety gate (spec §4.1
// "Regex safety gate") and, if it passes, compiles it with bounded
// DFA/NFA working-set limits.
func CompileSafe(pattern string) (SafeRegexp, error) {
	if pattern == "" {
		return nil, &UnsafeRegexError{Pattern: pattern, Reason: "empty pattern"}
	}
	if len(pattern) > maxRegexLen {
		return nil, &UnsafeRegexError{Pattern: pattern, Reason: "pattern exceeds 1000 characters"}
	}
	if maxParenDepth(pattern) > maxParenNesting {
		return nil, &UnsafeRegexError{Pattern: pattern, Reason: "parenthesis nesting exceeds 10"}
	}
	for _, dp := range dangerousPatterns {
		if dp.MatchString(pattern) {
			return nil, &UnsafeRegexError{Pattern: pattern, Reason: "nested or overlapping quantifier"}
		}
	}

	re, err := coregex.CompileWithConfig(pattern, safetyConfig())
	if err != nil {
		log.Warn().Str("pattern", pattern).Err(err).Msg("matcher: regex rejected by safety gate")
		return nil, &UnsafeRegexError{Pattern: pattern, Reason: err.Error()}
	}
	return re, nil
}
