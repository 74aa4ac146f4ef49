package matcher

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ContentMatcher is an exact-equality matcher, optionally case-insensitive.
type ContentMatcher struct {
	pattern      string
	ignoreCase   bool
	noCollapseWS bool
}

func NewContentMatcher(pattern string, ignoreCase, noCollapseWS bool) *ContentMatcher {
	return &ContentMatcher{pattern: intern(pattern), ignoreCase: ignoreCase, noCollapseWS: noCollapseWS}
}

func (m *ContentMatcher) MatchString(s string) bool {
	s = preprocess(s, m.noCollapseWS)
	if m.ignoreCase {
		return strings.EqualFold(s, m.pattern)
	}
	return s == m.pattern
}

func (m *ContentMatcher) String() string { return fmt.Sprintf("content(%q)", m.pattern) }

// PrefixMatcher matches a leading substring. When ignoreCase is unset the
// comparison must not allocate.
type PrefixMatcher struct {
	prefix       string
	ignoreCase   bool
	noCollapseWS bool
}

func NewPrefixMatcher(prefix string, ignoreCase, noCollapseWS bool) *PrefixMatcher {
	return &PrefixMatcher{prefix: intern(prefix), ignoreCase: ignoreCase, noCollapseWS: noCollapseWS}
}

func (m *PrefixMatcher) MatchString(s string) bool {
	s = preprocess(s, m.noCollapseWS)
	if m.ignoreCase {
		if len(s) < len(m.prefix) {
			return false
		}
		return strings.EqualFold(s[:len(m.prefix)], m.prefix)
	}
	return strings.HasPrefix(s, m.prefix)
}

func (m *PrefixMatcher) String() string { return fmt.Sprintf("prefix(%q)", m.prefix) }

// SuffixMatcher matches a trailing substring.
type SuffixMatcher struct {
	suffix       string
	ignoreCase   bool
	noCollapseWS bool
}

func NewSuffixMatcher(suffix string, ignoreCase, noCollapseWS bool) *SuffixMatcher {
	return &SuffixMatcher{suffix: intern(suffix), ignoreCase: ignoreCase, noCollapseWS: noCollapseWS}
}

func (m *SuffixMatcher) MatchString(s string) bool {
	s = preprocess(s, m.noCollapseWS)
	if m.ignoreCase {
		if len(s) < len(m.suffix) {
			return false
		}
		return strings.EqualFold(s[len(s)-len(m.suffix):], m.suffix)
	}
	return strings.HasSuffix(s, m.suffix)
}

func (m *SuffixMatcher) String() string { return fmt.Sprintf("suffix(%q)", m.suffix) }

// ContainsMatcher matches a substring anywhere in the candidate.
type ContainsMatcher struct {
	substr       string
	noCollapseWS bool
}

func NewContainsMatcher(substr string, noCollapseWS bool) *ContainsMatcher {
	return &ContainsMatcher{substr: substr, noCollapseWS: noCollapseWS}
}

func (m *ContainsMatcher) MatchString(s string) bool {
	return strings.Contains(preprocess(s, m.noCollapseWS), m.substr)
}

func (m *ContainsMatcher) String() string { return fmt.Sprintf("contains(%q)", m.substr) }

// GlobMatcher wraps a pre-compiled glob pattern, built from an
// already-escaped Sigma pattern (see Escape).
type GlobMatcher struct {
	raw          string
	g            glob.Glob
	noCollapseWS bool
}

// NewGlobMatcher compiles an already-escaped glob pattern. Literal path
// separator handling is disabled; '*' and '?' are the only wildcards.
func NewGlobMatcher(escaped string, noCollapseWS bool) (*GlobMatcher, error) {
	g, err := glob.Compile(escaped)
	if err != nil {
		return nil, fmt.Errorf("matcher: invalid glob %q: %w", escaped, err)
	}
	return &GlobMatcher{raw: escaped, g: g, noCollapseWS: noCollapseWS}, nil
}

func (m *GlobMatcher) MatchString(s string) bool {
	return m.g.Match(preprocess(s, m.noCollapseWS))
}

func (m *GlobMatcher) String() string { return fmt.Sprintf("glob(%q)", m.raw) }

// RegexMatcher wraps a regex compiled through the safety gate.
type RegexMatcher struct {
	raw          string
	re           SafeRegexp
	noCollapseWS bool
}

func NewRegexMatcher(pattern string, noCollapseWS bool) (*RegexMatcher, error) {
	re, err := CompileSafe(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{raw: pattern, re: re, noCollapseWS: noCollapseWS}, nil
}

func (m *RegexMatcher) MatchString(s string) bool {
	return m.re.MatchString(preprocess(s, m.noCollapseWS))
}

func (m *RegexMatcher) String() string { return fmt.Sprintf("regex(%q)", m.raw) }

// DisjunctionMatcher ORs a sequence of inner matchers.
type DisjunctionMatcher struct {
	inner []StringMatcher
}

func NewDisjunctionMatcher(inner ...StringMatcher) *DisjunctionMatcher {
	return &DisjunctionMatcher{inner: inner}
}

func (m *DisjunctionMatcher) MatchString(s string) bool {
	for _, im := range m.inner {
		if im.MatchString(s) {
			return true
		}
	}
	return false
}

func (m *DisjunctionMatcher) String() string { return "or(...)" }

// ConjunctionMatcher ANDs a sequence of inner matchers.
type ConjunctionMatcher struct {
	inner []StringMatcher
}

func NewConjunctionMatcher(inner ...StringMatcher) *ConjunctionMatcher {
	return &ConjunctionMatcher{inner: inner}
}

func (m *ConjunctionMatcher) MatchString(s string) bool {
	for _, im := range m.inner {
		if !im.MatchString(s) {
			return false
		}
	}
	return true
}

func (m *ConjunctionMatcher) String() string { return "and(...)" }
