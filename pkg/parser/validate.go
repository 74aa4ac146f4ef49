package parser

import "github.com/boogy/sigma-stream/pkg/lexer"

// beginSentinel is a synthetic token standing in for "start of condition",
// the relaxed initial set spec §4.3 grants before any real token has been
// seen.
const beginSentinel lexer.Token = -1

// Pass 1 hard limits (spec §4.3): a malformed or adversarial condition
// string must be rejected before tree build, not during it.
const (
	maxTokens         = 10_000
	maxEstimatedBytes = 10 * 1024 * 1024
	itemOverheadBytes = 48
)

// validTransition is the total function over ordered token-pair transitions
// from spec §4.3, mirroring original_source/src/parser/validate.rs.
func validTransition(prev, next lexer.Token) bool {
	switch next {
	case lexer.TokStmtAllOf, lexer.TokStmtOneOf:
		switch prev {
		case beginSentinel, lexer.TokSepLpar, lexer.TokKeywordAnd, lexer.TokKeywordOr, lexer.TokKeywordNot:
			return true
		}
	case lexer.TokIdentifierAll:
		switch prev {
		case lexer.TokStmtAllOf, lexer.TokStmtOneOf:
			return true
		}
	case lexer.TokIdentifier, lexer.TokIdentifierWithWildcard:
		switch prev {
		case beginSentinel, lexer.TokSepLpar, lexer.TokKeywordAnd, lexer.TokKeywordOr, lexer.TokKeywordNot, lexer.TokStmtOneOf, lexer.TokStmtAllOf:
			return true
		}
	case lexer.TokKeywordAnd, lexer.TokKeywordOr:
		switch prev {
		case lexer.TokIdentifier, lexer.TokIdentifierAll, lexer.TokIdentifierWithWildcard, lexer.TokSepRpar:
			return true
		}
	case lexer.TokKeywordNot:
		switch prev {
		case beginSentinel, lexer.TokKeywordAnd, lexer.TokKeywordOr, lexer.TokSepLpar:
			return true
		}
	case lexer.TokSepLpar:
		switch prev {
		case beginSentinel, lexer.TokKeywordAnd, lexer.TokKeywordOr, lexer.TokKeywordNot, lexer.TokSepLpar:
			return true
		}
	case lexer.TokSepRpar:
		switch prev {
		case lexer.TokIdentifier, lexer.TokIdentifierAll, lexer.TokIdentifierWithWildcard, lexer.TokSepLpar, lexer.TokSepRpar:
			return true
		}
	case lexer.TokLitEof, lexer.TokSepPipe:
		switch prev {
		case lexer.TokIdentifier, lexer.TokIdentifierAll, lexer.TokIdentifierWithWildcard, lexer.TokSepRpar:
			return true
		}
	}
	return false
}

// validateSequence runs Pass 1 over a fully-collected token vector: the
// transition validator, balanced/bounded parenthesis depth, and the
// trailing-LitEof requirement. Token count and estimated memory are
// enforced by the caller as items are collected.
func validateSequence(items []lexer.Item) error {
	depth := 0
	prev := beginSentinel
	for i, it := range items {
		if !validTransition(prev, it.Token) {
			return &InvalidTokenSequenceError{Prev: prev, Next: it.Token, Context: sequenceContext(items, i)}
		}
		switch it.Token {
		case lexer.TokSepLpar:
			depth++
			if depth > MaxRecursionDepth {
				return errf("parenthesis depth exceeds limit of %d", MaxRecursionDepth)
			}
		case lexer.TokSepRpar:
			depth--
			if depth < 0 {
				return errf("unbalanced parentheses: unexpected ')'")
			}
		}
		prev = it.Token
	}
	if depth != 0 {
		return errf("unbalanced parentheses: %d unclosed '('", depth)
	}
	if len(items) == 0 || items[len(items)-1].Token != lexer.TokLitEof {
		return &IncompleteTokenSequenceError{}
	}
	return nil
}

// estimatedBytes approximates the token vector's memory footprint for the
// 10 MiB Pass 1 limit: each item's literal text plus a fixed per-item
// overhead for the struct and slice bookkeeping.
func estimatedBytes(items []lexer.Item) int {
	total := 0
	for _, it := range items {
		total += len(it.Value) + itemOverheadBytes
	}
	return total
}

// sequenceContext returns up to the last 5 items at/around index i — the
// bounded context InvalidTokenSequence carries instead of full history.
func sequenceContext(items []lexer.Item, i int) []lexer.Item {
	start := i - 4
	if start < 0 {
		start = 0
	}
	end := i + 1
	if end > len(items) {
		end = len(items)
	}
	ctx := make([]lexer.Item, end-start)
	copy(ctx, items[start:end])
	return ctx
}

// tokenLabel renders a token for error messages, naming the synthetic
// begin sentinel that lexer.Token itself has no label for.
func tokenLabel(t lexer.Token) string {
	if t == beginSentinel {
		return "begin"
	}
	if t.String() == "" {
		return "eof"
	}
	return t.String()
}
