package parser

import (
	"fmt"

	"github.com/boogy/sigma-stream/pkg/lexer"
)

// Error is a structured condition-compilation failure (spec §4.3).
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("parser: %s", e.Reason) }

func errf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// MaxRecursionDepth bounds nested parenthesized groups (spec §4.3, mirrors
// the compiler's token-level recursion guard).
const MaxRecursionDepth = 50

// InvalidTokenSequenceError is Pass 1's sequence-validator failure (spec
// §4.3/§7): next may not legally follow prev. Context holds the last ≤ 5
// collected items around the violation, not the full token history.
type InvalidTokenSequenceError struct {
	Prev    lexer.Token
	Next    lexer.Token
	Context []lexer.Item
}

func (e *InvalidTokenSequenceError) Error() string {
	return fmt.Sprintf("parser: invalid token sequence: %s followed by %s (context: %v)",
		tokenLabel(e.Prev), tokenLabel(e.Next), e.Context)
}

// IncompleteTokenSequenceError reports a condition whose collected tokens
// do not end in LitEof (spec §4.3/§7).
type IncompleteTokenSequenceError struct{}

func (e *IncompleteTokenSequenceError) Error() string {
	return "parser: incomplete token sequence: condition did not terminate in EOF"
}

// TokenLimitExceededError reports a condition whose token count exceeds
// Pass 1's 10,000-token limit (spec §4.3/§7).
type TokenLimitExceededError struct {
	Count int
	Limit int
}

func (e *TokenLimitExceededError) Error() string {
	return fmt.Sprintf("parser: token limit exceeded: %d tokens (limit %d)", e.Count, e.Limit)
}

// MemoryLimitExceededError reports a condition whose estimated collected
// token vector exceeds Pass 1's 10 MiB limit (spec §4.3/§7).
type MemoryLimitExceededError struct {
	Bytes int
	Limit int
}

func (e *MemoryLimitExceededError) Error() string {
	return fmt.Sprintf("parser: memory limit exceeded: ~%d bytes (limit %d)", e.Bytes, e.Limit)
}
