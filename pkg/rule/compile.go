package rule

import (
	"context"

	"github.com/boogy/sigma-stream/pkg/parser"
	"github.com/boogy/sigma-stream/pkg/tree"
)

// Compile parses the rule's condition expression against its selections and
// returns the resulting MatchTree.
func (h *Handle) Compile(ctx context.Context) (*tree.Tree, error) {
	branch, err := parser.Compile(ctx, h.Rule.Detection, h.NoCollapseWS)
	if err != nil {
		return nil, &CompileError{RuleID: h.Rule.ID, Path: h.Path, Cause: err}
	}
	return tree.New(branch, h.Rule.ID), nil
}

// CompileError wraps a condition-compilation failure with the rule it came
// from, so callers can log/report per-rule without losing the source file.
type CompileError struct {
	RuleID string
	Path   string
	Cause  error
}

func (e *CompileError) Error() string {
	return "rule: failed to compile " + e.RuleID + " (" + e.Path + "): " + e.Cause.Error()
}

func (e *CompileError) Unwrap() error { return e.Cause }
