package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/boogy/sigma-stream/pkg/rule"
)

func TestCompile_DanglingOrRejected(t *testing.T) {
	det := rule.Detection{
		"condition": "sel1 or",
		"sel1":      map[string]any{"EventID": 1},
	}
	_, err := Compile(context.Background(), det, false)
	if err == nil {
		t.Fatal("expected an error for a dangling 'or', got nil")
	}
	var seqErr *InvalidTokenSequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *InvalidTokenSequenceError, got %T: %v", err, err)
	}
}

func TestCompile_AdjacentIdentifiersRejected(t *testing.T) {
	det := rule.Detection{
		"condition": "sel1 sel2",
		"sel1":      map[string]any{"EventID": 1},
		"sel2":      map[string]any{"EventID": 2},
	}
	_, err := Compile(context.Background(), det, false)
	if err == nil {
		t.Fatal("expected an error for two adjacent identifiers, got nil")
	}
	var seqErr *InvalidTokenSequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *InvalidTokenSequenceError, got %T: %v", err, err)
	}
}

func TestCompile_DoubleKeywordRejected(t *testing.T) {
	det := rule.Detection{
		"condition": "sel1 and and sel2",
		"sel1":      map[string]any{"EventID": 1},
		"sel2":      map[string]any{"EventID": 2},
	}
	_, err := Compile(context.Background(), det, false)
	var seqErr *InvalidTokenSequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *InvalidTokenSequenceError, got %T: %v", err, err)
	}
}

func TestCompile_LeadingOrRejected(t *testing.T) {
	det := rule.Detection{
		"condition": "or sel1",
		"sel1":      map[string]any{"EventID": 1},
	}
	_, err := Compile(context.Background(), det, false)
	var seqErr *InvalidTokenSequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *InvalidTokenSequenceError, got %T: %v", err, err)
	}
}

func TestValidateSequence_WellFormedConditionsPass(t *testing.T) {
	dets := []rule.Detection{
		{"condition": "sel1 and sel2", "sel1": map[string]any{"A": 1}, "sel2": map[string]any{"B": 2}},
		{"condition": "sel1 and not sel2", "sel1": map[string]any{"A": 1}, "sel2": map[string]any{"B": 2}},
		{"condition": "(sel1 or sel2) and sel3", "sel1": map[string]any{"A": 1}, "sel2": map[string]any{"B": 2}, "sel3": map[string]any{"C": 3}},
		{"condition": "all of sel_*", "sel_a": map[string]any{"A": 1}, "sel_b": map[string]any{"B": 2}},
		{"condition": "1 of them", "sel1": map[string]any{"A": 1}},
	}
	for _, det := range dets {
		if _, err := Compile(context.Background(), det, false); err != nil {
			t.Errorf("condition %q: unexpected error: %v", det.Condition(), err)
		}
	}
}

func TestValidateSequence_UnbalancedParens(t *testing.T) {
	det := rule.Detection{
		"condition": "(sel1 and sel2",
		"sel1":      map[string]any{"A": 1},
		"sel2":      map[string]any{"B": 2},
	}
	if _, err := Compile(context.Background(), det, false); err == nil {
		t.Fatal("expected an error for an unbalanced '(', got nil")
	}
}

func TestTokenLimitExceeded(t *testing.T) {
	cond := ""
	for i := 0; i < maxTokens+1; i++ {
		if i > 0 {
			cond += " and "
		}
		cond += "sel1"
	}
	det := rule.Detection{
		"condition": cond,
		"sel1":      map[string]any{"A": 1},
	}
	_, err := Compile(context.Background(), det, false)
	if err == nil {
		t.Fatal("expected a token limit error, got nil")
	}
	var limitErr *TokenLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *TokenLimitExceededError, got %T: %v", err, err)
	}
}
