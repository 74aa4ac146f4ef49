package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	bad := DefaultConfig()
	bad.MaxRetries = MaxAllowedRetries + 1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for oversized MaxRetries")
	}

	bad2 := DefaultConfig()
	bad2.Multiplier = MaxAllowedMultiplier + 1
	if err := bad2.Validate(); err == nil {
		t.Error("expected error for oversized Multiplier")
	}

	bad3 := DefaultConfig()
	bad3.MaxDelay = MaxAllowedBackoff + time.Minute
	if err := bad3.Validate(); err == nil {
		t.Error("expected error for oversized MaxDelay")
	}

	bad4 := DefaultConfig()
	bad4.JitterFactor = 1.5
	if err := bad4.Validate(); err == nil {
		t.Error("expected error for out-of-range JitterFactor")
	}
}

func TestDoOutcome_Success(t *testing.T) {
	outcome := DoOutcome(context.Background(), func() (int, error) {
		return 42, nil
	})
	if !outcome.Success() || outcome.Value != 42 || outcome.Attempts != 0 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestDoOutcome_FailsAfterRetries(t *testing.T) {
	outcome := DoOutcome(context.Background(), func() (int, error) {
		return 0, errors.New("boom")
	}, WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	if outcome.Success() {
		t.Error("expected failure")
	}
	if outcome.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", outcome.Attempts)
	}
}

func TestDoOutcome_SucceedsAfterThreeFailures(t *testing.T) {
	calls := 0
	outcome := DoOutcome(context.Background(), func() (int, error) {
		calls++
		if calls <= 3 {
			return 0, errors.New("boom")
		}
		return 7, nil
	}, WithMaxRetries(5), WithBaseDelay(time.Millisecond))
	if !outcome.Success() || outcome.Value != 7 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (fails three times, succeeds on the fourth)", outcome.Attempts)
	}
}
