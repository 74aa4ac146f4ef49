package matcher

import (
	"math"
	"testing"
)

func TestCoerceToString(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"test", "test", true},
		{int64(123), "123", true},
		{123.456, "123", true},
		{true, "true", true},
		{nil, "null", true},
	}
	for _, c := range cases {
		got, ok := CoerceToString(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("CoerceToString(%v) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestCoerceToInt(t *testing.T) {
	if n, ok := CoerceToInt(int64(123)); !ok || n != 123 {
		t.Errorf("int64 coercion failed: %d %v", n, ok)
	}
	if n, ok := CoerceToInt(123.456); !ok || n != 123 {
		t.Errorf("float truncation failed: %d %v", n, ok)
	}
	if n, ok := CoerceToInt("123"); !ok || n != 123 {
		t.Errorf("string parse failed: %d %v", n, ok)
	}
	if _, ok := CoerceToInt("not a number"); ok {
		t.Error("expected failure for non-numeric string")
	}
	if _, ok := CoerceToInt(true); ok {
		t.Error("expected failure for bool")
	}
	if _, ok := CoerceToInt(math.Inf(1)); ok {
		t.Error("expected failure for +Inf")
	}
	if _, ok := CoerceToInt(math.NaN()); ok {
		t.Error("expected failure for NaN")
	}
	if n, ok := CoerceToInt(9223372036854775807.0); !ok || n != math.MaxInt64 {
		t.Errorf("boundary float failed: %d %v", n, ok)
	}
}
