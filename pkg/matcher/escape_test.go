package matcher

import "testing"

func TestEscapeSigmaForGlob(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"test*", "test*"},
		{"test?", "test?"},
		{`test\*`, `test\*`},
		{`test\\*`, `test\\*`},
		{`test\\\*`, `test\\\*`},
		{"test[abc]", `test\[abc\]`},
		{"test{abc}", `test\{abc\}`},
		{`test\\`, `test\\`},
		{`\\test`, `\\test`},
	}
	for _, c := range cases {
		got := EscapeSigmaForGlob(c.in)
		if got != c.want {
			t.Errorf("EscapeSigmaForGlob(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEscapeSigmaForGlob_ZeroCopyFastPath(t *testing.T) {
	in := "plain_literal_no_special_chars"
	if got := EscapeSigmaForGlob(in); got != in {
		t.Errorf("expected unchanged fast path, got %q", got)
	}
}

func TestEscapeIsLeftInverseForLiterals(t *testing.T) {
	literals := []string{"abc", "C:\\Windows\\System32", "simple text", "no-wildcards-here"}
	for _, lit := range literals {
		escaped := EscapeSigmaForGlob(lit)
		gm, err := NewGlobMatcher(escaped, false)
		if err != nil {
			t.Fatalf("NewGlobMatcher(%q): %v", escaped, err)
		}
		if !gm.MatchString(lit) {
			t.Errorf("escaped form of %q should match itself", lit)
		}
		if gm.MatchString(lit + "x") {
			t.Errorf("escaped form of %q should not match %q", lit, lit+"x")
		}
	}
}
