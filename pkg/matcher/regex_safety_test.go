package matcher

import "testing"

func TestCompileSafe_RejectsNestedQuantifiers(t *testing.T) {
	bad := []string{
		`(a+)+`,
		`(a*)*`,
		`(.*|.*)`,
	}
	for _, p := range bad {
		if _, err := CompileSafe(p); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
}

func TestCompileSafe_RejectsOversizedPattern(t *testing.T) {
	huge := make([]byte, 1001)
	for i := range huge {
		huge[i] = 'a'
	}
	if _, err := CompileSafe(string(huge)); err == nil {
		t.Error("expected oversized pattern to be rejected")
	}
}

func TestCompileSafe_RejectsDeepNesting(t *testing.T) {
	pattern := ""
	for i := 0; i < 12; i++ {
		pattern += "("
	}
	pattern += "a"
	for i := 0; i < 12; i++ {
		pattern += ")"
	}
	if _, err := CompileSafe(pattern); err == nil {
		t.Error("expected deeply nested pattern to be rejected")
	}
}

func TestCompileSafe_AcceptsReasonablePattern(t *testing.T) {
	re, err := CompileSafe(`^cmd\.exe$`)
	if err != nil {
		t.Fatalf("expected safe pattern to compile: %v", err)
	}
	if !re.MatchString("cmd.exe") {
		t.Error("expected match")
	}
}
