package ruleset

import (
	"context"
	"testing"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/stretchr/testify/require"
)

func TestRuleSet_DryRun(t *testing.T) {
	rs := New()
	r := mustRule(t, procCreateYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))

	events := []*event.Event{
		mustEvent(t, map[string]any{"EventID": 1, "CommandLine": "powershell.exe -enc ..."}),
		mustEvent(t, map[string]any{"EventID": 1, "CommandLine": "notepad.exe"}),
		mustEvent(t, map[string]any{"EventID": 1, "CommandLine": "powershell -nop"}),
	}

	result := rs.DryRun(events)
	require.Equal(t, 3, result.TotalEvents)
	require.Equal(t, 2, result.MatchCount)
	require.Equal(t, 1, result.PassCount)
	require.InDelta(t, 2.0/3.0, result.MatchRate, 1e-9)
	require.Equal(t, 2, result.RuleHits[r.ID])
}

func mustEvent(t *testing.T, raw map[string]any) *event.Event {
	t.Helper()
	evt, err := event.New(raw)
	require.NoError(t, err)
	return evt
}
