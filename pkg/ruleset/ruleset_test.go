package ruleset

import (
	"context"
	"testing"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, yamlDoc string) *rule.Rule {
	t.Helper()
	r, err := rule.FromYAML([]byte(yamlDoc))
	require.NoError(t, err)
	return r
}

const procCreateYAML = `
title: Process Creation
id: 12345678-1234-1234-1234-123456789abc
detection:
  selection:
    EventID: 1
    CommandLine|contains: powershell
  condition: selection
`

func TestRuleSet_EmptyEvaluatesToNothing(t *testing.T) {
	rs := New()
	require.True(t, rs.IsEmpty())

	evt, err := event.New(map[string]any{"EventID": 1})
	require.NoError(t, err)

	result := rs.Evaluate(evt)
	require.Equal(t, 0, result.RulesEvaluated)
	require.Empty(t, result.Matches)
}

func TestRuleSet_AddAndEvaluate(t *testing.T) {
	rs := New()
	r := mustRule(t, procCreateYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))
	require.Equal(t, 1, rs.Len())

	matching, err := event.New(map[string]any{"EventID": 1, "CommandLine": "powershell.exe -enc ..."})
	require.NoError(t, err)
	result := rs.Evaluate(matching)
	require.Len(t, result.Matches, 1)
	require.True(t, result.Matches[0].Matched)

	nonMatching, err := event.New(map[string]any{"EventID": 1, "CommandLine": "notepad.exe"})
	require.NoError(t, err)
	result = rs.Evaluate(nonMatching)
	require.Len(t, result.Matches, 1)
	require.False(t, result.Matches[0].Matched)
}

func TestRuleSet_DisableRule(t *testing.T) {
	rs := New()
	r := mustRule(t, procCreateYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))
	require.NoError(t, rs.SetRuleEnabled(r.ID, false))

	evt, err := event.New(map[string]any{"EventID": 1, "CommandLine": "powershell.exe"})
	require.NoError(t, err)
	result := rs.Evaluate(evt)
	require.Equal(t, 0, result.RulesEvaluated)
}

const loginCountByUserYAML = `
title: Repeated Login Attempts
id: 22345678-1234-1234-1234-123456789abc
detection:
  selection:
    EventID: 4625
  condition: selection
aggregation:
  function: count
  comparison: gt
  threshold: 5
  by: user
  window_seconds: 60
`

// TestRuleSet_AggregationGate reproduces spec.md scenario 5: seven events
// for the same user within the window, the base condition matches every
// time but the rule itself only "matches" (aggregation triggers) once the
// running count exceeds the threshold, i.e. starting at the 6th event.
func TestRuleSet_AggregationGate(t *testing.T) {
	rs := New()
	r := mustRule(t, loginCountByUserYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))

	var triggered []bool
	for i := 0; i < 7; i++ {
		evt, err := event.New(map[string]any{"EventID": 4625, "user": "alice"})
		require.NoError(t, err)
		result := rs.Evaluate(evt)
		require.Len(t, result.Matches, 1)
		require.NotNil(t, result.Matches[0].Aggregation)
		triggered = append(triggered, result.Matches[0].Matched)
	}

	require.Equal(t, []bool{false, false, false, false, false, true, true}, triggered)
}

// TestRuleSet_AggregationNotEvaluatedWhenBaseConditionMisses confirms the
// aggregation gate never runs for events that don't satisfy the rule's
// selection in the first place.
func TestRuleSet_AggregationNotEvaluatedWhenBaseConditionMisses(t *testing.T) {
	rs := New()
	r := mustRule(t, loginCountByUserYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))

	evt, err := event.New(map[string]any{"EventID": 4624, "user": "alice"})
	require.NoError(t, err)
	result := rs.Evaluate(evt)
	require.Len(t, result.Matches, 1)
	require.False(t, result.Matches[0].Matched)
	require.Nil(t, result.Matches[0].Aggregation)
}

func TestConcurrent_EvaluateAndReplace(t *testing.T) {
	rs := New()
	r := mustRule(t, procCreateYAML)
	require.NoError(t, rs.AddRule(context.Background(), r, "test.yml"))
	c := NewConcurrent(rs)
	require.Equal(t, 1, c.Len())

	fresh := New()
	c.Replace(fresh)
	require.Equal(t, 0, c.Len())
}
