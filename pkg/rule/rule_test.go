package rule_test

import (
	"testing"

	"github.com/boogy/sigma-stream/pkg/aggregation"
	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/stretchr/testify/require"
)

const validRuleYAML = `
id: 12345678-1234-1234-1234-123456789abc
title: Process Creation
logsource:
  category: process_creation
  product: windows
detection:
  selection:
    EventID: 1
    Image|endswith: '\cmd.exe'
  condition: selection
tags:
  - attack.execution
`

func TestFromYAML_Valid(t *testing.T) {
	r, err := rule.FromYAML([]byte(validRuleYAML))
	require.NoError(t, err)
	require.Equal(t, "Process Creation", r.Title)
	require.Equal(t, "process_creation", r.Logsource.Category)
	require.True(t, r.HasTags([]string{"attack.execution"}))
	require.Nil(t, r.Aggregation)
}

func TestFromYAML_MissingTitle(t *testing.T) {
	_, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
detection:
  selection:
    EventID: 1
  condition: selection
`))
	require.Error(t, err)
}

func TestFromYAML_InvalidUUID(t *testing.T) {
	_, err := rule.FromYAML([]byte(`
id: not-a-uuid
title: Bad ID
detection:
  selection:
    EventID: 1
  condition: selection
`))
	require.Error(t, err)
}

func TestFromYAML_MissingCondition(t *testing.T) {
	_, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
title: No Condition
detection:
  selection:
    EventID: 1
`))
	require.ErrorIs(t, err, rule.ErrMissingCondition)
}

func TestFromYAML_TrivialConditionNeedsNoSelection(t *testing.T) {
	r, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
title: Always True
detection:
  condition: "true"
`))
	require.NoError(t, err)
	require.Equal(t, 0, r.Detection.SelectionCount())
}

func TestFromYAML_EmptySelectionKeyRejected(t *testing.T) {
	_, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
title: Bad Selection
detection:
  "":
    EventID: 1
  condition: selection
`))
	require.Error(t, err)
}

func TestAggregation_Node(t *testing.T) {
	a := &rule.Aggregation{
		Function:      "count",
		Comparison:    "gt",
		Threshold:     5,
		ByField:       "user",
		WindowSeconds: 60,
	}
	node, err := a.Node()
	require.NoError(t, err)
	require.Equal(t, aggregation.FunctionCount, node.Function)
	require.Equal(t, aggregation.ComparisonGreaterThan, node.Comparison)
	require.Equal(t, "user", node.ByField)
	require.Equal(t, float64(5), node.Threshold)
}

func TestAggregation_Node_UnknownFunction(t *testing.T) {
	a := &rule.Aggregation{Function: "median", Comparison: "gt", WindowSeconds: 60}
	_, err := a.Node()
	require.Error(t, err)
}

func TestAggregation_Node_NonCountRequiresField(t *testing.T) {
	a := &rule.Aggregation{Function: "sum", Comparison: "gt", WindowSeconds: 60}
	_, err := a.Node()
	require.Error(t, err)
}

func TestFromYAML_WithAggregation(t *testing.T) {
	r, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
title: Repeated Failures
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
`))
	require.NoError(t, err)
	require.NotNil(t, r.Aggregation)
	node, err := r.Aggregation.Node()
	require.NoError(t, err)
	require.Equal(t, aggregation.FunctionCount, node.Function)
}

func TestFromYAML_InvalidAggregationRejected(t *testing.T) {
	_, err := rule.FromYAML([]byte(`
id: 12345678-1234-1234-1234-123456789abc
title: Bad Aggregation
detection:
  selection:
    EventID: 4625
  condition: selection
aggregation:
  function: bogus
  comparison: gt
  threshold: 5
  window_seconds: 60
`))
	require.Error(t, err)
}
