// Copyright 2025 James Ross
package reqvalidate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequiredMissing(t *testing.T) {
	v := NewValidator()
	rules := []Rule{{ParamName: "worker_id", Source: SourceBody, Required: true, Type: "string"}}
	violations := v.Validate(rules, Request{Body: map[string]any{}})
	require.Len(t, violations, 1)
	require.Equal(t, "required", violations[0].Rule)
}

func TestTypeMismatch(t *testing.T) {
	v := NewValidator()
	rules := []Rule{{ParamName: "priority", Source: SourceBody, Type: "integer"}}
	violations := v.Validate(rules, Request{Body: map[string]any{"priority": "not-a-number"}})
	require.Len(t, violations, 1)
	require.Equal(t, "type", violations[0].Rule)
}

func TestQuerySourcePattern(t *testing.T) {
	v := NewValidator()
	rules := []Rule{{ParamName: "name", Source: SourceQuery, Pattern: `^[a-z.]+$`}}
	violations := v.Validate(rules, Request{Query: map[string]string{"name": "t.echo"}})
	require.Empty(t, violations)

	violations = v.Validate(rules, Request{Query: map[string]string{"name": "T.ECHO!"}})
	require.Len(t, violations, 1)
	require.Equal(t, "pattern", violations[0].Rule)
}

func TestNumericBounds(t *testing.T) {
	min, max := 0.0, 100.0
	v := NewValidator()
	rules := []Rule{{ParamName: "progress", Source: SourceBody, Type: "number", Minimum: &min, Maximum: &max}}

	violations := v.Validate(rules, Request{Body: map[string]any{"progress": float64(150)}})
	require.Len(t, violations, 1)
	require.Equal(t, "maximum", violations[0].Rule)

	violations = v.Validate(rules, Request{Body: map[string]any{"progress": float64(50)}})
	require.Empty(t, violations)
}

func TestNotRequiredAndAbsentIsFine(t *testing.T) {
	v := NewValidator()
	rules := []Rule{{ParamName: "type_pattern", Source: SourceBody, Required: false, Type: "string"}}
	violations := v.Validate(rules, Request{Body: map[string]any{}})
	require.Empty(t, violations)
}
