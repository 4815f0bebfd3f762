package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

func newScriptExecutor() *ScriptExecutor {
	return NewScriptExecutor(core.NewFakeClock(time.Date(2026, 6, 15, 9, 30, 0, 0, time.UTC)))
}

func TestScript_AssignmentsChain(t *testing.T) {
	step := makeStep(t, domain.StepTypeScript, "calc", ScriptStepConfig{
		Assignments: []ScriptAssignment{
			{Variable: "subtotal", Expression: "{{amount}} * 2"},
			{Variable: "total", Expression: "{{subtotal}} + 10"},
		},
	}, []domain.StepTransition{{NextStepKey: "next"}})

	res := newScriptExecutor().Execute(context.Background(), makeContext(step, map[string]any{"amount": 50.0}))
	require.True(t, res.Success)
	assert.Equal(t, "next", res.NextStepKey)
	assert.Equal(t, 100.0, res.PlainVariables["subtotal"])
	assert.Equal(t, 110.0, res.PlainVariables["total"])
	// script outputs keep their own names, the engine must not namespace them
	assert.Empty(t, res.OutputVariables)
}

func TestScript_Transformations(t *testing.T) {
	step := makeStep(t, domain.StepTypeScript, "fmt", ScriptStepConfig{
		Transformations: []ScriptTransformation{
			{Type: "uppercase", Source: "name", Target: "nameUpper"},
			{Type: "trim", Source: "code", Target: "code"},
			{Type: "length", Source: "name", Target: "nameLen"},
			{Type: "toInt", Source: "rawCount", Target: "count"},
			{Type: "today", Target: "runDate"},
			{Type: "guid", Target: "traceId"},
			{Type: "parseJson", Source: "payload", Target: "parsed"},
		},
	}, nil)

	res := newScriptExecutor().Execute(context.Background(), makeContext(step, map[string]any{
		"name":     "acme",
		"code":     "  X1 ",
		"rawCount": "7",
		"payload":  `{"ok":true}`,
	}))
	require.True(t, res.Success)
	assert.Equal(t, "ACME", res.PlainVariables["nameUpper"])
	assert.Equal(t, "X1", res.PlainVariables["code"])
	assert.Equal(t, 4.0, res.PlainVariables["nameLen"])
	assert.Equal(t, 7.0, res.PlainVariables["count"])
	assert.Equal(t, "2026-06-15", res.PlainVariables["runDate"])
	assert.NotEmpty(t, res.PlainVariables["traceId"])

	parsed, ok := res.PlainVariables["parsed"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, parsed["ok"])
}

func TestScript_FailOnError(t *testing.T) {
	config := ScriptStepConfig{
		Transformations: []ScriptTransformation{
			{Type: "toInt", Source: "notANumber", Target: "n"},
			{Type: "uppercase", Source: "name", Target: "nameUpper"},
		},
	}

	// lenient: the broken transformation is skipped, the rest still runs
	step := makeStep(t, domain.StepTypeScript, "s", config, nil)
	res := newScriptExecutor().Execute(context.Background(), makeContext(step, map[string]any{
		"notANumber": "abc", "name": "acme",
	}))
	require.True(t, res.Success)
	assert.NotContains(t, res.PlainVariables, "n")
	assert.Equal(t, "ACME", res.PlainVariables["nameUpper"])

	// strict: the same error aborts the step
	config.FailOnError = true
	step = makeStep(t, domain.StepTypeScript, "s", config, nil)
	res = newScriptExecutor().Execute(context.Background(), makeContext(step, map[string]any{
		"notANumber": "abc", "name": "acme",
	}))
	assert.False(t, res.Success)
}

func TestScript_ValidateUnknownTransformation(t *testing.T) {
	step := makeStep(t, domain.StepTypeScript, "s", ScriptStepConfig{
		Transformations: []ScriptTransformation{{Type: "reverse", Source: "x", Target: "y"}},
	}, nil)

	v := newScriptExecutor().ValidateConfiguration(step)
	assert.False(t, v.Valid())
}
