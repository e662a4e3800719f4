package nodes

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowforge/engine"
)

const sampleCode = `def add(a, b):
    return a + b

def busy(n):
    for i in range(n):
        if i > 2:
            print(i)
`

func TestExtractFunctions(t *testing.T) {
	state := engine.State{"code": sampleCode}
	out, err := extractFunctions(context.Background(), state)
	require.NoError(t, err)

	fns := out["functions"].([]any)
	require.Len(t, fns, 2)
	assert.Equal(t, "add", fns[0].(map[string]any)["name"])
	assert.Equal(t, "busy", fns[1].(map[string]any)["name"])
}

func TestExtractFunctions_IgnoresNonDefinitions(t *testing.T) {
	code := strings.Join([]string{
		"x = 1",
		"# def commented(a):",  // still starts with #, not def
		"defribillator = True", // no "def " prefix after strip
		"def broken",           // no parens or colon
	}, "\n")

	out, err := extractFunctions(context.Background(), engine.State{"code": code})
	require.NoError(t, err)
	assert.Empty(t, out["functions"])
}

func TestCheckComplexity(t *testing.T) {
	state := engine.State{"code": sampleCode}
	state, err := extractFunctions(context.Background(), state)
	require.NoError(t, err)
	out, err := checkComplexity(context.Background(), state)
	require.NoError(t, err)

	// One "for" token and one "if" token on top of the baseline of 1.
	report := out["complexity_report"].(map[string]any)
	require.Len(t, report, 2)
	assert.Equal(t, 3, report["add"].(map[string]any)["complexity_score"])
	assert.Equal(t, 3, report["busy"].(map[string]any)["complexity_score"])

	metrics := out["metrics"].(map[string]any)
	assert.InDelta(t, 0.85, metrics["quality_score"], 1e-9)
}

func TestCheckComplexity_NoFunctions(t *testing.T) {
	out, err := checkComplexity(context.Background(), engine.State{"code": "x = 1"})
	require.NoError(t, err)

	assert.Empty(t, out["complexity_report"])
	// Empty report means no average; quality starts at the maximum.
	assert.Equal(t, 1.0, out["metrics"].(map[string]any)["quality_score"])
}

func TestDetectSmells(t *testing.T) {
	code := strings.Join([]string{
		"short = 1",
		"long_line = '" + strings.Repeat("x", 90) + "'",
		"# TODO fix this later",
		strings.Repeat(" ", 24) + "if deeply:",
	}, "\n")

	out, err := detectSmells(context.Background(), engine.State{"code": code})
	require.NoError(t, err)

	issues := out["issues"].([]any)
	require.Len(t, issues, 3)
	assert.Equal(t, "Line 2: line longer than 80 characters", issues[0])
	assert.Equal(t, "Line 3: TODO comment present", issues[1])
	assert.Equal(t, "Line 4: deeply nested if-statement", issues[2])
}

func TestDetectSmells_CleanCode(t *testing.T) {
	out, err := detectSmells(context.Background(), engine.State{"code": sampleCode})
	require.NoError(t, err)
	assert.Empty(t, out["issues"])
}

func TestSuggestImprovements(t *testing.T) {
	state := engine.State{
		"complexity_report": map[string]any{
			"huge":     map[string]any{"complexity_score": 20},
			"moderate": map[string]any{"complexity_score": 10},
			"fine":     map[string]any{"complexity_score": 2},
		},
		"issues": []any{
			"Line 1: line longer than 80 characters",
			"Line 9: line longer than 80 characters",
			"Line 3: TODO comment present",
		},
		"metrics": map[string]any{"quality_score": 0.5},
	}

	out, err := suggestImprovements(context.Background(), state)
	require.NoError(t, err)

	suggestions := out["suggestions"].([]any)
	// Two complexity suggestions plus two issue kinds; the duplicate long
	// line suggestion is dropped.
	require.Len(t, suggestions, 4)
	assert.Contains(t, suggestions[0], "'huge' has high complexity (20)")
	assert.Contains(t, suggestions[1], "'moderate' is moderately complex (10)")

	// Quality bump is 0.05 per suggestion.
	assert.InDelta(t, 0.7, out["metrics"].(map[string]any)["quality_score"], 1e-9)
}

func TestSuggestImprovements_BumpFloorAndCap(t *testing.T) {
	// No suggestions still bumps by one increment.
	out, err := suggestImprovements(context.Background(), engine.State{
		"metrics": map[string]any{"quality_score": 0.5},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.55, out["metrics"].(map[string]any)["quality_score"], 1e-9)

	// Quality never exceeds 1.0.
	out, err = suggestImprovements(context.Background(), engine.State{
		"metrics": map[string]any{"quality_score": 0.99},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["metrics"].(map[string]any)["quality_score"])
}

func TestEvaluateQuality(t *testing.T) {
	out, err := evaluateQuality(context.Background(), engine.State{
		"metrics": map[string]any{"quality_score": 0.85},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["meets_quality"])

	out, err = evaluateQuality(context.Background(), engine.State{
		"metrics": map[string]any{"quality_score": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out["meets_quality"])

	// Explicit threshold overrides the default, including float64 values
	// decoded from a request body.
	out, err = evaluateQuality(context.Background(), engine.State{
		"metrics":   map[string]any{"quality_score": 0.5},
		"threshold": 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["meets_quality"])
}
