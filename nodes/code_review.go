package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/flowforge/engine"
)

// Built-in step names. Graph nodes reference computation steps by node name
// and tool steps by tool name.
const (
	StepExtractFunctions    = "extract_functions"
	StepCheckComplexity     = "check_complexity"
	StepSuggestImprovements = "suggest_improvements"
	StepEvaluateQuality     = "evaluate_quality"
	ToolDetectSmells        = "detect_smells"
)

// DefaultQualityThreshold is the quality bar used by evaluate_quality when
// the state carries no explicit "threshold".
const DefaultQualityThreshold = 0.8

// RegisterBuiltins installs the code review steps into the registry.
func RegisterBuiltins(reg *engine.Registry) {
	reg.Register(engine.NamespaceNode, StepExtractFunctions, extractFunctions)
	reg.Register(engine.NamespaceNode, StepCheckComplexity, checkComplexity)
	reg.Register(engine.NamespaceNode, StepSuggestImprovements, suggestImprovements)
	reg.Register(engine.NamespaceNode, StepEvaluateQuality, evaluateQuality)
	reg.Register(engine.NamespaceTool, ToolDetectSmells, detectSmells)
}

func codeFrom(state engine.State) string {
	code, _ := state["code"].(string)
	return code
}

// metricsFrom returns the mutable metrics map, creating it on first use.
func metricsFrom(state engine.State) map[string]any {
	if m, ok := state["metrics"].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	state["metrics"] = m
	return m
}

// asFloat normalizes numeric state values. Steps write Go ints and floats
// while values arriving over HTTP decode as float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// extractFunctions scans the code for "def " lines and records their names
// under state["functions"].
func extractFunctions(ctx context.Context, state engine.State) (engine.State, error) {
	code := codeFrom(state)
	functions := make([]any, 0)

	for _, line := range strings.Split(code, "\n") {
		stripped := strings.TrimSpace(line)
		if !strings.HasPrefix(stripped, "def ") {
			continue
		}
		if !strings.Contains(stripped, "(") || !strings.Contains(stripped, ":") {
			continue
		}
		namePart := strings.TrimPrefix(stripped, "def ")
		name := strings.TrimSpace(strings.SplitN(namePart, "(", 2)[0])
		functions = append(functions, map[string]any{
			"name": name,
			"line": line,
		})
	}

	state["functions"] = functions
	return state, nil
}

// checkComplexity counts "for", "while" and "if" tokens as a stand-in for
// cyclomatic complexity and derives a baseline quality score from the
// average. Lower complexity means a higher starting quality.
func checkComplexity(ctx context.Context, state engine.State) (engine.State, error) {
	code := codeFrom(state)

	score := 1
	for _, line := range strings.Split(code, "\n") {
		for _, token := range strings.Fields(strings.TrimSpace(line)) {
			switch token {
			case "for", "while", "if":
				score++
			}
		}
	}

	report := map[string]any{}
	for _, name := range functionNames(state) {
		report[name] = map[string]any{"complexity_score": score}
	}
	state["complexity_report"] = report

	avg := 0.0
	if len(report) > 0 {
		avg = float64(score)
	}
	normalized := avg / 20.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	quality := 1.0 - normalized
	if quality < 0 {
		quality = 0
	}

	metricsFrom(state)["quality_score"] = quality
	return state, nil
}

// detectSmells is a tool step. It flags overlong lines, leftover TODO
// markers and deeply nested if-statements.
func detectSmells(ctx context.Context, state engine.State) (engine.State, error) {
	code := codeFrom(state)
	issues := make([]any, 0)

	const deepIndent = "                        " // three 8-space levels

	for idx, line := range strings.Split(code, "\n") {
		lineNo := idx + 1
		stripped := strings.TrimSpace(line)
		if len(line) > 80 {
			issues = append(issues, fmt.Sprintf("Line %d: line longer than 80 characters", lineNo))
		}
		if strings.Contains(line, "TODO") {
			issues = append(issues, fmt.Sprintf("Line %d: TODO comment present", lineNo))
		}
		if strings.HasPrefix(stripped, "if ") && strings.HasPrefix(line, deepIndent) {
			issues = append(issues, fmt.Sprintf("Line %d: deeply nested if-statement", lineNo))
		}
	}

	state["issues"] = issues
	return state, nil
}

// suggestImprovements turns the complexity report and detected issues into
// rule-based suggestions and bumps the quality score per pass, simulating
// an auto-refactor. Repeated passes converge toward the quality threshold.
func suggestImprovements(ctx context.Context, state engine.State) (engine.State, error) {
	var suggestions []string

	report, _ := state["complexity_report"].(map[string]any)
	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry, _ := report[name].(map[string]any)
		score, _ := asFloat(entry["complexity_score"])
		switch {
		case score > 15:
			suggestions = append(suggestions, fmt.Sprintf(
				"Function '%s' has high complexity (%d). Consider splitting into smaller helper functions.",
				name, int(score)))
		case score > 8:
			suggestions = append(suggestions, fmt.Sprintf(
				"Function '%s' is moderately complex (%d). Try reducing nested conditionals.",
				name, int(score)))
		}
	}

	for _, issue := range issueStrings(state) {
		if strings.Contains(issue, "80 characters") {
			suggestions = append(suggestions,
				"Some lines are longer than 80 characters. Consider wrapping or extracting variables to improve readability.")
		}
		if strings.Contains(issue, "TODO") {
			suggestions = append(suggestions,
				"Remove or resolve TODO comments before merging this code.")
		}
		if strings.Contains(issue, "deeply nested") {
			suggestions = append(suggestions,
				"Deeply nested conditionals detected. Refactor using guard clauses or early returns.")
		}
	}

	deduped := make([]any, 0, len(suggestions))
	seen := map[string]struct{}{}
	for _, s := range suggestions {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		deduped = append(deduped, s)
	}
	state["suggestions"] = deduped

	metrics := metricsFrom(state)
	quality, _ := asFloat(metrics["quality_score"])
	passes := len(deduped)
	if passes < 1 {
		passes = 1
	}
	quality += 0.05 * float64(passes)
	if quality > 1.0 {
		quality = 1.0
	}
	metrics["quality_score"] = quality

	return state, nil
}

// evaluateQuality sets the meets_quality flag the loop edges branch on.
func evaluateQuality(ctx context.Context, state engine.State) (engine.State, error) {
	quality, _ := asFloat(metricsFrom(state)["quality_score"])
	threshold, ok := asFloat(state["threshold"])
	if !ok {
		threshold = DefaultQualityThreshold
	}
	state["meets_quality"] = quality >= threshold
	return state, nil
}

func functionNames(state engine.State) []string {
	var names []string
	fns, _ := state["functions"].([]any)
	for _, fn := range fns {
		entry, _ := fn.(map[string]any)
		if name, ok := entry["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func issueStrings(state engine.State) []string {
	var out []string
	switch issues := state["issues"].(type) {
	case []any:
		for _, issue := range issues {
			if s, ok := issue.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = issues
	}
	return out
}
