package nodes

import (
	"github.com/google/uuid"

	"github.com/BaSui01/flowforge/engine"
)

// CodeReviewTemplate is the template identifier accepted by the graph
// creation API.
const CodeReviewTemplate = "code_review_agent"

// CodeReviewGraph builds the built-in code review workflow:
//
//	extract_functions -> check_complexity -> detect_smells ->
//	suggest_improvements -> evaluate_quality
//
// evaluate_quality loops back to suggest_improvements until the quality
// score clears the threshold, then exits.
func CodeReviewGraph(name string) *engine.Graph {
	if name == "" {
		name = CodeReviewTemplate
	}

	return &engine.Graph{
		ID:         uuid.NewString(),
		Name:       name,
		Entrypoint: StepExtractFunctions,
		Nodes: map[string]engine.NodeSpec{
			StepExtractFunctions: {
				Name:        StepExtractFunctions,
				Kind:        engine.NodeKindComputation,
				Description: "Extract functions from raw code text.",
			},
			StepCheckComplexity: {
				Name:        StepCheckComplexity,
				Kind:        engine.NodeKindComputation,
				Description: "Estimate complexity per function.",
			},
			ToolDetectSmells: {
				Name:        ToolDetectSmells,
				Kind:        engine.NodeKindTool,
				ToolName:    ToolDetectSmells,
				Description: "Tool node: detect simple static code smells.",
			},
			StepSuggestImprovements: {
				Name:        StepSuggestImprovements,
				Kind:        engine.NodeKindComputation,
				Description: "Suggest improvements and simulate auto-refactor.",
			},
			StepEvaluateQuality: {
				Name:        StepEvaluateQuality,
				Kind:        engine.NodeKindComputation,
				Description: "Evaluate whether quality_score meets threshold.",
			},
		},
		Edges: []engine.EdgeSpec{
			{Source: StepExtractFunctions, Target: StepCheckComplexity},
			{Source: StepCheckComplexity, Target: ToolDetectSmells},
			{Source: ToolDetectSmells, Target: StepSuggestImprovements},
			{Source: StepSuggestImprovements, Target: StepEvaluateQuality},
			{
				Source:       StepEvaluateQuality,
				Target:       StepSuggestImprovements,
				ConditionKey: "meets_quality",
				Operator:     engine.OpEQ,
				Value:        false,
			},
			{
				Source:       StepEvaluateQuality,
				Target:       engine.EndTarget,
				ConditionKey: "meets_quality",
				Operator:     engine.OpEQ,
				Value:        true,
			},
		},
	}
}
