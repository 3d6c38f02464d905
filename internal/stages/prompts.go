package stages

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

const (
	intentSystem = `Classify the user's request. Respond with a single JSON object:
{"category": "generate" | "conversational", "confidence": 0.0-1.0}
"generate" means the request asks for an artifact (code, document, config).
"conversational" means the request is a question or chat needing no artifact.`

	planSystem = `You are a planning assistant. Produce a short numbered plan for
fulfilling the request. Output only the plan.`

	testsSystem = `Write acceptance tests for the planned artifact before it exists.
Output only the test content.`

	generateSystem = `Produce the requested artifact following the plan. The artifact
must satisfy the provided tests. Output only the artifact content.`

	repairSystem = `The artifact below failed validation. Fix every finding and output
the complete corrected artifact. Output only the artifact content.`

	reviewSystem = `Summarize the outcome of this task in a few sentences: what was
produced, whether validation passed, and any remaining issues.`
)

func planPrompt(st *task.State) string {
	return fmt.Sprintf("Request:\n%s", st.Input)
}

func testsPrompt(st *task.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\nPlan:\n%s", st.Input, st.Plan)
	return b.String()
}

func generatePrompt(st *task.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\nPlan:\n%s", st.Input, st.Plan)
	if st.Context != "" {
		fmt.Fprintf(&b, "\n\nRelevant context:\n%s", st.Context)
	}
	if st.GeneratedTests != "" {
		fmt.Fprintf(&b, "\n\nTests to satisfy:\n%s", st.GeneratedTests)
	}
	return b.String()
}

func repairPrompt(st *task.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Artifact:\n%s\n", st.Artifact)
	if st.Validation != nil {
		fmt.Fprintf(&b, "\nFindings (%d distinct):\n", st.Validation.DistinctFindings())
		for _, f := range st.Validation.Findings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Tool, f.Message)
		}
	}
	if st.GeneratedTests != "" {
		fmt.Fprintf(&b, "\nTests to satisfy:\n%s", st.GeneratedTests)
	}
	return b.String()
}

func reviewPrompt(st *task.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\nRepair iterations used: %d\n", st.Input, st.IterationCount)
	if st.Validation != nil {
		fmt.Fprintf(&b, "Validation passed: %t\n", st.Validation.Passed)
		for _, f := range st.Validation.Findings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Tool, f.Message)
		}
	}
	return b.String()
}
