package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleTool_ForbiddenPattern(t *testing.T) {
	tool := NewRuleTool("static", []Rule{
		MustParseRule("no-panic", `\bpanic\(`, true, "artifact must not panic"),
	})

	report, err := tool.Run(context.Background(), "func main() {\n\tpanic(\"boom\")\n}\n")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Findings, 1)
	assert.Contains(t, report.Findings[0].Message, "line 2")
	assert.Equal(t, "error", report.Findings[0].Severity)
}

func TestRuleTool_RequiredPattern(t *testing.T) {
	tool := NewRuleTool("static", []Rule{
		MustParseRule("has-package", `^package `, false, "missing package clause"),
	})

	report, err := tool.Run(context.Background(), "package main\n")
	require.NoError(t, err)
	assert.True(t, report.Passed)

	report, err = tool.Run(context.Background(), "// nothing here\n")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Findings, 1)
	assert.Contains(t, report.Findings[0].Message, "missing package clause")
}

func TestRuleTool_CleanArtifactPasses(t *testing.T) {
	tool := NewRuleTool("static", []Rule{
		MustParseRule("no-panic", `\bpanic\(`, true, "artifact must not panic"),
	})

	report, err := tool.Run(context.Background(), "func main() {}\n")
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Findings)
}
