package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Rule is one static check applied to the artifact text.
type Rule struct {
	// Name identifies the rule in findings.
	Name string

	// Pattern is a regular expression evaluated against the artifact.
	Pattern *regexp.Regexp

	// Forbid inverts the check: a match produces a finding. When false,
	// the absence of any match produces a finding.
	Forbid bool

	// Message is the finding text. Forbidden rules append the line number
	// of the first match.
	Message string

	// Severity tags the resulting finding. Empty means "error".
	Severity string
}

// RuleTool runs a set of static rules against the artifact without
// shelling out. It is cheap and deterministic, so it runs before any
// command-based tool in a typical configuration.
type RuleTool struct {
	name  string
	rules []Rule
}

// NewRuleTool creates a rule tool.
func NewRuleTool(name string, rules []Rule) *RuleTool {
	return &RuleTool{name: name, rules: rules}
}

// MustParseRule builds a rule from a pattern string, panicking on a bad
// pattern. Intended for configuration loading where patterns were already
// validated.
func MustParseRule(name, pattern string, forbid bool, message string) Rule {
	return Rule{
		Name:    name,
		Pattern: regexp.MustCompile(pattern),
		Forbid:  forbid,
		Message: message,
	}
}

// Name returns the tool identifier.
func (t *RuleTool) Name() string { return t.name }

// Run evaluates every rule. Rules never error; a broken artifact only
// produces findings.
func (t *RuleTool) Run(_ context.Context, artifact string) (*Report, error) {
	report := &Report{Tool: t.name, Passed: true, Confidence: 1.0}

	for _, rule := range t.rules {
		severity := rule.Severity
		if severity == "" {
			severity = "error"
		}

		if rule.Forbid {
			loc := rule.Pattern.FindStringIndex(artifact)
			if loc == nil {
				continue
			}
			line := 1 + strings.Count(artifact[:loc[0]], "\n")
			report.Passed = false
			report.Findings = append(report.Findings, task.Finding{
				Tool:     t.name,
				Message:  fmt.Sprintf("%s: %s (line %d)", rule.Name, rule.Message, line),
				Severity: severity,
			})
			continue
		}

		if !rule.Pattern.MatchString(artifact) {
			report.Passed = false
			report.Findings = append(report.Findings, task.Finding{
				Tool:     t.name,
				Message:  fmt.Sprintf("%s: %s", rule.Name, rule.Message),
				Severity: severity,
			})
		}
	}
	return report, nil
}
