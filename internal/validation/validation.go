// Package validation runs external validation tools against a generated
// artifact and aggregates their reports into the task's validation result.
//
// The tools themselves are opaque collaborators; this package only defines
// the contract, a command-execution tool, and the aggregation policy used
// by the self-healing loop.
package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Report is the outcome of one tool run.
type Report struct {
	Tool       string
	Passed     bool
	Confidence float64
	Findings   []task.Finding
}

// Tool validates an artifact.
type Tool interface {
	Name() string
	Run(ctx context.Context, artifact string) (*Report, error)
}

// Policy tunes how reports aggregate into a pass/fail outcome.
type Policy struct {
	// LowConfidencePass treats zero actionable findings as a pass even
	// when aggregate confidence is below MinConfidence. Product tuning
	// knob; defaults to true to avoid repair loops over ambiguous signals.
	LowConfidencePass bool

	// MinConfidence is the aggregate confidence below which a finding-free
	// outcome is only accepted when LowConfidencePass is set.
	MinConfidence float64
}

// Validator runs a fixed set of tools and aggregates their reports.
type Validator struct {
	tools  []Tool
	policy Policy
	logger *zap.Logger
}

// NewValidator creates a validator over the given tools.
func NewValidator(tools []Tool, policy Policy, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{tools: tools, policy: policy, logger: logger}
}

// Policy returns the configured aggregation policy. Callers that need a
// per-task variation copy it and pass the copy to ValidateWithPolicy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate runs every tool and aggregates the reports under the configured
// policy. A tool execution error aborts the run; the caller decides whether
// that is recoverable. attempt is the 1-based validation attempt for this
// task.
func (v *Validator) Validate(ctx context.Context, artifact string, attempt int) (*task.ValidationResult, error) {
	return v.ValidateWithPolicy(ctx, artifact, attempt, v.policy)
}

// ValidateWithPolicy is Validate with a caller-supplied aggregation policy,
// used when a task overrides the server-wide policy.
func (v *Validator) ValidateWithPolicy(ctx context.Context, artifact string, attempt int, policy Policy) (*task.ValidationResult, error) {
	result := &task.ValidationResult{
		Passed:     true,
		Confidence: 1.0,
		Attempt:    attempt,
		CheckedAt:  time.Now().UTC(),
	}

	for _, tool := range v.tools {
		report, err := tool.Run(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.Name(), err)
		}

		if !report.Passed {
			result.Passed = false
		}
		if report.Confidence < result.Confidence {
			result.Confidence = report.Confidence
		}
		result.Findings = append(result.Findings, report.Findings...)

		v.logger.Debug("validation tool finished",
			zap.String("tool", tool.Name()),
			zap.Bool("passed", report.Passed),
			zap.Int("findings", len(report.Findings)),
		)
	}

	// Zero actionable findings counts as a pass regardless of what the
	// tools claimed, unless the policy demands confidence.
	if !result.Passed && len(result.Findings) == 0 {
		if policy.LowConfidencePass || result.Confidence >= policy.MinConfidence {
			result.Passed = true
		}
	}

	return result, nil
}
