package task

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MaxIterationCeiling is the hard upper bound for Config.MaxIterations.
// It caps worst-case latency and backend cost of the repair loop.
const MaxIterationCeiling = 5

// DefaultMaxIterations is used when a submission leaves MaxIterations unset.
const DefaultMaxIterations = 3

// IntentCategory classifies what kind of work an input requires.
type IntentCategory string

const (
	// IntentGenerate requires the full pipeline: plan, generate, validate.
	IntentGenerate IntentCategory = "generate"

	// IntentConversational needs no generation; the pipeline short-circuits
	// after classification.
	IntentConversational IntentCategory = "conversational"

	// IntentUnknown is treated like IntentGenerate so ambiguous inputs are
	// never silently dropped.
	IntentUnknown IntentCategory = "unknown"
)

// Intent is the classification result written once by the intent stage.
type Intent struct {
	Category   IntentCategory `json:"category"`
	Confidence float64        `json:"confidence"`
}

// Finding is a single actionable issue reported by a validation tool.
type Finding struct {
	Tool     string `json:"tool"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// Key identifies a finding for distinctness counting across repair attempts.
func (f Finding) Key() string {
	return f.Tool + ": " + f.Message
}

// ValidationResult is the aggregated outcome of one validation attempt.
// It is overwritten on every pass through the validate stage.
type ValidationResult struct {
	Passed     bool      `json:"passed"`
	Confidence float64   `json:"confidence"`
	Findings   []Finding `json:"findings,omitempty"`
	Attempt    int       `json:"attempt"`
	CheckedAt  time.Time `json:"checked_at"`
}

// DistinctFindings counts unique findings by tool and message.
func (r *ValidationResult) DistinctFindings() int {
	if r == nil {
		return 0
	}
	seen := make(map[string]struct{}, len(r.Findings))
	for _, f := range r.Findings {
		seen[f.Key()] = struct{}{}
	}
	return len(seen)
}

// FailureCategory tags the cause of a stage-scoped failure.
type FailureCategory string

const (
	FailureBackend        FailureCategory = "backend_error"
	FailureCircuitOpen    FailureCategory = "circuit_open"
	FailureTimeout        FailureCategory = "timeout"
	FailureCancelled      FailureCategory = "cancelled"
	FailureValidationTool FailureCategory = "validation_tool_error"
	FailureInternal       FailureCategory = "internal"
)

// Failure is one entry in the append-only per-task error log.
type Failure struct {
	Stage      string          `json:"stage"`
	Category   FailureCategory `json:"category"`
	Message    string          `json:"message"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Config is the per-task configuration consumed once at task start.
// Unset fields take defaults via ApplyDefaults.
type Config struct {
	// MaxIterations bounds the validate/repair loop. 1..MaxIterationCeiling.
	MaxIterations int `json:"max_iterations"`

	// Backend names the generation backend identity to use. Submissions
	// naming an identity the engine does not serve are rejected.
	Backend string `json:"backend,omitempty"`

	// Model overrides the backend's configured model for this task.
	Model string `json:"model,omitempty"`

	// EnableRetrieval toggles the supplementary context stage.
	EnableRetrieval bool `json:"enable_retrieval"`

	// StageTimeout bounds each individual stage invocation. Zero means the
	// engine default applies.
	StageTimeout time.Duration `json:"stage_timeout,omitempty"`

	// LowConfidencePass overrides the server-wide validation policy for
	// treating a zero-finding outcome as a pass despite low tool
	// confidence. Nil keeps the server policy.
	LowConfidencePass *bool `json:"low_confidence_pass,omitempty"`
}

// ApplyDefaults fills unset fields with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.MaxIterations > MaxIterationCeiling {
		return fmt.Errorf("max_iterations must be <= %d, got %d", MaxIterationCeiling, c.MaxIterations)
	}
	if c.StageTimeout < 0 {
		return fmt.Errorf("stage_timeout must be >= 0, got %v", c.StageTimeout)
	}
	return nil
}

// State is the mutable record for one task. It is created at submission,
// mutated stage by stage, and frozen once Terminal is set.
type State struct {
	TaskID string `json:"task_id"`
	Input  string `json:"input"`
	Config Config `json:"config"`

	Intent         *Intent           `json:"intent,omitempty"`
	Plan           string            `json:"plan,omitempty"`
	Context        string            `json:"context,omitempty"`
	GeneratedTests string            `json:"generated_tests,omitempty"`
	Artifact       string            `json:"artifact,omitempty"`
	Validation     *ValidationResult `json:"validation,omitempty"`
	Summary        string            `json:"summary,omitempty"`

	IterationCount int       `json:"iteration_count"`
	Errors         []Failure `json:"errors,omitempty"`
	Terminal       bool      `json:"terminal"`
	TerminalReason string    `json:"terminal_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// cancel is the cooperative cancellation flag. It is the only field
	// written from outside the owning goroutine and does not survive a
	// restart.
	cancel atomic.Bool
}

// NewState creates a task state with defaults applied to cfg.
func NewState(taskID, input string, cfg Config) *State {
	cfg.ApplyDefaults()
	now := time.Now().UTC()
	return &State{
		TaskID:    taskID,
		Input:     input,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RequestCancel sets the cooperative cancellation flag. The running stage
// observes it at its next suspension point; cancellation is never preemptive.
func (s *State) RequestCancel() {
	s.cancel.Store(true)
}

// CancelRequested reports whether cancellation has been requested.
func (s *State) CancelRequested() bool {
	return s.cancel.Load()
}

// RecordFailure appends a stage-scoped failure to the error log.
func (s *State) RecordFailure(f Failure) {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now().UTC()
	}
	s.Errors = append(s.Errors, f)
	s.UpdatedAt = time.Now().UTC()
}

// MarkTerminal freezes the state. Subsequent calls are no-ops so the first
// recorded reason wins.
func (s *State) MarkTerminal(reason string) {
	if s.Terminal {
		return
	}
	s.Terminal = true
	s.TerminalReason = reason
	s.UpdatedAt = time.Now().UTC()
}

// Touch updates the modification timestamp.
func (s *State) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the state suitable for checkpointing. The
// cancellation flag is deliberately not carried over.
func (s *State) Clone() *State {
	c := &State{
		TaskID:         s.TaskID,
		Input:          s.Input,
		Config:         s.Config,
		Plan:           s.Plan,
		Context:        s.Context,
		GeneratedTests: s.GeneratedTests,
		Artifact:       s.Artifact,
		Summary:        s.Summary,
		IterationCount: s.IterationCount,
		Terminal:       s.Terminal,
		TerminalReason: s.TerminalReason,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Config.LowConfidencePass != nil {
		lcp := *s.Config.LowConfidencePass
		c.Config.LowConfidencePass = &lcp
	}
	if s.Intent != nil {
		intent := *s.Intent
		c.Intent = &intent
	}
	if s.Validation != nil {
		v := *s.Validation
		v.Findings = append([]Finding(nil), s.Validation.Findings...)
		c.Validation = &v
	}
	if len(s.Errors) > 0 {
		c.Errors = append([]Failure(nil), s.Errors...)
	}
	return c
}
