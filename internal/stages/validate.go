package stages

import (
	"context"

	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
	"github.com/fyrsmithlabs/flowd/internal/validation"
)

// Validate runs the configured validation tools against the artifact and
// stores the aggregated result. A tool execution error propagates; the
// engine folds it into the healing loop.
type Validate struct {
	validator *validation.Validator
}

// NewValidate creates the validation stage.
func NewValidate(v *validation.Validator) *Validate {
	return &Validate{validator: v}
}

func (s *Validate) Stage() pipeline.Stage { return pipeline.StageValidate }
func (s *Validate) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Validate) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldArtifact, pipeline.FieldTests},
		Writes: []pipeline.Field{pipeline.FieldValidation},
	}
}

func (s *Validate) Execute(ctx context.Context, st *task.State) error {
	policy := s.validator.Policy()
	if st.Config.LowConfidencePass != nil {
		policy.LowConfidencePass = *st.Config.LowConfidencePass
	}
	result, err := s.validator.ValidateWithPolicy(ctx, st.Artifact, st.IterationCount+1, policy)
	if err != nil {
		return err
	}
	st.Validation = result
	return nil
}
