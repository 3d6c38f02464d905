package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Plan produces the numbered plan the later stages follow.
type Plan struct {
	backend backend.Backend
}

// NewPlan creates the plan stage.
func NewPlan(b backend.Backend) *Plan {
	return &Plan{backend: b}
}

func (s *Plan) Stage() pipeline.Stage { return pipeline.StagePlan }
func (s *Plan) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Plan) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldIntent},
		Writes: []pipeline.Field{pipeline.FieldPlan},
	}
}

func (s *Plan) Execute(ctx context.Context, st *task.State) error {
	result, err := s.backend.Invoke(ctx, backend.Request{
		System: planSystem,
		Prompt: planPrompt(st),
		Model:  st.Config.Model,
	})
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	st.Plan = result.Text
	return nil
}
