package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Tests writes acceptance tests before the artifact exists, so generation
// has a concrete target.
type Tests struct {
	backend backend.Backend
}

// NewTests creates the test-generation stage.
func NewTests(b backend.Backend) *Tests {
	return &Tests{backend: b}
}

func (s *Tests) Stage() pipeline.Stage { return pipeline.StageTests }
func (s *Tests) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Tests) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldPlan, pipeline.FieldContext},
		Writes: []pipeline.Field{pipeline.FieldTests},
	}
}

func (s *Tests) Execute(ctx context.Context, st *task.State) error {
	result, err := s.backend.Invoke(ctx, backend.Request{
		System: testsSystem,
		Prompt: testsPrompt(st),
		Model:  st.Config.Model,
	})
	if err != nil {
		return fmt.Errorf("generate tests: %w", err)
	}
	st.GeneratedTests = result.Text
	return nil
}
