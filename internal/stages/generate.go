package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Generate streams the artifact from the backend. Chunks go to the event
// stream only; the state is mutated once with the final aggregate.
type Generate struct {
	backend backend.Backend
}

// NewGenerate creates the artifact-generation stage.
func NewGenerate(b backend.Backend) *Generate {
	return &Generate{backend: b}
}

func (s *Generate) Stage() pipeline.Stage { return pipeline.StageGenerate }
func (s *Generate) Kind() pipeline.Kind   { return pipeline.KindStreaming }

func (s *Generate) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldPlan, pipeline.FieldContext, pipeline.FieldTests},
		Writes: []pipeline.Field{pipeline.FieldArtifact},
	}
}

func (s *Generate) ExecuteStream(ctx context.Context, st *task.State, emit pipeline.EmitFunc) error {
	result, err := s.backend.Stream(ctx, backend.Request{
		System: generateSystem,
		Prompt: generatePrompt(st),
		Model:  st.Config.Model,
	}, backend.ChunkFunc(emit))
	if err != nil {
		return fmt.Errorf("generate artifact: %w", err)
	}
	st.Artifact = result.Text
	return nil
}
