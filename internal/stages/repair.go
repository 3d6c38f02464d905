package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Repair streams a corrected artifact using the latest validation
// findings. Like Generate, only the final aggregate replaces the state.
type Repair struct {
	backend backend.Backend
}

// NewRepair creates the repair stage.
func NewRepair(b backend.Backend) *Repair {
	return &Repair{backend: b}
}

func (s *Repair) Stage() pipeline.Stage { return pipeline.StageRepair }
func (s *Repair) Kind() pipeline.Kind   { return pipeline.KindStreaming }

func (s *Repair) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldArtifact, pipeline.FieldValidation, pipeline.FieldTests},
		Writes: []pipeline.Field{pipeline.FieldArtifact},
	}
}

func (s *Repair) ExecuteStream(ctx context.Context, st *task.State, emit pipeline.EmitFunc) error {
	result, err := s.backend.Stream(ctx, backend.Request{
		System: repairSystem,
		Prompt: repairPrompt(st),
		Model:  st.Config.Model,
	}, backend.ChunkFunc(emit))
	if err != nil {
		return fmt.Errorf("repair artifact: %w", err)
	}
	st.Artifact = result.Text
	return nil
}
