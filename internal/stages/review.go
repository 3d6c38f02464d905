package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Review produces the closing summary. It runs whether or not validation
// ultimately passed, so an exhausted repair budget still yields an honest
// account of what remains broken.
type Review struct {
	backend backend.Backend
}

// NewReview creates the review stage.
func NewReview(b backend.Backend) *Review {
	return &Review{backend: b}
}

func (s *Review) Stage() pipeline.Stage { return pipeline.StageReview }
func (s *Review) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Review) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldArtifact, pipeline.FieldValidation},
		Writes: []pipeline.Field{pipeline.FieldSummary},
	}
}

func (s *Review) Execute(ctx context.Context, st *task.State) error {
	result, err := s.backend.Invoke(ctx, backend.Request{
		System:    reviewSystem,
		Prompt:    reviewPrompt(st),
		Model:     st.Config.Model,
		MaxTokens: 1024,
	})
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	st.Summary = result.Text
	return nil
}
