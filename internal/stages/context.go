package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/retrieval"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Context fetches supplementary material for the generation prompt. A
// retrieval failure is not fatal: generation proceeds without context.
type Context struct {
	provider retrieval.Provider
	logger   *zap.Logger
}

// NewContext creates the context-gathering stage.
func NewContext(provider retrieval.Provider, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{provider: provider, logger: logger}
}

func (s *Context) Stage() pipeline.Stage { return pipeline.StageContext }
func (s *Context) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Context) Contract() pipeline.Contract {
	return pipeline.Contract{
		Reads:  []pipeline.Field{pipeline.FieldPlan},
		Writes: []pipeline.Field{pipeline.FieldContext},
	}
}

func (s *Context) Execute(ctx context.Context, st *task.State) error {
	if s.provider == nil {
		return nil
	}

	found, err := s.provider.Fetch(ctx, st.Input)
	if err != nil {
		s.logger.Warn("context retrieval failed, continuing without",
			zap.String("task_id", st.TaskID),
			zap.Error(err),
		)
		return nil
	}
	st.Context = found
	return nil
}
