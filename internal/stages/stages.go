package stages

import (
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/retrieval"
	"github.com/fyrsmithlabs/flowd/internal/validation"
)

// Deps bundles the collaborators the stage handlers share.
type Deps struct {
	Backend   backend.Backend
	Validator *validation.Validator
	Retriever retrieval.Provider
	Logger    *zap.Logger
}

// RegisterAll registers one handler for every pipeline stage on the
// executor.
func RegisterAll(exec *pipeline.Executor, deps Deps) {
	exec.Register(NewIntent(deps.Backend, deps.Logger))
	exec.Register(NewPlan(deps.Backend))
	exec.Register(NewContext(deps.Retriever, deps.Logger))
	exec.Register(NewTests(deps.Backend))
	exec.Register(NewGenerate(deps.Backend))
	exec.Register(NewValidate(deps.Validator))
	exec.Register(NewRepair(deps.Backend))
	exec.Register(NewReview(deps.Backend))
}
