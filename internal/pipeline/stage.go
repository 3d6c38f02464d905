package pipeline

import (
	"context"
	"reflect"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Stage names one node of the pipeline graph.
type Stage string

const (
	StageIntent   Stage = "intent"
	StagePlan     Stage = "plan"
	StageContext  Stage = "context"
	StageTests    Stage = "tests"
	StageGenerate Stage = "generate"
	StageValidate Stage = "validate"
	StageRepair   Stage = "repair"
	StageReview   Stage = "review"
)

// StagePipeline is the pseudo-stage name used on whole-pipeline events and
// on the final checkpoint of a terminal task.
const StagePipeline = "pipeline"

// Kind distinguishes the two stage execution shapes. Dispatch branches on
// it explicitly; there is no generic handler signature.
type Kind int

const (
	// KindBlocking runs to completion and returns once.
	KindBlocking Kind = iota

	// KindStreaming emits incremental output chunks while running.
	KindStreaming
)

// Field names a task state field a stage may declare in its contract.
type Field string

const (
	FieldIntent     Field = "intent"
	FieldPlan       Field = "plan"
	FieldContext    Field = "context"
	FieldTests      Field = "generated_tests"
	FieldArtifact   Field = "artifact"
	FieldValidation Field = "validation"
	FieldSummary    Field = "summary"
)

// allFields is every contract-visible field, used for write enforcement.
var allFields = []Field{
	FieldIntent, FieldPlan, FieldContext, FieldTests, FieldArtifact, FieldValidation, FieldSummary,
}

// Contract declares which state fields a stage reads and writes. The
// executor verifies after each invocation that nothing outside Writes
// changed.
type Contract struct {
	Reads  []Field
	Writes []Field
}

func (c Contract) writes(f Field) bool {
	for _, w := range c.Writes {
		if w == f {
			return true
		}
	}
	return false
}

// Handler is one registered stage implementation. Concrete handlers also
// implement BlockingHandler or StreamingHandler according to Kind.
type Handler interface {
	Stage() Stage
	Kind() Kind
	Contract() Contract
}

// BlockingHandler runs a stage to completion.
type BlockingHandler interface {
	Handler
	Execute(ctx context.Context, st *task.State) error
}

// EmitFunc delivers one streamed output chunk to the event stream. It
// returns ErrCancelled when cancellation was requested, which the stage
// must propagate.
type EmitFunc func(chunk string) error

// StreamingHandler runs a stage that produces incremental output.
type StreamingHandler interface {
	Handler
	ExecuteStream(ctx context.Context, st *task.State, emit EmitFunc) error
}

// fieldValue extracts a comparable snapshot of one contract field.
func fieldValue(st *task.State, f Field) any {
	switch f {
	case FieldIntent:
		if st.Intent == nil {
			return nil
		}
		return *st.Intent
	case FieldPlan:
		return st.Plan
	case FieldContext:
		return st.Context
	case FieldTests:
		return st.GeneratedTests
	case FieldArtifact:
		return st.Artifact
	case FieldValidation:
		if st.Validation == nil {
			return nil
		}
		return *st.Validation
	case FieldSummary:
		return st.Summary
	}
	return nil
}

// snapshotOutsideWrites captures every field the contract does not declare
// writable, so the executor can detect undeclared writes afterwards.
func snapshotOutsideWrites(st *task.State, c Contract) map[Field]any {
	snap := make(map[Field]any, len(allFields))
	for _, f := range allFields {
		if !c.writes(f) {
			snap[f] = fieldValue(st, f)
		}
	}
	return snap
}

// violatedFields returns the fields changed despite not being declared
// writable.
func violatedFields(st *task.State, snap map[Field]any) []Field {
	var out []Field
	for f, before := range snap {
		if !reflect.DeepEqual(before, fieldValue(st, f)) {
			out = append(out, f)
		}
	}
	return out
}
