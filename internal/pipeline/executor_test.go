package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/breaker"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// fakeHandler is a configurable stage handler shared by the executor and
// engine tests.
type fakeHandler struct {
	stage    Stage
	kind     Kind
	contract Contract
	execute  func(ctx context.Context, st *task.State) error
	stream   func(ctx context.Context, st *task.State, emit EmitFunc) error

	mu    sync.Mutex
	calls int
}

func (h *fakeHandler) Stage() Stage       { return h.stage }
func (h *fakeHandler) Kind() Kind         { return h.kind }
func (h *fakeHandler) Contract() Contract { return h.contract }

func (h *fakeHandler) Execute(ctx context.Context, st *task.State) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.execute == nil {
		return nil
	}
	return h.execute(ctx, st)
}

func (h *fakeHandler) ExecuteStream(ctx context.Context, st *task.State, emit EmitFunc) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.stream == nil {
		return nil
	}
	return h.stream(ctx, st, emit)
}

func (h *fakeHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// opRecorder records publish and checkpoint operations in order, so tests
// can assert the checkpoint lands before the end event.
type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) Publish(_ string, ev events.Event) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "event:"+string(ev.Kind))
	return uint64(len(r.ops))
}

func (r *opRecorder) Save(_ context.Context, _, stage string, _ *task.State) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "checkpoint:"+stage)
	return "cp-1", nil
}

func (r *opRecorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func TestExecutor_CheckpointBeforeEndEvent(t *testing.T) {
	rec := &opRecorder{}
	exec := NewExecutor(rec, rec, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage:    StagePlan,
		contract: Contract{Writes: []Field{FieldPlan}},
		execute: func(_ context.Context, st *task.State) error {
			st.Plan = "the plan"
			return nil
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	require.NoError(t, exec.Run(context.Background(), StagePlan, st))

	assert.Equal(t, []string{"event:start", "checkpoint:plan", "event:end"}, rec.Ops())
	assert.Equal(t, "the plan", st.Plan)
}

func TestExecutor_UndeclaredWriteIsInternalError(t *testing.T) {
	rec := &opRecorder{}
	exec := NewExecutor(rec, rec, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage:    StagePlan,
		contract: Contract{Writes: []Field{FieldPlan}},
		execute: func(_ context.Context, st *task.State) error {
			st.Plan = "ok"
			st.Artifact = "not declared"
			return nil
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	err := exec.Run(context.Background(), StagePlan, st)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureInternal, serr.Category)
	assert.Contains(t, serr.Err.Error(), "undeclared writes")

	// No checkpoint on failure, and the error is in the task log.
	assert.Equal(t, []string{"event:start", "event:error"}, rec.Ops())
	require.Len(t, st.Errors, 1)
	assert.Equal(t, task.FailureInternal, st.Errors[0].Category)
}

func TestExecutor_MissingHandlerIsInternalError(t *testing.T) {
	exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})

	err := exec.Run(context.Background(), StageReview, st)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureInternal, serr.Category)
}

func TestExecutor_TimeoutCategory(t *testing.T) {
	exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage:    StageGenerate,
		contract: Contract{Writes: []Field{FieldArtifact}},
		execute: func(ctx context.Context, _ *task.State) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	st := task.NewState("t-1", "input", task.Config{
		MaxIterations: 1,
		StageTimeout:  20 * time.Millisecond,
	})
	err := exec.Run(context.Background(), StageGenerate, st)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureTimeout, serr.Category)
}

func TestExecutor_BackendErrorCategoryByStage(t *testing.T) {
	boom := errors.New("backend exploded")
	for stage, want := range map[Stage]task.FailureCategory{
		StageGenerate: task.FailureBackend,
		StageValidate: task.FailureValidationTool,
	} {
		exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
		exec.Register(&fakeHandler{
			stage:   stage,
			execute: func(context.Context, *task.State) error { return boom },
		})

		st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
		err := exec.Run(context.Background(), stage, st)

		var serr *StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, want, serr.Category, "stage %s", stage)
	}
}

func TestExecutor_CircuitOpenCategory(t *testing.T) {
	exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage: StageGenerate,
		execute: func(context.Context, *task.State) error {
			return fmt.Errorf("invoke: %w", breaker.ErrOpen)
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	err := exec.Run(context.Background(), StageGenerate, st)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureCircuitOpen, serr.Category)
}

func TestExecutor_StreamingPublishesChunks(t *testing.T) {
	rec := &opRecorder{}
	exec := NewExecutor(rec, rec, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage:    StageGenerate,
		kind:     KindStreaming,
		contract: Contract{Writes: []Field{FieldArtifact}},
		stream: func(_ context.Context, st *task.State, emit EmitFunc) error {
			for _, chunk := range []string{"func ", "main()", " {}"} {
				if err := emit(chunk); err != nil {
					return err
				}
				st.Artifact += chunk
			}
			return nil
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	require.NoError(t, exec.Run(context.Background(), StageGenerate, st))

	assert.Equal(t, []string{
		"event:start",
		"event:content_chunk", "event:content_chunk", "event:content_chunk",
		"checkpoint:generate",
		"event:end",
	}, rec.Ops())
	assert.Equal(t, "func main() {}", st.Artifact)
}

func TestExecutor_CancelObservedBetweenChunks(t *testing.T) {
	exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage: StageGenerate,
		kind:  KindStreaming,
		stream: func(_ context.Context, st *task.State, emit EmitFunc) error {
			if err := emit("first"); err != nil {
				return err
			}
			st.RequestCancel()
			return emit("second")
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	err := exec.Run(context.Background(), StageGenerate, st)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureCancelled, serr.Category)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestExecutor_CancelAfterBlockingStage(t *testing.T) {
	// A blocking stage that completed normally still surfaces cancellation
	// at the stage boundary.
	exec := NewExecutor(&opRecorder{}, nil, time.Minute, nil)
	exec.Register(&fakeHandler{
		stage: StagePlan,
		execute: func(_ context.Context, st *task.State) error {
			st.RequestCancel()
			return nil
		},
	})

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	err := exec.Run(context.Background(), StagePlan, st)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, task.FailureCancelled, serr.Category)
}
