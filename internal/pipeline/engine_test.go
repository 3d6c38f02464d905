package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/checkpoint"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

type harness struct {
	engine *Engine
	bus    *events.Bus
	store  *checkpoint.MemoryStore
}

func newHarness(t *testing.T, handlers ...Handler) *harness {
	return newHarnessConfig(t, EngineConfig{MaxConcurrent: 2}, handlers...)
}

func newHarnessConfig(t *testing.T, cfg EngineConfig, handlers ...Handler) *harness {
	t.Helper()
	bus := events.NewBus(0, nil)
	store := checkpoint.NewMemoryStore(0)
	exec := NewExecutor(bus, store, time.Minute, nil)
	for _, h := range handlers {
		exec.Register(h)
	}
	engine := NewEngine(cfg, exec, store, bus, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &harness{engine: engine, bus: bus, store: store}
}

// drain collects the task's full event stream, waiting for the terminal
// close.
func (h *harness) drain(t *testing.T, taskID string) []events.Event {
	t.Helper()
	ch, cancel := h.bus.Subscribe(taskID, 1)
	defer cancel()

	var out []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events for %s, got %d so far", taskID, len(out))
		}
	}
}

func (h *harness) finalState(t *testing.T, taskID string) *task.State {
	t.Helper()
	cp, err := h.engine.Status(context.Background(), taskID)
	require.NoError(t, err)
	return cp.State
}

func intentHandler(category task.IntentCategory) *fakeHandler {
	return &fakeHandler{
		stage:    StageIntent,
		contract: Contract{Writes: []Field{FieldIntent}},
		execute: func(_ context.Context, st *task.State) error {
			st.Intent = &task.Intent{Category: category, Confidence: 0.95}
			return nil
		},
	}
}

func planHandler() *fakeHandler {
	return &fakeHandler{
		stage:    StagePlan,
		contract: Contract{Reads: []Field{FieldIntent}, Writes: []Field{FieldPlan}},
		execute: func(_ context.Context, st *task.State) error {
			st.Plan = "1. do the thing"
			return nil
		},
	}
}

func testsHandler() *fakeHandler {
	return &fakeHandler{
		stage:    StageTests,
		contract: Contract{Reads: []Field{FieldPlan}, Writes: []Field{FieldTests}},
		execute: func(_ context.Context, st *task.State) error {
			st.GeneratedTests = "func TestThing(t *testing.T) {}"
			return nil
		},
	}
}

func generateHandler() *fakeHandler {
	return &fakeHandler{
		stage:    StageGenerate,
		kind:     KindStreaming,
		contract: Contract{Reads: []Field{FieldPlan, FieldTests}, Writes: []Field{FieldArtifact}},
		stream: func(_ context.Context, st *task.State, emit EmitFunc) error {
			if err := emit("artifact v1"); err != nil {
				return err
			}
			st.Artifact = "artifact v1"
			return nil
		},
	}
}

// scriptedValidate fails the first failures attempts, then passes.
func scriptedValidate(failures int) *fakeHandler {
	var attempts atomic.Int32
	return &fakeHandler{
		stage:    StageValidate,
		contract: Contract{Reads: []Field{FieldArtifact}, Writes: []Field{FieldValidation}},
		execute: func(_ context.Context, st *task.State) error {
			n := int(attempts.Add(1))
			result := &task.ValidationResult{
				Passed:     n > failures,
				Confidence: 1.0,
				Attempt:    n,
				CheckedAt:  time.Now().UTC(),
			}
			if !result.Passed {
				result.Findings = []task.Finding{{Tool: "tests", Message: "TestThing failed"}}
			}
			st.Validation = result
			return nil
		},
	}
}

func repairHandler() *fakeHandler {
	return &fakeHandler{
		stage:    StageRepair,
		kind:     KindStreaming,
		contract: Contract{Reads: []Field{FieldArtifact, FieldValidation}, Writes: []Field{FieldArtifact}},
		stream: func(_ context.Context, st *task.State, emit EmitFunc) error {
			if err := emit("patched"); err != nil {
				return err
			}
			st.Artifact += " patched"
			return nil
		},
	}
}

func reviewHandler() *fakeHandler {
	return &fakeHandler{
		stage:    StageReview,
		contract: Contract{Reads: []Field{FieldArtifact, FieldValidation}},
	}
}

func fullPipeline(validate *fakeHandler) []Handler {
	return []Handler{
		intentHandler(task.IntentGenerate),
		planHandler(),
		testsHandler(),
		generateHandler(),
		validate,
		repairHandler(),
		reviewHandler(),
	}
}

func stagesOf(evs []events.Event, kind events.Kind) []string {
	var out []string
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func TestEngine_ConversationalShortCircuit(t *testing.T) {
	h := newHarness(t, intentHandler(task.IntentConversational))

	id, err := h.engine.Submit(context.Background(), "hello there", task.Config{})
	require.NoError(t, err)

	evs := h.drain(t, id)
	require.Len(t, evs, 3)
	assert.Equal(t, events.KindStart, evs[0].Kind)
	assert.Equal(t, "intent", evs[0].Stage)
	assert.Equal(t, events.KindEnd, evs[1].Kind)
	assert.Equal(t, "intent", evs[1].Stage)
	assert.Equal(t, events.KindEnd, evs[2].Kind)
	assert.Equal(t, StagePipeline, evs[2].Stage)
	assert.Equal(t, "conversational", evs[2].Payload)

	st := h.finalState(t, id)
	assert.True(t, st.Terminal)
	assert.Empty(t, st.Artifact)
}

func TestEngine_RepairLoopConverges(t *testing.T) {
	// Validation fails twice, then passes, within a budget of three.
	h := newHarness(t, fullPipeline(scriptedValidate(2))...)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{MaxIterations: 3})
	require.NoError(t, err)

	evs := h.drain(t, id)
	assert.Equal(t, []string{
		"intent", "plan", "tests", "generate",
		"validate", "repair", "validate", "repair", "validate",
		"review",
	}, stagesOf(evs, events.KindStart))

	st := h.finalState(t, id)
	assert.True(t, st.Terminal)
	assert.Equal(t, "completed", st.TerminalReason)
	assert.Equal(t, 2, st.IterationCount)
	require.NotNil(t, st.Validation)
	assert.True(t, st.Validation.Passed)
}

func TestEngine_IterationBudgetExhausted(t *testing.T) {
	// Validation never passes; a budget of two means exactly two repairs,
	// then review sees the failing result.
	h := newHarness(t, fullPipeline(scriptedValidate(100))...)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{MaxIterations: 2})
	require.NoError(t, err)

	evs := h.drain(t, id)
	assert.Equal(t, []string{
		"intent", "plan", "tests", "generate",
		"validate", "repair", "validate", "repair", "validate",
		"review",
	}, stagesOf(evs, events.KindStart))

	st := h.finalState(t, id)
	assert.True(t, st.Terminal)
	assert.Equal(t, "completed", st.TerminalReason)
	assert.Equal(t, 2, st.IterationCount)
	require.NotNil(t, st.Validation)
	assert.False(t, st.Validation.Passed)
	assert.NotEmpty(t, st.Validation.Findings)
}

func TestEngine_RetrievalStageRunsWhenEnabled(t *testing.T) {
	contextStage := &fakeHandler{
		stage:    StageContext,
		contract: Contract{Reads: []Field{FieldPlan}, Writes: []Field{FieldContext}},
		execute: func(_ context.Context, st *task.State) error {
			st.Context = "relevant docs"
			return nil
		},
	}
	handlers := append(fullPipeline(scriptedValidate(0)), contextStage)
	h := newHarness(t, handlers...)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{EnableRetrieval: true})
	require.NoError(t, err)

	evs := h.drain(t, id)
	assert.Contains(t, stagesOf(evs, events.KindStart), "context")
	assert.Equal(t, "relevant docs", h.finalState(t, id).Context)
}

func TestEngine_FatalBackendErrorTerminates(t *testing.T) {
	broken := &fakeHandler{
		stage: StageGenerate,
		kind:  KindStreaming,
		stream: func(context.Context, *task.State, EmitFunc) error {
			return errors.New("backend unavailable")
		},
	}
	h := newHarness(t,
		intentHandler(task.IntentGenerate), planHandler(), testsHandler(), broken)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{})
	require.NoError(t, err)

	evs := h.drain(t, id)
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, StagePipeline, last.Stage)

	st := h.finalState(t, id)
	assert.True(t, st.Terminal)
	assert.Equal(t, "failed", st.TerminalReason)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, task.FailureBackend, st.Errors[0].Category)
}

func TestEngine_ValidateErrorHealsIntoRepair(t *testing.T) {
	// The validate stage itself errors once, which counts as a failing
	// outcome and routes through repair instead of killing the task.
	var attempts atomic.Int32
	flaky := &fakeHandler{
		stage:    StageValidate,
		contract: Contract{Reads: []Field{FieldArtifact}, Writes: []Field{FieldValidation}},
		execute: func(_ context.Context, st *task.State) error {
			if attempts.Add(1) == 1 {
				return errors.New("linter crashed")
			}
			st.Validation = &task.ValidationResult{Passed: true, Confidence: 1.0, Attempt: 2, CheckedAt: time.Now().UTC()}
			return nil
		},
	}
	h := newHarness(t, fullPipeline(flaky)...)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{MaxIterations: 3})
	require.NoError(t, err)

	evs := h.drain(t, id)
	assert.Equal(t, []string{
		"intent", "plan", "tests", "generate",
		"validate", "repair", "validate",
		"review",
	}, stagesOf(evs, events.KindStart))

	st := h.finalState(t, id)
	assert.Equal(t, "completed", st.TerminalReason)
	assert.Equal(t, 1, st.IterationCount)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, task.FailureValidationTool, st.Errors[0].Category)
}

func TestEngine_CancelDuringStreaming(t *testing.T) {
	slow := &fakeHandler{
		stage:    StageGenerate,
		kind:     KindStreaming,
		contract: Contract{Writes: []Field{FieldArtifact}},
		stream: func(ctx context.Context, _ *task.State, emit EmitFunc) error {
			for {
				if err := emit("chunk"); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
			}
		},
	}
	h := newHarness(t,
		intentHandler(task.IntentGenerate), planHandler(), testsHandler(), slow)

	id, err := h.engine.Submit(context.Background(), "build a widget", task.Config{})
	require.NoError(t, err)

	// Wait until the stream is producing, then cancel.
	ch, cancel := h.bus.Subscribe(id, 1)
	defer cancel()
	deadline := time.After(5 * time.Second)
	for chunkSeen := false; !chunkSeen; {
		select {
		case ev := <-ch:
			chunkSeen = ev.Kind == events.KindContentChunk
		case <-deadline:
			t.Fatal("no content chunk observed")
		}
	}
	require.NoError(t, h.engine.Cancel(id))

	evs := h.drain(t, id)
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindEnd, last.Kind)
	assert.Equal(t, StagePipeline, last.Stage)
	assert.Equal(t, "cancelled", last.Payload)

	st := h.finalState(t, id)
	assert.True(t, st.Terminal)
	assert.Equal(t, "cancelled", st.TerminalReason)
}

func TestEngine_CancelUnknownTask(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.Cancel("nope"), ErrTaskNotFound)
}

func TestEngine_ResumeSkipsCompletedStages(t *testing.T) {
	handlers := fullPipeline(scriptedValidate(0))
	h := newHarness(t, handlers...)

	// Seed a checkpoint as if the task stopped after the tests stage.
	st := task.NewState("resume-1", "build a widget", task.Config{MaxIterations: 2})
	st.Intent = &task.Intent{Category: task.IntentGenerate, Confidence: 0.9}
	st.Plan = "1. do the thing"
	st.GeneratedTests = "func TestThing(t *testing.T) {}"
	_, err := h.store.Save(context.Background(), st.TaskID, string(StageTests), st)
	require.NoError(t, err)

	require.NoError(t, h.engine.Resume(context.Background(), st.TaskID))

	evs := h.drain(t, st.TaskID)
	assert.Equal(t, []string{"generate", "validate", "review"}, stagesOf(evs, events.KindStart))

	// Completed stages never re-ran.
	assert.Zero(t, handlers[0].(*fakeHandler).Calls(), "intent")
	assert.Zero(t, handlers[1].(*fakeHandler).Calls(), "plan")
	assert.Zero(t, handlers[2].(*fakeHandler).Calls(), "tests")

	final := h.finalState(t, st.TaskID)
	assert.Equal(t, "completed", final.TerminalReason)
}

func TestEngine_ResumeErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Resume(ctx, "missing"), ErrTaskNotFound)

	done := task.NewState("done-1", "input", task.Config{MaxIterations: 1})
	done.MarkTerminal("completed")
	_, err := h.store.Save(ctx, done.TaskID, StagePipeline, done)
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.Resume(ctx, "done-1"), ErrAlreadyTerminal)
}

func TestEngine_ListResumableExcludesRunning(t *testing.T) {
	release := make(chan struct{})
	blocking := &fakeHandler{
		stage: StageIntent,
		execute: func(ctx context.Context, st *task.State) error {
			st.Intent = &task.Intent{Category: task.IntentConversational}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		contract: Contract{Writes: []Field{FieldIntent}},
	}
	h := newHarness(t, blocking)
	defer close(release)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "hello", task.Config{})
	require.NoError(t, err)

	// Parked task from a previous run shows up; the running one does not.
	parked := task.NewState("parked-1", "input", task.Config{MaxIterations: 1})
	_, err = h.store.Save(ctx, parked.TaskID, string(StagePlan), parked)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.engine.IsRunning(id) }, time.Second, 5*time.Millisecond)

	ids, err := h.engine.ListResumable(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "parked-1")
	assert.NotContains(t, ids, id)
}

func TestEngine_SubmitValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Submit(context.Background(), "input", task.Config{MaxIterations: 99})
	assert.Error(t, err)
}

func TestEngine_SubmitAppliesDefaultIterations(t *testing.T) {
	h := newHarnessConfig(t, EngineConfig{MaxConcurrent: 2, DefaultMaxIterations: 5},
		intentHandler(task.IntentConversational))
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, "hello", task.Config{})
	require.NoError(t, err)
	h.drain(t, id)
	assert.Equal(t, 5, h.finalState(t, id).Config.MaxIterations)

	// An explicit per-task budget wins over the engine default.
	id, err = h.engine.Submit(ctx, "hello", task.Config{MaxIterations: 2})
	require.NoError(t, err)
	h.drain(t, id)
	assert.Equal(t, 2, h.finalState(t, id).Config.MaxIterations)
}

func TestEngine_SubmitChecksBackendHint(t *testing.T) {
	h := newHarnessConfig(t, EngineConfig{MaxConcurrent: 2, Backends: []string{"anthropic/claude"}},
		intentHandler(task.IntentConversational))
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, "hello", task.Config{Backend: "openai/gpt"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	id, err := h.engine.Submit(ctx, "hello", task.Config{Backend: "anthropic/claude"})
	require.NoError(t, err)
	h.drain(t, id)
}
