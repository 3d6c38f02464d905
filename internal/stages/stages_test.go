package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/checkpoint"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/retrieval"
	"github.com/fyrsmithlabs/flowd/internal/task"
	"github.com/fyrsmithlabs/flowd/internal/validation"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		name string
		text string
		want task.Intent
	}{
		{
			"clean json",
			`{"category": "generate", "confidence": 0.92}`,
			task.Intent{Category: task.IntentGenerate, Confidence: 0.92},
		},
		{
			"json embedded in prose",
			"Sure, here is the classification:\n{\"category\": \"conversational\", \"confidence\": 0.8}\nDone.",
			task.Intent{Category: task.IntentConversational, Confidence: 0.8},
		},
		{
			"confidence clamped",
			`{"category": "generate", "confidence": 3.5}`,
			task.Intent{Category: task.IntentGenerate, Confidence: 1},
		},
		{
			"unknown category in json",
			`{"category": "poetry", "confidence": 0.9}`,
			task.Intent{Category: task.IntentUnknown, Confidence: 0.9},
		},
		{
			"keyword fallback",
			"This looks conversational to me.",
			task.Intent{Category: task.IntentConversational, Confidence: 0.5},
		},
		{
			"garbage",
			"no idea",
			task.Intent{Category: task.IntentUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseIntent(tt.text))
		})
	}
}

func TestIntent_Execute(t *testing.T) {
	fake := backend.NewFake("fake", backend.FakeResponse{
		Text: `{"category": "generate", "confidence": 0.9}`,
	})
	stage := NewIntent(fake, nil)

	st := task.NewState("t-1", "write a parser", task.Config{MaxIterations: 1})
	require.NoError(t, stage.Execute(context.Background(), st))

	require.NotNil(t, st.Intent)
	assert.Equal(t, task.IntentGenerate, st.Intent.Category)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "write a parser", calls[0].Prompt)
}

func TestContext_RetrievalFailureIsNotFatal(t *testing.T) {
	provider := retrieval.ProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("vector store offline")
	})
	stage := NewContext(provider, nil)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	require.NoError(t, stage.Execute(context.Background(), st))
	assert.Empty(t, st.Context)
}

func TestContext_StoresFetchedContext(t *testing.T) {
	provider := retrieval.ProviderFunc(func(_ context.Context, query string) (string, error) {
		assert.Equal(t, "input", query)
		return "background material", nil
	})
	stage := NewContext(provider, nil)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	require.NoError(t, stage.Execute(context.Background(), st))
	assert.Equal(t, "background material", st.Context)
}

func TestGenerate_StreamsAndStoresAggregate(t *testing.T) {
	fake := backend.NewFake("fake", backend.FakeResponse{Text: "hello world", ChunkSize: 5})
	stage := NewGenerate(fake)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	st.Plan = "1. greet"

	var chunks []string
	emit := func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	}
	require.NoError(t, stage.ExecuteStream(context.Background(), st, emit))

	assert.Equal(t, []string{"hello", " worl", "d"}, chunks)
	assert.Equal(t, "hello world", st.Artifact)
}

func TestRepair_PromptCarriesFindings(t *testing.T) {
	fake := backend.NewFake("fake", backend.FakeResponse{Text: "fixed artifact"})
	stage := NewRepair(fake)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 2})
	st.Artifact = "broken artifact"
	st.Validation = &task.ValidationResult{
		Passed:   false,
		Findings: []task.Finding{{Tool: "tests", Message: "TestGreet failed"}},
	}

	require.NoError(t, stage.ExecuteStream(context.Background(), st, func(string) error { return nil }))
	assert.Equal(t, "fixed artifact", st.Artifact)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "broken artifact")
	assert.Contains(t, calls[0].Prompt, "TestGreet failed")
}

func TestPlan_ModelHintReachesBackend(t *testing.T) {
	fake := backend.NewFake("fake", backend.FakeResponse{Text: "1. outline"})
	stage := NewPlan(fake)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1, Model: "claude-haiku"})
	require.NoError(t, stage.Execute(context.Background(), st))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "claude-haiku", calls[0].Model)
}

// fixedReportTool always returns the same validation report.
type fixedReportTool struct {
	report *validation.Report
}

func (f *fixedReportTool) Name() string { return f.report.Tool }

func (f *fixedReportTool) Run(context.Context, string) (*validation.Report, error) {
	return f.report, nil
}

func TestValidate_TaskOverridesLowConfidencePolicy(t *testing.T) {
	// One tool fails without findings at low confidence. Under the strict
	// server policy that outcome stays failing; the per-task override
	// makes the same outcome pass.
	tool := &fixedReportTool{report: &validation.Report{Tool: "vibes", Passed: false, Confidence: 0.1}}
	v := validation.NewValidator([]validation.Tool{tool}, validation.Policy{MinConfidence: 0.9}, nil)
	stage := NewValidate(v)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	st.Artifact = "artifact"
	require.NoError(t, stage.Execute(context.Background(), st))
	require.NotNil(t, st.Validation)
	assert.False(t, st.Validation.Passed)

	allow := true
	st = task.NewState("t-2", "input", task.Config{MaxIterations: 1, LowConfidencePass: &allow})
	st.Artifact = "artifact"
	require.NoError(t, stage.Execute(context.Background(), st))
	require.NotNil(t, st.Validation)
	assert.True(t, st.Validation.Passed)
}

func TestValidate_AttemptTracksIterations(t *testing.T) {
	v := validation.NewValidator(nil, validation.Policy{}, nil)
	stage := NewValidate(v)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 3})
	st.Artifact = "artifact"
	st.IterationCount = 2

	require.NoError(t, stage.Execute(context.Background(), st))
	require.NotNil(t, st.Validation)
	assert.Equal(t, 3, st.Validation.Attempt)
	assert.True(t, st.Validation.Passed)
}

func TestReview_WritesSummary(t *testing.T) {
	fake := backend.NewFake("fake", backend.FakeResponse{Text: "all good"})
	stage := NewReview(fake)

	st := task.NewState("t-1", "input", task.Config{MaxIterations: 1})
	st.IterationCount = 1
	st.Validation = &task.ValidationResult{Passed: true}

	require.NoError(t, stage.Execute(context.Background(), st))
	assert.Equal(t, "all good", st.Summary)
}

// TestPipeline_EndToEnd drives a full task through the real handlers with
// a scripted backend: the first artifact fails a static rule, the repaired
// one passes.
func TestPipeline_EndToEnd(t *testing.T) {
	fake := backend.NewFake("fake",
		backend.FakeResponse{Text: `{"category": "generate", "confidence": 0.95}`}, // intent
		backend.FakeResponse{Text: "1. write greeting"},                            // plan
		backend.FakeResponse{Text: "expect output to contain hello"},              // tests
		backend.FakeResponse{Text: "TODO: implement greeting", ChunkSize: 8},      // generate
		backend.FakeResponse{Text: "hello world", ChunkSize: 4},                    // repair
		backend.FakeResponse{Text: "produced a greeting after one repair"},        // review
	)

	validator := validation.NewValidator([]validation.Tool{
		validation.NewRuleTool("static", []validation.Rule{
			validation.MustParseRule("no-todo", `TODO`, true, "unfinished work"),
		}),
	}, validation.Policy{LowConfidencePass: true}, nil)

	bus := events.NewBus(0, nil)
	store := checkpoint.NewMemoryStore(0)
	exec := pipeline.NewExecutor(bus, store, time.Minute, nil)
	RegisterAll(exec, Deps{Backend: fake, Validator: validator})

	engine := pipeline.NewEngine(pipeline.EngineConfig{MaxConcurrent: 1}, exec, store, bus, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	id, err := engine.Submit(context.Background(), "greet the world", task.Config{MaxIterations: 3})
	require.NoError(t, err)

	ch, cancel := bus.Subscribe(id, 1)
	defer cancel()
	deadline := time.After(10 * time.Second)
	var last events.Event
	for open := true; open; {
		select {
		case ev, ok := <-ch:
			if !ok {
				open = false
				break
			}
			last = ev
		case <-deadline:
			t.Fatal("pipeline did not finish")
		}
	}
	assert.Equal(t, events.KindEnd, last.Kind)
	assert.Equal(t, "completed", last.Payload)

	cp, err := engine.Status(context.Background(), id)
	require.NoError(t, err)
	st := cp.State
	assert.True(t, st.Terminal)
	assert.Equal(t, 1, st.IterationCount)
	assert.Equal(t, "hello world", st.Artifact)
	require.NotNil(t, st.Validation)
	assert.True(t, st.Validation.Passed)
	assert.Equal(t, "produced a greeting after one repair", st.Summary)
}
