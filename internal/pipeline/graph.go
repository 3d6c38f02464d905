package pipeline

import "github.com/fyrsmithlabs/flowd/internal/task"

// ActionKind is the shape of a graph decision.
type ActionKind int

const (
	// ActionRun executes the named stage next.
	ActionRun ActionKind = iota

	// ActionTerminate ends the pipeline; no further stage runs.
	ActionTerminate
)

// NextAction is one pure routing decision. Side effects it implies (the
// iteration increment) are described declaratively and applied by the
// engine, never by the graph itself.
type NextAction struct {
	Kind  ActionKind
	Stage Stage

	// Skipped lists stages bypassed by this decision, for logging.
	Skipped []Stage

	// IncrementIteration is set on the validate→repair edge. The engine
	// bumps the task's iteration count before running the stage.
	IncrementIteration bool

	// Reason explains a termination decision.
	Reason string
}

func run(s Stage) NextAction { return NextAction{Kind: ActionRun, Stage: s} }

func terminate(why string) NextAction {
	return NextAction{Kind: ActionTerminate, Reason: why}
}

// Graph holds the pipeline's transition rules. Next is a pure function of
// the completed stage and the task state: it performs no I/O and mutates
// nothing, so every routing rule is table-testable.
type Graph struct{}

// NewGraph returns the standard pipeline graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Next decides what follows the given completed stage. current == "" means
// the task has not run any stage yet.
func (g *Graph) Next(current Stage, st *task.State) NextAction {
	if st.Terminal {
		return terminate(st.TerminalReason)
	}
	if st.CancelRequested() {
		return terminate("cancelled")
	}

	switch current {
	case "":
		return run(StageIntent)

	case StageIntent:
		if st.Intent != nil && st.Intent.Category == task.IntentConversational {
			return terminate("conversational")
		}
		return run(StagePlan)

	case StagePlan:
		if !st.Config.EnableRetrieval {
			a := run(StageTests)
			a.Skipped = []Stage{StageContext}
			return a
		}
		return run(StageContext)

	case StageContext:
		return run(StageTests)

	case StageTests:
		return run(StageGenerate)

	case StageGenerate:
		return run(StageValidate)

	case StageValidate:
		if validationPassed(st) {
			return run(StageReview)
		}
		if st.IterationCount >= st.Config.MaxIterations {
			// Budget exhausted: review sees the failing result as-is.
			return run(StageReview)
		}
		a := run(StageRepair)
		a.IncrementIteration = true
		return a

	case StageRepair:
		return run(StageValidate)

	case StageReview:
		return terminate("completed")
	}

	return terminate("unknown stage " + string(current))
}

func validationPassed(st *task.State) bool {
	return st.Validation != nil && st.Validation.Passed
}
