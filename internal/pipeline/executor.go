package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/breaker"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/flowd/internal/pipeline"

// DefaultStageTimeout bounds a stage invocation when the task config leaves
// StageTimeout unset.
const DefaultStageTimeout = 5 * time.Minute

// Publisher is the event sink the executor reports through. *events.Bus
// satisfies it.
type Publisher interface {
	Publish(taskID string, ev events.Event) uint64
}

// Checkpointer snapshots task state at stage boundaries. checkpoint.Store
// satisfies it.
type Checkpointer interface {
	Save(ctx context.Context, taskID, stage string, state *task.State) (string, error)
}

// Executor runs one stage at a time: start event, handler invocation under
// a per-stage timeout, contract enforcement, checkpoint, end event. Any
// failure is normalized into a *StageError; the executor never retries.
type Executor struct {
	publisher   Publisher
	checkpoints Checkpointer
	timeout     time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer

	handlers map[Stage]Handler
}

// NewExecutor creates an executor. checkpoints may be nil to disable
// snapshotting (tests only).
func NewExecutor(publisher Publisher, checkpoints Checkpointer, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		publisher:   publisher,
		checkpoints: checkpoints,
		timeout:     timeout,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		handlers:    make(map[Stage]Handler),
	}
}

// Register adds a stage handler, replacing any previous registration for
// the same stage.
func (e *Executor) Register(h Handler) {
	e.handlers[h.Stage()] = h
}

// Handler returns the registered handler for a stage.
func (e *Executor) Handler(stage Stage) (Handler, bool) {
	h, ok := e.handlers[stage]
	return h, ok
}

// Run executes one stage against the task state. On success the state has
// been checkpointed and the end event published. On failure the returned
// error is always a *StageError and the failure has been recorded in the
// task's error log.
func (e *Executor) Run(ctx context.Context, stage Stage, st *task.State) error {
	h, ok := e.handlers[stage]
	if !ok {
		return e.fail(st, &StageError{
			Stage:    stage,
			Category: task.FailureInternal,
			Err:      fmt.Errorf("no handler registered for stage %s", stage),
		})
	}

	timeout := st.Config.StageTimeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.stage."+string(stage),
		trace.WithAttributes(
			attribute.String("task.id", st.TaskID),
			attribute.Int("task.iteration", st.IterationCount),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.publish(st.TaskID, stage, events.KindStart, "")
	started := time.Now()

	snap := snapshotOutsideWrites(st, h.Contract())
	err := e.invoke(ctx, h, st)
	if err == nil && st.CancelRequested() {
		err = ErrCancelled
	}
	if err != nil {
		serr := &StageError{Stage: stage, Category: e.categorize(ctx, stage, st, err), Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return e.fail(st, serr)
	}

	if bad := violatedFields(st, snap); len(bad) > 0 {
		serr := &StageError{
			Stage:    stage,
			Category: task.FailureInternal,
			Err:      fmt.Errorf("undeclared writes to %v", bad),
		}
		span.SetStatus(codes.Error, serr.Error())
		return e.fail(st, serr)
	}

	st.Touch()
	if e.checkpoints != nil {
		// The snapshot must be durable before anyone can observe the end
		// event, otherwise resume could re-run a completed stage.
		if _, err := e.checkpoints.Save(ctx, st.TaskID, string(stage), st); err != nil {
			serr := &StageError{
				Stage:    stage,
				Category: task.FailureInternal,
				Err:      fmt.Errorf("checkpoint: %w", err),
			}
			span.SetStatus(codes.Error, serr.Error())
			return e.fail(st, serr)
		}
	}

	e.publish(st.TaskID, stage, events.KindEnd, "")
	e.logger.Debug("stage completed",
		zap.String("task_id", st.TaskID),
		zap.String("stage", string(stage)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// invoke dispatches on the handler's declared kind. Streaming handlers get
// an emit function that forwards chunks to the event stream and surfaces
// cooperative cancellation between chunks.
func (e *Executor) invoke(ctx context.Context, h Handler, st *task.State) error {
	switch h.Kind() {
	case KindStreaming:
		sh, ok := h.(StreamingHandler)
		if !ok {
			return fmt.Errorf("handler for %s declares streaming but does not implement it", h.Stage())
		}
		emit := func(chunk string) error {
			if st.CancelRequested() {
				return ErrCancelled
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			e.publish(st.TaskID, h.Stage(), events.KindContentChunk, chunk)
			return nil
		}
		return sh.ExecuteStream(ctx, st, emit)
	default:
		bh, ok := h.(BlockingHandler)
		if !ok {
			return fmt.Errorf("handler for %s declares blocking but does not implement it", h.Stage())
		}
		return bh.Execute(ctx, st)
	}
}

// fail records the failure, publishes the error event, and returns the
// stage error.
func (e *Executor) fail(st *task.State, serr *StageError) error {
	st.RecordFailure(serr.Failure())
	e.publish(st.TaskID, serr.Stage, events.KindError, serr.Err.Error())
	e.logger.Warn("stage failed",
		zap.String("task_id", st.TaskID),
		zap.String("stage", string(serr.Stage)),
		zap.String("category", string(serr.Category)),
		zap.Error(serr.Err),
	)
	return serr
}

func (e *Executor) publish(taskID string, stage Stage, kind events.Kind, payload string) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(taskID, events.Event{
		TaskID:    taskID,
		Stage:     string(stage),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// categorize maps a raw handler error to the failure taxonomy. Precedence:
// cancellation, circuit open, timeout, then the stage's dominant failure
// mode.
func (e *Executor) categorize(ctx context.Context, stage Stage, st *task.State, err error) task.FailureCategory {
	switch {
	case errors.Is(err, ErrCancelled) || st.CancelRequested() || errors.Is(err, context.Canceled):
		return task.FailureCancelled
	case errors.Is(err, breaker.ErrOpen):
		return task.FailureCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return task.FailureTimeout
	}
	switch stage {
	case StageIntent, StagePlan, StageTests, StageGenerate, StageRepair, StageReview:
		return task.FailureBackend
	case StageValidate:
		return task.FailureValidationTool
	}
	return task.FailureInternal
}
