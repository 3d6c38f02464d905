package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/checkpoint"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// EngineConfig tunes the engine.
type EngineConfig struct {
	// MaxConcurrent bounds the number of tasks executing stages at once.
	// Additional tasks queue until a slot frees.
	MaxConcurrent int

	// DefaultMaxIterations is the repair budget applied to submissions
	// that leave MaxIterations unset. Zero falls back to the task package
	// default.
	DefaultMaxIterations int

	// Backends lists the backend identities reachable by stage handlers.
	// A submission hinting at an identity outside this list is rejected;
	// an empty list disables the check.
	Backends []string

	// SweepInterval is how often completed event channels and expired
	// checkpoints are garbage-collected. Zero disables the sweeper.
	SweepInterval time.Duration

	// EventRetention is how long a completed task's event channel stays
	// replayable.
	EventRetention time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.EventRetention <= 0 {
		c.EventRetention = time.Hour
	}
}

// Engine drives tasks through the pipeline graph. Each task runs on its
// own goroutine; the engine owns the task state for the duration of the
// run and is the only writer apart from the cancellation flag.
type Engine struct {
	cfg         EngineConfig
	graph       *Graph
	exec        *Executor
	checkpoints checkpoint.Store
	bus         *events.Bus
	logger      *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sem         chan struct{}
	sweeperDone chan struct{}

	mu      sync.Mutex
	running map[string]*task.State
	closed  bool

	tasksStarted  metric.Int64Counter
	tasksFinished metric.Int64Counter
	repairs       metric.Int64Counter
}

// NewEngine creates an engine. Stage handlers must be registered on the
// executor before the first Submit.
func NewEngine(cfg EngineConfig, exec *Executor, checkpoints checkpoint.Store, bus *events.Bus, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		graph:       NewGraph(),
		exec:        exec,
		checkpoints: checkpoints,
		bus:         bus,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		running:     make(map[string]*task.State),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if e.tasksStarted, err = meter.Int64Counter("flowd.tasks.started_total",
		metric.WithDescription("Tasks accepted for execution")); err != nil {
		logger.Warn("failed to create started counter", zap.Error(err))
	}
	if e.tasksFinished, err = meter.Int64Counter("flowd.tasks.finished_total",
		metric.WithDescription("Tasks reaching a terminal state")); err != nil {
		logger.Warn("failed to create finished counter", zap.Error(err))
	}
	if e.repairs, err = meter.Int64Counter("flowd.repair.iterations_total",
		metric.WithDescription("Repair iterations executed")); err != nil {
		logger.Warn("failed to create repair counter", zap.Error(err))
	}

	if cfg.SweepInterval > 0 {
		e.sweeperDone = make(chan struct{})
		go e.sweepLoop()
	}
	return e
}

// Submit accepts a new task and starts it asynchronously. It returns the
// generated task ID immediately.
func (e *Engine) Submit(_ context.Context, input string, cfg task.Config) (string, error) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = e.cfg.DefaultMaxIterations
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := e.checkBackendHint(cfg.Backend); err != nil {
		return "", err
	}

	st := task.NewState(uuid.NewString(), input, cfg)
	if err := e.launch(st, ""); err != nil {
		return "", err
	}

	if e.tasksStarted != nil {
		e.tasksStarted.Add(context.Background(), 1)
	}
	e.logger.Info("task submitted",
		zap.String("task_id", st.TaskID),
		zap.Int("max_iterations", cfg.MaxIterations),
	)
	return st.TaskID, nil
}

// checkBackendHint rejects a backend hint naming an identity no stage
// handler can reach. An empty hint always passes.
func (e *Engine) checkBackendHint(hint string) error {
	if hint == "" || len(e.cfg.Backends) == 0 {
		return nil
	}
	for _, id := range e.cfg.Backends {
		if id == hint {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownBackend, hint)
}

// Resume restarts a checkpointed task from the successor of its last
// completed stage. Completed stages are never re-run.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	e.mu.Lock()
	_, isRunning := e.running[taskID]
	e.mu.Unlock()
	if isRunning {
		return ErrAlreadyRunning
	}

	cp, err := e.checkpoints.LoadLatest(ctx, taskID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	if cp.State.Terminal {
		return ErrAlreadyTerminal
	}

	if err := e.launch(cp.State, Stage(cp.Stage)); err != nil {
		return err
	}
	e.logger.Info("task resumed",
		zap.String("task_id", taskID),
		zap.String("after_stage", cp.Stage),
	)
	return nil
}

// Cancel requests cooperative cancellation of a running task. The task
// observes the flag at its next suspension point; in-flight backend work
// is never interrupted mid-call.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	st, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	st.RequestCancel()
	e.logger.Info("task cancellation requested", zap.String("task_id", taskID))
	return nil
}

// ListResumable returns task IDs with a non-terminal checkpoint inside the
// retention window, excluding tasks currently running.
func (e *Engine) ListResumable(ctx context.Context) ([]string, error) {
	ids, err := e.checkpoints.ListResumable(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := ids[:0]
	for _, id := range ids {
		if _, running := e.running[id]; !running {
			out = append(out, id)
		}
	}
	return out, nil
}

// Status returns the latest durable snapshot of a task.
func (e *Engine) Status(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	cp, err := e.checkpoints.LoadLatest(ctx, taskID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return cp, err
}

// IsRunning reports whether a task is currently executing.
func (e *Engine) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// Shutdown stops accepting work and waits for running tasks to finish
// until ctx expires. Tasks still running at the deadline are abandoned at
// their last checkpoint and remain resumable after restart.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.cancel()
	<-done
	if e.sweeperDone != nil {
		<-e.sweeperDone
	}
	return err
}

func (e *Engine) launch(st *task.State, after Stage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}
	if _, ok := e.running[st.TaskID]; ok {
		return ErrAlreadyRunning
	}
	e.running[st.TaskID] = st
	e.wg.Add(1)
	go e.run(st, after)
	return nil
}

// run is the per-task driver loop: ask the graph what comes next, apply
// edge side effects, execute, route errors.
func (e *Engine) run(st *task.State, after Stage) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, st.TaskID)
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
	case <-e.ctx.Done():
		e.park(st)
		return
	}
	defer func() { <-e.sem }()

	current := after
	for {
		if e.ctx.Err() != nil && !st.CancelRequested() {
			e.park(st)
			return
		}

		action := e.graph.Next(current, st)
		if action.Kind == ActionTerminate {
			e.finalize(st, action.Reason, nil)
			return
		}
		if action.IncrementIteration {
			st.IterationCount++
			st.Touch()
			if e.repairs != nil {
				e.repairs.Add(context.Background(), 1)
			}
		}
		if len(action.Skipped) > 0 {
			e.logger.Debug("skipping stages",
				zap.String("task_id", st.TaskID),
				zap.Any("skipped", action.Skipped),
			)
		}

		err := e.exec.Run(e.ctx, action.Stage, st)
		if err == nil {
			current = action.Stage
			continue
		}

		var serr *StageError
		if !errors.As(err, &serr) {
			serr = &StageError{Stage: action.Stage, Category: task.FailureInternal, Err: err}
		}

		switch {
		case serr.Category == task.FailureCancelled:
			if st.CancelRequested() {
				e.finalize(st, "cancelled", nil)
			} else {
				// Engine shutdown, not a user cancel: leave the task at its
				// last checkpoint.
				e.park(st)
			}
			return

		case healable(serr.Stage):
			e.heal(st, serr)
			current = serr.Stage
			continue

		default:
			e.finalize(st, "failed", &FatalError{Err: serr})
			return
		}
	}
}

// healable reports whether a stage failure feeds the repair loop instead
// of terminating the task. Only the validate/repair window qualifies; the
// iteration budget still bounds the loop.
func healable(s Stage) bool {
	return s == StageValidate || s == StageRepair
}

// heal folds a validate-stage failure into a failing validation outcome so
// the graph routes to repair with something actionable. Repair-stage
// failures keep the previous validation result; re-validation of the
// unchanged artifact follows.
func (e *Engine) heal(st *task.State, serr *StageError) {
	e.logger.Warn("recoverable stage failure, entering repair loop",
		zap.String("task_id", st.TaskID),
		zap.String("stage", string(serr.Stage)),
		zap.Int("iteration", st.IterationCount),
	)
	if serr.Stage != StageValidate {
		return
	}
	st.Validation = &task.ValidationResult{
		Passed:     false,
		Confidence: 0,
		Findings: []task.Finding{{
			Tool:     "pipeline",
			Message:  serr.Err.Error(),
			Severity: "error",
		}},
		Attempt:   st.IterationCount + 1,
		CheckedAt: time.Now().UTC(),
	}
}

// finalize freezes the task, writes the terminal checkpoint, publishes the
// terminal pipeline event, and completes the event stream. Every started
// task ends here exactly once.
func (e *Engine) finalize(st *task.State, reason string, fatal *FatalError) {
	st.MarkTerminal(reason)

	if e.checkpoints != nil {
		// Detached context: finalization must survive engine shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.checkpoints.Save(ctx, st.TaskID, StagePipeline, st); err != nil {
			e.logger.Error("terminal checkpoint failed",
				zap.String("task_id", st.TaskID),
				zap.Error(err),
			)
		}
	}

	kind := events.KindEnd
	payload := st.TerminalReason
	if fatal != nil {
		kind = events.KindError
		payload = fatal.Error()
	}
	if e.bus != nil {
		e.bus.Publish(st.TaskID, events.Event{
			TaskID:    st.TaskID,
			Stage:     StagePipeline,
			Kind:      kind,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
		e.bus.CloseTask(st.TaskID)
	}

	if e.tasksFinished != nil {
		e.tasksFinished.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", st.TerminalReason)))
	}
	e.logger.Info("task finished",
		zap.String("task_id", st.TaskID),
		zap.String("reason", st.TerminalReason),
		zap.Int("iterations", st.IterationCount),
	)
}

// park abandons a task at its last checkpoint during shutdown. The task
// stays non-terminal and shows up in ListResumable after restart.
func (e *Engine) park(st *task.State) {
	e.logger.Info("task parked for resume",
		zap.String("task_id", st.TaskID),
	)
}

func (e *Engine) sweepLoop() {
	defer close(e.sweeperDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.bus != nil {
				e.bus.Sweep(e.cfg.EventRetention)
			}
			if e.checkpoints != nil {
				ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
				if n, err := e.checkpoints.Sweep(ctx); err != nil {
					e.logger.Warn("checkpoint sweep failed", zap.Error(err))
				} else if n > 0 {
					e.logger.Debug("swept checkpoints", zap.Int("tasks", n))
				}
				cancel()
			}
		}
	}
}
