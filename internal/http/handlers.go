package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// SubmitRequest is the request body for POST /api/v1/tasks.
type SubmitRequest struct {
	Input  string      `json:"input"`
	Config task.Config `json:"config"`
}

// SubmitResponse is the response body for POST /api/v1/tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse is the response body for GET /api/v1/tasks/:id. State is
// the latest durable snapshot; Stage names the last completed stage that
// snapshot covers.
type StatusResponse struct {
	TaskID  string      `json:"task_id"`
	Stage   string      `json:"stage"`
	Running bool        `json:"running"`
	State   *task.State `json:"state"`
}

// TaskActionResponse is the response body for resume and cancel.
type TaskActionResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ResumableResponse is the response body for GET /api/v1/tasks/resumable.
type ResumableResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// handleSubmitTask accepts a new task and returns its ID immediately. The
// pipeline runs asynchronously; progress arrives on the events endpoint.
func (s *Server) handleSubmitTask(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}

	id, err := s.services.Engine().Submit(c.Request().Context(), req.Input, req.Config)
	if err != nil {
		if errors.Is(err, pipeline.ErrShuttingDown) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
		}
		// Submit only fails on config validation past this point.
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{TaskID: id})
}

// handleTaskStatus returns the latest checkpointed snapshot of a task.
func (s *Server) handleTaskStatus(c echo.Context) error {
	taskID := c.Param("id")

	cp, err := s.services.Engine().Status(c.Request().Context(), taskID)
	if err != nil {
		return s.mapTaskError(err)
	}

	return c.JSON(http.StatusOK, StatusResponse{
		TaskID:  cp.TaskID,
		Stage:   cp.Stage,
		Running: s.services.Engine().IsRunning(taskID),
		State:   cp.State,
	})
}

// handleResumeTask restarts a checkpointed task from the successor of its
// last completed stage.
func (s *Server) handleResumeTask(c echo.Context) error {
	taskID := c.Param("id")

	if err := s.services.Engine().Resume(c.Request().Context(), taskID); err != nil {
		return s.mapTaskError(err)
	}

	return c.JSON(http.StatusAccepted, TaskActionResponse{TaskID: taskID, Status: "resumed"})
}

// handleCancelTask requests cooperative cancellation of a running task.
// The task reaches its terminal state at the next suspension point, not
// before this call returns.
func (s *Server) handleCancelTask(c echo.Context) error {
	taskID := c.Param("id")

	if err := s.services.Engine().Cancel(taskID); err != nil {
		return s.mapTaskError(err)
	}

	return c.JSON(http.StatusAccepted, TaskActionResponse{TaskID: taskID, Status: "cancelling"})
}

// handleListResumable lists tasks with a non-terminal checkpoint that are
// not currently running.
func (s *Server) handleListResumable(c echo.Context) error {
	ids, err := s.services.Engine().ListResumable(c.Request().Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, ResumableResponse{TaskIDs: ids})
}

// mapTaskError translates engine errors into HTTP status codes.
func (s *Server) mapTaskError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, pipeline.ErrAlreadyTerminal):
		return echo.NewHTTPError(http.StatusConflict, "task already reached a terminal state")
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return echo.NewHTTPError(http.StatusConflict, "task is already running")
	case errors.Is(err, pipeline.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	default:
		return err
	}
}
