package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleTaskEvents streams a task's events over Server-Sent Events. The
// replay buffer is served first, then live events until the task completes
// or the client disconnects. ?from=N resumes after a dropped connection.
func (s *Server) handleTaskEvents(c echo.Context) error {
	taskID := c.Param("id")

	engine := s.services.Engine()
	if !engine.IsRunning(taskID) {
		if _, err := engine.Status(c.Request().Context(), taskID); err != nil {
			return s.mapTaskError(err)
		}
	}

	var from uint64 = 1
	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative integer")
		}
		from = parsed
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so events reach the client as they happen.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, cancel := s.services.Events().Subscribe(taskID, from)
	defer cancel()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				// Stream complete: the task reached a terminal state and the
				// buffer has been fully replayed.
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				w.Flush()
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event",
					zap.String("task_id", taskID),
					zap.Error(err),
				)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
			w.Flush()
		}
	}
}
