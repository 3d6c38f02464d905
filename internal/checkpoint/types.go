package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// ErrNotFound is returned when a task has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// DefaultRetention is how long a task without new checkpoints remains
// resumable.
const DefaultRetention = 24 * time.Hour

// Checkpoint is an immutable snapshot of a task after a stage boundary.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`

	// TaskID is the task this checkpoint belongs to.
	TaskID string `json:"task_id"`

	// Stage is the name of the last completed stage.
	Stage string `json:"stage"`

	// Seq orders checkpoints within a task, matching stage completion
	// order.
	Seq int `json:"seq"`

	// State is the deep-copied task state at the boundary.
	State *task.State `json:"state"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves checkpoints.
type Store interface {
	// Save snapshots state after stage completed, returning the checkpoint
	// ID. Save must complete before the stage's end event is published.
	Save(ctx context.Context, taskID, stage string, state *task.State) (string, error)

	// LoadLatest returns the newest checkpoint for a task, or ErrNotFound.
	LoadLatest(ctx context.Context, taskID string) (*Checkpoint, error)

	// ListResumable returns ids of non-terminal tasks with a checkpoint
	// inside the retention window.
	ListResumable(ctx context.Context) ([]string, error)

	// Delete removes all checkpoints for a task.
	Delete(ctx context.Context, taskID string) error

	// Sweep garbage-collects checkpoints outside the retention window,
	// returning the number of tasks removed.
	Sweep(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}
