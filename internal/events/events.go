package events

import "time"

// Kind classifies a pipeline event.
type Kind string

const (
	// KindStart marks a stage beginning execution.
	KindStart Kind = "start"

	// KindProgress is a coarse progress report within a stage.
	KindProgress Kind = "progress"

	// KindContentChunk carries a fragment of streamed stage output.
	KindContentChunk Kind = "content_chunk"

	// KindEnd marks a stage (or the whole pipeline) completing.
	KindEnd Kind = "end"

	// KindError marks a stage (or the whole pipeline) failing.
	KindError Kind = "error"
)

// Evictable reports whether events of this kind may be dropped when a
// task's buffer is full. Lifecycle events are never dropped.
func (k Kind) Evictable() bool {
	return k == KindProgress || k == KindContentChunk
}

// Event is one immutable progress record. Sequence is assigned by the
// task's Channel at publish time and increases monotonically per task.
type Event struct {
	TaskID    string    `json:"task_id"`
	Stage     string    `json:"stage"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}
