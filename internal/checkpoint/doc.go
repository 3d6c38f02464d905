// Package checkpoint persists task state snapshots at stage boundaries so
// a task survives process restarts.
//
// A checkpoint is an immutable copy of the task state plus the name of the
// last completed stage. Checkpoints are superseded, never mutated; resume
// loads the latest one and continues from the successor of its stage, so a
// completed stage is never re-run. Tasks whose newest checkpoint is older
// than the retention window are considered abandoned and excluded from
// ListResumable.
//
// Three stores are provided: an in-memory store for tests and ephemeral
// deployments, a filesystem store writing one JSON file per checkpoint,
// and a PostgreSQL store for shared durability.
package checkpoint
