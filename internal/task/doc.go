// Package task defines the mutable per-task state record threaded through
// the pipeline, together with the task configuration consumed once at
// submission time.
//
// A State instance has exactly one writer for its lifetime: the pipeline
// engine that owns the task. Stages receive the state by reference and may
// only write the fields belonging to their declared contract. The only
// field touched from outside the owning goroutine is the cooperative
// cancellation flag, which is atomic and excluded from serialization.
package task
