// Package pipeline contains the orchestration engine: the stage graph and
// its transition rules, the stage executor, and the top-level engine that
// drives a task from submission to a terminal state.
//
// The design splits responsibilities so each piece is independently
// testable:
//
//   - Graph owns every "what runs next" decision, including the bounded
//     validate/repair loop and the conversational short-circuit. Edge
//     evaluation is pure: no I/O, no mutation.
//   - Executor wraps one stage invocation: events, timing, timeout, the
//     declared read/write contract, checkpointing, and normalizing
//     failures into stage-scoped errors. Stages never retry themselves.
//   - Engine loops Graph and Executor, applies edge side effects (the
//     iteration increment), enforces the error propagation policy, and
//     guarantees every started task ends with a terminal event.
package pipeline
