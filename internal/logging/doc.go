// Package logging wraps Zap with context-aware methods and redaction.
//
// The wrapper adds two things plain zap does not give us: correlation
// fields (task, stage, request, trace) pulled from the context on every
// call, and an encoder that redacts credential-shaped fields before they
// reach any sink. Packages that only need a plain *zap.Logger receive one
// via Underlying().
package logging
