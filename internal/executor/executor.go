// Package executor runs one untrusted source payload to completion inside a
// disposable execution unit and reports what it printed.
//
// The Supervisor owns a job end to end: it stages the payload, asks the
// Runtime for a fresh unit, runs it under a wall-clock ceiling, collects
// stdout/stderr and releases every resource before returning. The Runtime is
// an interface so tests can drive the Supervisor with a fake instead of a
// container daemon.
package executor

import (
	"context"
)

// ExecutionRequest is one request to run a source payload.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

// ExecutionResult is the outcome of a job that ran (to completion or until
// it was cut off by the timeout).
type ExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// Executor represents the core interface for running code in an isolated environment.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}
