package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/code-executor/internal/language"
)

// Errors a Runtime wraps so the Supervisor can classify failures without
// knowing which daemon is behind it.
var (
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrImageNotFound      = errors.New("image not found")
	ErrInjection          = errors.New("payload injection failed")
)

// TimeoutExitCode is reported as the exit status of a unit killed by the
// timeout (same as coreutils timeout(1)).
const TimeoutExitCode = 124

// InjectStrategy selects how the payload reaches the unit.
type InjectStrategy string

const (
	// InjectCopy streams a tar archive into the created unit. It works with
	// any daemon topology and is the default.
	InjectCopy InjectStrategy = "copy"
	// InjectBind stages the payload in a workspace and bind-mounts it
	// read-only. The daemon must be able to see the workspace path.
	InjectBind InjectStrategy = "bind"
)

// ParseInjectStrategy converts a config value into an InjectStrategy.
func ParseInjectStrategy(s string) (InjectStrategy, error) {
	switch InjectStrategy(s) {
	case InjectCopy, "":
		return InjectCopy, nil
	case InjectBind:
		return InjectBind, nil
	default:
		return "", fmt.Errorf("unknown inject strategy %q (want copy or bind)", s)
	}
}

// Limits is the fixed resource policy every unit is created with.
type Limits struct {
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultLimits returns the baseline policy: 256 MiB, one CPU, 3 seconds.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes:    256 * 1024 * 1024,
		NanoCPUs:       1_000_000_000,
		PidsLimit:      64,
		Timeout:        3 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

// UnitSpec is everything a Runtime needs to create an execution unit.
type UnitSpec struct {
	JobID   string
	Profile language.Profile
	Limits  Limits

	// Mount is the daemon-visible workspace directory for InjectBind. It is
	// empty for InjectCopy.
	Mount string

	// Stdin opens the unit's standard input.
	Stdin bool
}

// Unit is an opaque handle to a created execution unit.
type Unit interface {
	ID() string
}

// Output is the captured content of both streams.
type Output struct {
	Stdout    []byte
	Stderr    []byte
	Truncated bool
}

// Attachment accumulates a unit's output streams.
type Attachment interface {
	// Collect waits up to grace for both streams to drain, releases the
	// underlying connection and returns what was captured. It is safe to call
	// more than once; later calls return the same Output.
	Collect(grace time.Duration) Output
}

// WaitResult is how a unit's run ended.
type WaitResult struct {
	ExitCode int
	TimedOut bool
}

// Runtime creates, drives and removes execution units.
type Runtime interface {
	CreateUnit(ctx context.Context, spec UnitSpec) (Unit, error)
	InjectPayload(ctx context.Context, unit Unit, filename string, content []byte) error
	// AttachOutputs must be called before Start. stdin, if non-nil, is
	// written to the unit's input once and then closed.
	AttachOutputs(ctx context.Context, unit Unit, stdin []byte) (Attachment, error)
	Start(ctx context.Context, unit Unit) error
	// WaitOrTimeout blocks until the unit exits or timeout elapses. On
	// timeout the unit is killed and TimedOut is reported; that is not an error.
	WaitOrTimeout(ctx context.Context, unit Unit, timeout time.Duration) (WaitResult, error)
	// Dispose removes the unit. Failures are logged by the runtime.
	Dispose(unit Unit)
}
