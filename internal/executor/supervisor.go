package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/language"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/workspace"
)

// MaxCodeLength caps the size of a submitted payload (~100KB of code).
const MaxCodeLength = 100000

// Stager stages payloads on the host for InjectBind. *workspace.Provisioner
// implements it.
type Stager interface {
	Create(jobID string) (workspace.Workspace, error)
	WriteSource(ws workspace.Workspace, filename string, content []byte) error
	Destroy(ws workspace.Workspace)
}

// Config holds the Supervisor's fixed policy.
type Config struct {
	Limits   Limits
	Strategy InjectStrategy

	// CollectGrace bounds how long output collection waits for the streams
	// to drain after the unit exited or was killed.
	CollectGrace time.Duration

	// OperationBudget bounds the runtime calls around the run itself
	// (create, inject, attach, start). The whole job is bounded by
	// OperationBudget + Limits.Timeout.
	OperationBudget time.Duration
}

// DefaultConfig returns copy-in injection with DefaultLimits.
func DefaultConfig() Config {
	return Config{
		Limits:          DefaultLimits(),
		Strategy:        InjectCopy,
		CollectGrace:    500 * time.Millisecond,
		OperationBudget: 30 * time.Second,
	}
}

// Supervisor implements Executor. It holds no per-job state, so one
// Supervisor serves any number of concurrent jobs.
type Supervisor struct {
	runtime  Runtime
	stager   Stager
	registry *language.Registry
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// inflight counts jobs between admission and cleanup, including jobs
	// whose caller has already gone away.
	inflight sync.WaitGroup
}

// NewSupervisor wires a Supervisor. stager may be nil unless cfg.Strategy is
// InjectBind; m may be nil.
func NewSupervisor(rt Runtime, stager Stager, registry *language.Registry, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if rt == nil {
		return nil, errors.New("executor: runtime is required")
	}
	if registry == nil {
		return nil, errors.New("executor: language registry is required")
	}
	if cfg.Strategy == InjectBind && stager == nil {
		return nil, errors.New("executor: bind injection requires a workspace provisioner")
	}
	if cfg.Limits.Timeout <= 0 {
		return nil, errors.New("executor: timeout must be positive")
	}
	if cfg.OperationBudget <= 0 {
		cfg.OperationBudget = DefaultConfig().OperationBudget
	}
	return &Supervisor{
		runtime:  rt,
		stager:   stager,
		registry: registry,
		config:   cfg,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Execute validates req, resolves its language and runs it. Invalid
// requests are rejected before any resource is created.
func (s *Supervisor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if strings.TrimSpace(req.Language) == "" {
		return nil, apperror.ValidationFailed("language", "language is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperror.ValidationFailed("code", "code is required")
	}
	if len(req.Code) > MaxCodeLength {
		return nil, apperror.ValidationFailed("code", fmt.Sprintf("code must be at most %d bytes", MaxCodeLength))
	}

	profile, err := s.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}

	var stdin []byte
	if req.Stdin != "" {
		stdin = []byte(req.Stdin)
	}
	return s.Run(ctx, profile, req.Code, stdin)
}

// Drain blocks until every job that has entered Run has cleaned up, or ctx
// is done. The runtime must stay usable until Drain returns, since cleanup
// goes through it.
func (s *Supervisor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: jobs still running: %w", ctx.Err())
	}
}

// job is the per-invocation record. It is never shared between calls.
type job struct {
	id      string
	profile language.Profile
	source  []byte
	stdin   []byte
	state   State

	ws     *workspace.Workspace
	unit   Unit
	attach Attachment
	logger *slog.Logger
}

func (j *job) transition(to State) {
	if !canTransition(j.state, to) {
		j.logger.Error("illegal job state transition",
			slog.String("from", j.state.String()),
			slog.String("to", to.String()),
		)
	}
	j.logger.Debug("job state", slog.String("from", j.state.String()), slog.String("to", to.String()))
	j.state = to
}

// Run executes source with profile. It returns a result for Completed and
// TimedOut jobs and a classified *apperror.AppError for Failed ones. The
// workspace and unit are released before Run returns, on every path.
//
// Caller cancellation does not abort a job: the run is bounded by the
// configured timeout and the operation budget instead.
func (s *Supervisor) Run(ctx context.Context, profile language.Profile, source string, stdin []byte) (result *ExecutionResult, err error) {
	j := &job{
		id:      uuid.NewString(),
		profile: profile,
		source:  []byte(source),
		state:   StateCreated,
	}
	if profile.Stdin {
		j.stdin = stdin
	}
	j.logger = s.logger.With(slog.String("job_id", j.id), slog.String("language", profile.Key))

	s.inflight.Add(1)
	defer s.inflight.Done()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.OperationBudget+s.config.Limits.Timeout)
	defer cancel()

	start := time.Now()
	s.metrics.JobStarted()
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("job panicked", slog.Any("panic", r))
			if j.state < StateCompleted {
				j.transition(StateFailed)
			}
			result, err = nil, apperror.RuntimeUnavailable("execution failed unexpectedly")
		}
		s.cleanup(j)
		s.metrics.JobFinished(profile.Key, outcomeLabel(err, result), time.Since(start).Seconds())
	}()

	result, err = s.run(jobCtx, j)
	if err != nil {
		j.transition(StateFailed)
		j.logger.Warn("job failed", slog.String("error", err.Error()))
		return nil, classify(err)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (s *Supervisor) run(ctx context.Context, j *job) (*ExecutionResult, error) {
	spec := UnitSpec{
		JobID:   j.id,
		Profile: j.profile,
		Limits:  s.config.Limits,
		Stdin:   j.stdin != nil,
	}

	if s.config.Strategy == InjectBind {
		ws, err := s.stager.Create(j.id)
		if err != nil {
			return nil, fmt.Errorf("provisioning workspace: %w", err)
		}
		j.ws = &ws
		if err := s.stager.WriteSource(ws, j.profile.Filename, j.source); err != nil {
			return nil, fmt.Errorf("writing source: %w", err)
		}
		spec.Mount = ws.DaemonPath
	}
	j.transition(StateProvisioned)

	unit, err := s.runtime.CreateUnit(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating unit: %w", err)
	}
	j.unit = unit
	j.logger = j.logger.With(slog.String("unit_id", unit.ID()))

	if s.config.Strategy == InjectCopy {
		if err := s.runtime.InjectPayload(ctx, unit, j.profile.Filename, j.source); err != nil {
			return nil, fmt.Errorf("injecting payload: %w", err)
		}
	}
	j.transition(StateInjected)

	attach, err := s.runtime.AttachOutputs(ctx, unit, j.stdin)
	if err != nil {
		return nil, fmt.Errorf("attaching outputs: %w", err)
	}
	j.attach = attach

	if err := s.runtime.Start(ctx, unit); err != nil {
		return nil, fmt.Errorf("starting unit: %w", err)
	}
	j.transition(StateRunning)

	wait, err := s.runtime.WaitOrTimeout(ctx, unit, s.config.Limits.Timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for unit: %w", err)
	}

	out := attach.Collect(s.config.CollectGrace)
	result := &ExecutionResult{
		Stdout:    normalize(out.Stdout, j.profile.TrimTrailingNewline),
		Stderr:    normalize(out.Stderr, j.profile.TrimTrailingNewline),
		ExitCode:  wait.ExitCode,
		Truncated: out.Truncated,
	}
	if wait.TimedOut {
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
		j.transition(StateTimedOut)
		j.logger.Info("job timed out", slog.Duration("timeout", s.config.Limits.Timeout))
	} else {
		j.transition(StateCompleted)
		j.logger.Info("job completed", slog.Int("exit_code", wait.ExitCode))
	}
	return result, nil
}

// cleanup releases the unit and workspace. It runs on every exit path of Run.
func (s *Supervisor) cleanup(j *job) {
	if j.attach != nil {
		j.attach.Collect(0)
	}
	if j.unit != nil {
		s.runtime.Dispose(j.unit)
	}
	if j.ws != nil {
		s.stager.Destroy(*j.ws)
	}
	if j.state.terminal() {
		j.transition(StateCleaned)
	}
}

// classify converts an internal failure into the error reported to callers.
func classify(err error) error {
	var appErr *apperror.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, ErrImageNotFound):
		return apperror.RuntimeUnavailable("execution image is not available")
	case errors.Is(err, ErrInjection), errors.Is(err, workspace.ErrIO):
		return apperror.InjectionFailed("could not stage source code for execution")
	default:
		return apperror.RuntimeUnavailable("execution runtime unavailable")
	}
}

func outcomeLabel(err error, res *ExecutionResult) string {
	switch {
	case err != nil:
		return StateFailed.String()
	case res != nil && res.TimedOut:
		return StateTimedOut.String()
	default:
		return StateCompleted.String()
	}
}

// normalize converts CRLF to LF and optionally drops one trailing newline.
func normalize(b []byte, trimNewline bool) string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	if trimNewline {
		s = strings.TrimSuffix(s, "\n")
	}
	return s
}
