package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/language"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/workspace"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type harness struct {
	sup     *Supervisor
	rt      *fakeRuntime
	baseDir string
}

func newHarness(t *testing.T, strategy InjectStrategy, timeout time.Duration) *harness {
	t.Helper()
	base := t.TempDir()
	prov, err := workspace.NewProvisioner(base, "", testLogger, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.Limits.Timeout = timeout

	rt := newFakeRuntime()
	sup, err := NewSupervisor(rt, prov, language.Default(), cfg, testLogger, metrics.New())
	require.NoError(t, err)
	return &harness{sup: sup, rt: rt, baseDir: base}
}

// assertReclaimed checks that nothing created for any job outlives the call.
func (h *harness) assertReclaimed(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.rt.liveUnits(), "execution units left behind")
	entries, err := os.ReadDir(h.baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directories left behind")
}

func TestExecute_HelloWorld(t *testing.T) {
	for _, strategy := range []InjectStrategy{InjectCopy, InjectBind} {
		t.Run(string(strategy), func(t *testing.T) {
			h := newHarness(t, strategy, time.Second)
			h.rt.behave = func(payload, _ []byte) (Output, WaitResult, bool) {
				assert.Equal(t, `print("hello")`, string(payload))
				return Output{Stdout: []byte("hello\r\n")}, WaitResult{ExitCode: 0}, false
			}

			res, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: `print("hello")`})
			require.NoError(t, err)
			assert.Equal(t, "hello", res.Stdout)
			assert.Equal(t, "", res.Stderr)
			assert.Equal(t, 0, res.ExitCode)
			assert.False(t, res.TimedOut)
			h.assertReclaimed(t)
		})
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	h := newHarness(t, InjectCopy, time.Second)
	h.rt.behave = func(_, _ []byte) (Output, WaitResult, bool) {
		return Output{Stderr: []byte("boom\n")}, WaitResult{ExitCode: 2}, false
	}

	res, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "import sys; sys.exit(2)"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
	assert.False(t, res.TimedOut)
	h.assertReclaimed(t)
}

func TestExecute_Timeout(t *testing.T) {
	timeout := 200 * time.Millisecond
	h := newHarness(t, InjectBind, timeout)
	h.rt.behave = func(_, _ []byte) (Output, WaitResult, bool) {
		return Output{Stdout: []byte("partial\n")}, WaitResult{}, true
	}

	start := time.Now()
	res, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "while True: pass"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Equal(t, "partial", res.Stdout)
	assert.Less(t, elapsed, timeout+time.Second)
	h.assertReclaimed(t)
}

func TestExecute_InvalidRequestsHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		req   ExecutionRequest
		field string
	}{
		{name: "missing language", req: ExecutionRequest{Code: "print(1)"}, field: "language"},
		{name: "missing code", req: ExecutionRequest{Language: "python"}, field: "code"},
		{name: "blank code", req: ExecutionRequest{Language: "python", Code: "  \n"}, field: "code"},
		{name: "unknown language", req: ExecutionRequest{Language: "cobol", Code: "DISPLAY 'X'"}, field: "language"},
		{name: "oversized code", req: ExecutionRequest{Language: "python", Code: string(make([]byte, MaxCodeLength+1))}, field: "code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, InjectBind, time.Second)

			_, err := h.sup.Execute(context.Background(), tt.req)
			require.Error(t, err)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.True(t, errors.Is(err, apperror.ErrValidation))
			assert.Equal(t, tt.field, appErr.Field)

			assert.Equal(t, 0, h.rt.createdUnits())
			h.assertReclaimed(t)
		})
	}
}

func TestExecute_FailuresAreClassifiedAndCleanedUp(t *testing.T) {
	tests := []struct {
		stage    string
		err      error
		strategy InjectStrategy
		want     error
	}{
		{stage: "create", err: fmt.Errorf("%w: dial unix", ErrRuntimeUnavailable), strategy: InjectCopy, want: apperror.ErrRuntimeUnavailable},
		{stage: "create", err: fmt.Errorf("%w: python:3.12-alpine", ErrImageNotFound), strategy: InjectBind, want: apperror.ErrRuntimeUnavailable},
		{stage: "inject", err: fmt.Errorf("%w: copy refused", ErrInjection), strategy: InjectCopy, want: apperror.ErrInjection},
		{stage: "attach", err: errors.New("hijack failed"), strategy: InjectCopy, want: apperror.ErrRuntimeUnavailable},
		{stage: "start", err: errors.New("oci runtime error"), strategy: InjectBind, want: apperror.ErrRuntimeUnavailable},
		{stage: "wait", err: errors.New("connection reset"), strategy: InjectCopy, want: apperror.ErrRuntimeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.stage+"/"+string(tt.strategy), func(t *testing.T) {
			h := newHarness(t, tt.strategy, time.Second)
			h.rt.failOn = tt.stage
			h.rt.failErr = tt.err

			res, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print(1)"})
			assert.Nil(t, res)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.NotContains(t, err.Error(), tt.err.Error(), "raw runtime error leaked to caller")
			h.assertReclaimed(t)
		})
	}
}

func TestExecute_ImageNotFoundMessage(t *testing.T) {
	h := newHarness(t, InjectCopy, time.Second)
	h.rt.failOn = "create"
	h.rt.failErr = fmt.Errorf("%w: ruby:3.3-alpine", ErrImageNotFound)

	_, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "ruby", Code: "puts 1"})
	require.Error(t, err)
	assert.Equal(t, "execution image is not available", err.Error())
}

type failingStager struct{ *workspace.Provisioner }

func (failingStager) Create(string) (workspace.Workspace, error) {
	return workspace.Workspace{}, fmt.Errorf("%w: read-only file system", workspace.ErrIO)
}

func TestExecute_WorkspaceFailure(t *testing.T) {
	rt := newFakeRuntime()
	cfg := DefaultConfig()
	cfg.Strategy = InjectBind
	sup, err := NewSupervisor(rt, failingStager{}, language.Default(), cfg, testLogger, nil)
	require.NoError(t, err)

	_, err = sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInjection))
	assert.Equal(t, 0, rt.createdUnits())
}

// failingWriter stages real directories but cannot write into them.
type failingWriter struct{ *workspace.Provisioner }

func (failingWriter) WriteSource(workspace.Workspace, string, []byte) error {
	return fmt.Errorf("%w: no space left on device", workspace.ErrIO)
}

func TestExecute_WriteSourceFailureRemovesWorkspace(t *testing.T) {
	base := t.TempDir()
	prov, err := workspace.NewProvisioner(base, "", testLogger, nil)
	require.NoError(t, err)

	rt := newFakeRuntime()
	cfg := DefaultConfig()
	cfg.Strategy = InjectBind
	sup, err := NewSupervisor(rt, failingWriter{prov}, language.Default(), cfg, testLogger, nil)
	require.NoError(t, err)

	_, err = sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInjection))
	assert.Equal(t, "could not stage source code for execution", err.Error())
	assert.Equal(t, 0, rt.createdUnits())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace created before the failed write was left behind")
}

func TestDrain_WaitsForRunningJobs(t *testing.T) {
	h := newHarness(t, InjectCopy, 300*time.Millisecond)
	started := make(chan struct{})
	h.rt.behave = func(payload, _ []byte) (Output, WaitResult, bool) {
		close(started)
		return Output{}, WaitResult{}, true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "while True: pass"})
	}()
	<-started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.sup.Drain(short), context.DeadlineExceeded)

	require.NoError(t, h.sup.Drain(context.Background()))
	assert.Equal(t, 0, h.rt.liveUnits(), "Drain returned before the job cleaned up")
	<-done
}

func TestDrain_Idle(t *testing.T) {
	h := newHarness(t, InjectCopy, time.Second)
	require.NoError(t, h.sup.Drain(context.Background()))
}

func TestExecute_PanicIsContained(t *testing.T) {
	h := newHarness(t, InjectBind, time.Second)
	h.rt.panicOn = "start"

	_, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrRuntimeUnavailable))
	h.assertReclaimed(t)
}

func TestExecute_Stdin(t *testing.T) {
	h := newHarness(t, InjectCopy, time.Second)
	h.rt.behave = func(_, stdin []byte) (Output, WaitResult, bool) {
		return Output{Stdout: stdin}, WaitResult{}, false
	}

	res, err := h.sup.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print(input())", Stdin: "42\n"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Stdout)

	t.Run("ignored when the profile does not wire stdin", func(t *testing.T) {
		p, err := language.Default().Resolve("python")
		require.NoError(t, err)
		p.Stdin = false

		res, err := h.sup.Run(context.Background(), p, "print(1)", []byte("ignored"))
		require.NoError(t, err)
		assert.Equal(t, "", res.Stdout)
	})
}

func TestExecute_CallerCancellationDoesNotAbortJob(t *testing.T) {
	h := newHarness(t, InjectCopy, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.sup.Execute(ctx, ExecutionRequest{Language: "python", Code: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	h.assertReclaimed(t)
}

func TestExecute_ConcurrentJobsDoNotCrossContaminate(t *testing.T) {
	h := newHarness(t, InjectBind, time.Second)
	h.rt.behave = func(payload, _ []byte) (Output, WaitResult, bool) {
		return Output{Stdout: payload, Stderr: append([]byte("err:"), payload...)}, WaitResult{}, false
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.sup.Execute(context.Background(), ExecutionRequest{
				Language: "python",
				Code:     fmt.Sprintf("job-%02d", i),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		want := fmt.Sprintf("job-%02d", i)
		assert.Equal(t, want, results[i].Stdout)
		assert.Equal(t, "err:"+want, results[i].Stderr)
	}
	assert.Equal(t, n, h.rt.createdUnits())
	h.assertReclaimed(t)
}

func TestNewSupervisor_Validation(t *testing.T) {
	rt := newFakeRuntime()
	reg := language.Default()

	_, err := NewSupervisor(nil, nil, reg, DefaultConfig(), testLogger, nil)
	assert.Error(t, err)

	_, err = NewSupervisor(rt, nil, nil, DefaultConfig(), testLogger, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Strategy = InjectBind
	_, err = NewSupervisor(rt, nil, reg, cfg, testLogger, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Limits.Timeout = 0
	_, err = NewSupervisor(rt, nil, reg, cfg, testLogger, nil)
	assert.Error(t, err)
}

func TestParseInjectStrategy(t *testing.T) {
	s, err := ParseInjectStrategy("")
	require.NoError(t, err)
	assert.Equal(t, InjectCopy, s)

	s, err = ParseInjectStrategy("bind")
	require.NoError(t, err)
	assert.Equal(t, InjectBind, s)

	_, err = ParseInjectStrategy("rsync")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", normalize([]byte("a\r\nb\r\n"), true))
	assert.Equal(t, "a\n", normalize([]byte("a\n"), false))
	assert.Equal(t, "a\n", normalize([]byte("a\n\n"), true))
	assert.Equal(t, "", normalize(nil, true))
}
