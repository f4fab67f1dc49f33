package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/auth"
	"github.com/sakif/code-executor/internal/executor"
)

// MaxBodyBytes caps the request body of POST /execute.
const MaxBodyBytes = 1 << 20

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	exec   executor.Executor
	logger *slog.Logger

	// RequestTimeout bounds how long the caller waits for a result. A job
	// still running when it fires finishes and cleans up in the background.
	// Zero means no endpoint-level limit.
	RequestTimeout time.Duration
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(exec executor.Executor, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		exec:   exec,
		logger: logger,
	}
}

// HandleExecute decodes an execution request, runs it and returns the result.
// Validation of the request fields belongs to the executor, so a bad
// language or empty code comes back as a classified error.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	var req executor.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "validation_error",
				Message: "request body is too large",
			})
			return
		}
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("body", "request body must be a JSON object"))
		return
	}

	logger := h.logger.With(slog.String("request_id", middleware.GetReqID(r.Context())))
	if subject, ok := auth.SubjectFromContext(r.Context()); ok {
		logger = logger.With(slog.String("caller", subject))
	}
	logger.Info("executing code", slog.String("language", req.Language), slog.Int("code_bytes", len(req.Code)))

	result, err := h.execute(r.Context(), req)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("execution request timed out", slog.Duration("timeout", h.RequestTimeout))
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Error:   "timeout",
			Message: "execution did not finish in time",
		})
		return
	}
	if err != nil {
		status, _ := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("code execution failed", slog.String("error", err.Error()))
		} else {
			logger.Info("execution request rejected", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type outcome struct {
	result *executor.ExecutionResult
	err    error
}

// execute runs req, giving up with context.DeadlineExceeded once
// RequestTimeout has passed.
func (h *ExecuteHandler) execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	if h.RequestTimeout <= 0 {
		return h.exec.Execute(ctx, req)
	}

	ctx, cancel := context.WithTimeout(ctx, h.RequestTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := h.exec.Execute(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
