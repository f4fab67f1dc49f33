// Package workspace stages a job's source file on the host filesystem.
//
// A workspace is only needed for the bind-mount injection strategy, where
// the container runtime mounts a host directory into the execution unit.
// When the runtime daemon lives in a VM or on another host, the path it sees
// differs from the path this process writes to, so every workspace carries
// both: Path (local) and DaemonPath (what to hand to the runtime).
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sakif/code-executor/internal/metrics"
)

// ErrIO is wrapped by every filesystem failure the provisioner reports.
var ErrIO = errors.New("workspace io error")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Workspace is a per-job staging directory.
type Workspace struct {
	JobID      string
	Path       string
	DaemonPath string
}

// Provisioner creates and removes workspaces under a base directory.
type Provisioner struct {
	baseDir   string
	daemonDir string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProvisioner returns a provisioner rooted at baseDir. daemonDir is the
// runtime-visible location of baseDir; an empty daemonDir means the runtime
// sees the same path. m may be nil.
func NewProvisioner(baseDir, daemonDir string, logger *slog.Logger, m *metrics.Metrics) (*Provisioner, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("workspace: base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving %s: %w", baseDir, err)
	}
	if daemonDir == "" {
		daemonDir = abs
	}
	return &Provisioner{baseDir: abs, daemonDir: daemonDir, logger: logger, metrics: m}, nil
}

// Create makes a fresh directory for jobID. The name combines the job id with
// a random suffix from os.MkdirTemp, so two calls never share a directory.
func (p *Provisioner) Create(jobID string) (Workspace, error) {
	if err := os.MkdirAll(p.baseDir, dirPerm); err != nil {
		return Workspace{}, fmt.Errorf("%w: creating base dir: %v", ErrIO, err)
	}

	dir, err := os.MkdirTemp(p.baseDir, "job-"+jobID+"-")
	if err != nil {
		return Workspace{}, fmt.Errorf("%w: creating workspace: %v", ErrIO, err)
	}
	// MkdirTemp creates 0700; the unit runs as an unprivileged user and must
	// be able to read the mount.
	if err := os.Chmod(dir, dirPerm); err != nil {
		_ = os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("%w: chmod workspace: %v", ErrIO, err)
	}

	rel, err := filepath.Rel(p.baseDir, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return Workspace{
		JobID:      jobID,
		Path:       dir,
		DaemonPath: filepath.ToSlash(filepath.Join(p.daemonDir, rel)),
	}, nil
}

// WriteSource writes content to filename inside the workspace.
func (p *Provisioner) WriteSource(ws Workspace, filename string, content []byte) error {
	if filename == "" || strings.ContainsAny(filename, `/\`) || filename == "." || filename == ".." {
		return fmt.Errorf("%w: invalid source filename %q", ErrIO, filename)
	}
	target := filepath.Join(ws.Path, filename)
	if err := os.WriteFile(target, content, filePerm); err != nil {
		return fmt.Errorf("%w: writing source: %v", ErrIO, err)
	}
	return nil
}

// Destroy removes the workspace recursively. Failures are logged and never
// returned: a leftover directory must not replace the job's real outcome.
func (p *Provisioner) Destroy(ws Workspace) {
	if ws.Path == "" {
		return
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		p.metrics.CleanupFailed("workspace")
		p.logger.Error("failed to remove workspace",
			slog.String("job_id", ws.JobID),
			slog.String("path", ws.Path),
			slog.String("error", err.Error()),
		)
	}
}
