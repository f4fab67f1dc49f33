// Package docker implements executor.Runtime on top of the Docker Engine API.
//
// Each job gets a brand-new container: created with the resource caps,
// loaded with the payload, attached, started, waited on and force-removed.
// Nothing is pooled or reused, so no job can observe state left by another.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/xid"

	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/metrics"
)

// Runtime implements executor.Runtime using Docker. The client handle is
// shared by all jobs; it holds no per-job state.
type Runtime struct {
	api     dockerAPI
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// unit is the Runtime's executor.Unit.
type unit struct {
	id        string
	name      string
	jobID     string
	maxOutput int

	// The wait is registered before start so that auto-removal of a
	// fast-exiting container cannot race it.
	statusCh   <-chan container.WaitResponse
	errCh      <-chan error
	waitCancel context.CancelFunc
}

func (u *unit) ID() string { return u.id }

var _ executor.Runtime = (*Runtime)(nil)

// New connects to the daemon described by the environment (DOCKER_HOST etc.).
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRuntime(cli, cfg, logger, m), nil
}

func newRuntime(api dockerAPI, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Runtime {
	return &Runtime{api: api, config: cfg, logger: logger, metrics: m}
}

// Close releases the daemon connection.
func (r *Runtime) Close() error {
	return r.api.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", executor.ErrRuntimeUnavailable, err)
	}
	return nil
}

// PullImages makes sure every image is present locally.
func (r *Runtime) PullImages(ctx context.Context, images []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.PullTimeout)
	defer cancel()

	for _, ref := range images {
		r.logger.Info("ensuring docker image is available", slog.String("image", ref))
		reader, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		// Read everything to block until the pull is complete
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
	}
	r.logger.Info("docker images are ready", slog.Int("count", len(images)))
	return nil
}

// CreateUnit creates a stopped container for spec.
func (r *Runtime) CreateUnit(ctx context.Context, spec executor.UnitSpec) (executor.Unit, error) {
	cfg, hostCfg := r.containerConfig(spec)
	name := namePrefix + xid.New().String()

	resp, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, classifyCreate(err, spec.Profile.Image)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("docker create warning", slog.String("job_id", spec.JobID), slog.String("warning", w))
	}

	return &unit{
		id:        resp.ID,
		name:      name,
		jobID:     spec.JobID,
		maxOutput: spec.Limits.MaxOutputBytes,
	}, nil
}

// containerConfig translates a UnitSpec into the Docker create request.
func (r *Runtime) containerConfig(spec executor.UnitSpec) (*container.Config, *container.HostConfig) {
	limits := spec.Limits
	pids := limits.PidsLimit

	cfg := &container.Config{
		Image:           spec.Profile.Image,
		Cmd:             spec.Profile.Cmd(),
		WorkingDir:      r.config.WorkDir,
		User:            r.config.User,
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     spec.Stdin,
		OpenStdin:       spec.Stdin,
		StdinOnce:       spec.Stdin,
		Tty:             false,
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelJob:     spec.JobID,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		AutoRemove:  true,
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   limits.NanoCPUs,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,nodev,size=" + r.config.TmpfsSize,
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.Mount != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s:ro", spec.Mount, r.config.WorkDir)}
		hostCfg.ReadonlyRootfs = true
	}
	return cfg, hostCfg
}

// InjectPayload copies content into the unit's work directory as a tar
// archive. The unit must not be started yet.
func (r *Runtime) InjectPayload(ctx context.Context, u executor.Unit, filename string, content []byte) error {
	archive, err := payloadArchive(r.config.WorkDir, filename, content)
	if err != nil {
		return fmt.Errorf("%w: building archive: %v", executor.ErrInjection, err)
	}
	if err := r.api.CopyToContainer(ctx, u.ID(), "/", archive, container.CopyToContainerOptions{}); err != nil {
		return classifyInject(err)
	}
	return nil
}

// AttachOutputs attaches to the unit's streams. Output written before this
// call would be lost, so the Supervisor calls it before Start.
func (r *Runtime) AttachOutputs(ctx context.Context, u executor.Unit, stdin []byte) (executor.Attachment, error) {
	resp, err := r.api.ContainerAttach(ctx, u.ID(), container.AttachOptions{
		Stream: true,
		Stdin:  stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classifyRuntime(err)
	}

	limit := 0
	if un, ok := u.(*unit); ok {
		limit = un.maxOutput
	}
	return newAttachment(resp, stdin, limit, r.logger.With(slog.String("unit_id", u.ID()))), nil
}

// Start registers the exit wait and starts the unit. ctx must outlive the
// subsequent WaitOrTimeout, because the wait is derived from it.
func (r *Runtime) Start(ctx context.Context, eu executor.Unit) error {
	u, ok := eu.(*unit)
	if !ok {
		return fmt.Errorf("%w: foreign unit %T", executor.ErrRuntimeUnavailable, eu)
	}

	// Registering the wait is a daemon round trip and is bounded by ctx.
	// Dispose cancels it.
	waitCtx, cancel := context.WithCancel(ctx)
	u.statusCh, u.errCh = r.api.ContainerWait(waitCtx, u.id, container.WaitConditionNextExit)
	u.waitCancel = cancel
	if err := waitCtx.Err(); err != nil {
		cancel()
		return fmt.Errorf("%w: registering wait: %v", executor.ErrRuntimeUnavailable, err)
	}

	if err := r.api.ContainerStart(ctx, u.id, container.StartOptions{}); err != nil {
		cancel()
		return classifyRuntime(err)
	}
	return nil
}

// WaitOrTimeout blocks until the unit exits or timeout elapses. On timeout
// the unit is killed in the background and TimedOut is returned.
func (r *Runtime) WaitOrTimeout(ctx context.Context, eu executor.Unit, timeout time.Duration) (executor.WaitResult, error) {
	u, ok := eu.(*unit)
	if !ok || u.statusCh == nil {
		return executor.WaitResult{}, fmt.Errorf("%w: unit was not started", executor.ErrRuntimeUnavailable)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-u.statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return executor.WaitResult{}, fmt.Errorf("%w: wait: %s", executor.ErrRuntimeUnavailable, resp.Error.Message)
		}
		return executor.WaitResult{ExitCode: int(resp.StatusCode)}, nil
	case err := <-u.errCh:
		return executor.WaitResult{}, classifyRuntime(err)
	case <-timer.C:
		r.kill(u)
		return executor.WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		r.kill(u)
		return executor.WaitResult{}, fmt.Errorf("%w: %v", executor.ErrRuntimeUnavailable, ctx.Err())
	}
}

// kill sends SIGKILL without waiting for the answer. Errors are logged; the
// unit's auto-remove flag and the reaper cover a kill that never lands.
func (r *Runtime) kill(u *unit) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.KillTimeout)
		defer cancel()

		if err := r.api.ContainerKill(ctx, u.id, "KILL"); err != nil && !isGone(err) {
			r.metrics.CleanupFailed("kill")
			r.logger.Warn("failed to kill timed out unit",
				slog.String("job_id", u.jobID),
				slog.String("unit_id", u.id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Dispose force-removes the unit. A unit already removed by auto-remove is
// not an error.
func (r *Runtime) Dispose(eu executor.Unit) {
	jobID := ""
	if u, ok := eu.(*unit); ok {
		jobID = u.jobID
		if u.waitCancel != nil {
			u.waitCancel()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.RemoveTimeout)
	defer cancel()

	err := r.api.ContainerRemove(ctx, eu.ID(), container.RemoveOptions{Force: true})
	if err != nil && !isGone(err) {
		r.metrics.CleanupFailed("unit")
		r.logger.Error("failed to remove unit",
			slog.String("job_id", jobID),
			slog.String("unit_id", eu.ID()),
			slog.String("error", err.Error()),
		)
	}
}
