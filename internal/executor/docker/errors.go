package docker

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/sakif/code-executor/internal/executor"
)

// classifyCreate maps a ContainerCreate failure. A not-found error at
// create time means the image is missing.
func classifyCreate(err error, image string) error {
	switch {
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", executor.ErrRuntimeUnavailable, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", executor.ErrImageNotFound, image, err)
	default:
		return fmt.Errorf("%w: create: %v", executor.ErrRuntimeUnavailable, err)
	}
}

// classifyInject maps a CopyToContainer failure.
func classifyInject(err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", executor.ErrRuntimeUnavailable, err)
	}
	return fmt.Errorf("%w: %v", executor.ErrInjection, err)
}

// classifyRuntime maps any other daemon failure.
func classifyRuntime(err error) error {
	return fmt.Errorf("%w: %v", executor.ErrRuntimeUnavailable, err)
}

// isGone reports whether err means the unit no longer exists or is already
// being removed, which Dispose and kill treat as success.
func isGone(err error) bool {
	return cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)
}
