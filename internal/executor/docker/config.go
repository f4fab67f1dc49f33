package docker

import (
	"time"
)

const (
	// LabelManaged marks every unit this service creates; the reaper only
	// touches containers carrying it.
	LabelManaged = "code-exec.managed"
	// LabelJob holds the job id a unit was created for.
	LabelJob = "code-exec.job"

	namePrefix = "code-exec-"
)

// Config holds the configuration for the Docker runtime adapter.
type Config struct {
	// WorkDir is the fixed path inside the unit the payload is placed under.
	WorkDir string
	// User the payload runs as.
	User string
	// TmpfsSize is the size option of the writable /tmp mount.
	TmpfsSize string
	// KillTimeout bounds the fire-and-forget kill issued on timeout.
	KillTimeout time.Duration
	// RemoveTimeout bounds unit removal in Dispose.
	RemoveTimeout time.Duration
	// PullTimeout bounds the image pre-pull at startup.
	PullTimeout time.Duration
}

// DefaultConfig provides sensible defaults for an unprivileged sandbox.
func DefaultConfig() Config {
	return Config{
		WorkDir:       "/app",
		User:          "nobody",
		TmpfsSize:     "16m",
		KillTimeout:   5 * time.Second,
		RemoveTimeout: 5 * time.Second,
		PullTimeout:   2 * time.Minute,
	}
}
