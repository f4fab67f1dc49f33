package docker

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/code-executor/internal/executor"
)

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest. It always reports a full write so the demultiplexer keeps
// draining the stream. limit <= 0 means unlimited.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// attachment demultiplexes a hijacked attach stream into stdout and stderr.
type attachment struct {
	resp   types.HijackedResponse
	stdout *cappedBuffer
	stderr *cappedBuffer
	done   chan struct{}
	logger *slog.Logger

	once sync.Once
	out  executor.Output
}

func newAttachment(resp types.HijackedResponse, stdin []byte, limit int, logger *slog.Logger) *attachment {
	a := &attachment{
		resp:   resp,
		stdout: &cappedBuffer{limit: limit},
		stderr: &cappedBuffer{limit: limit},
		done:   make(chan struct{}),
		logger: logger,
	}

	go func() {
		defer close(a.done)
		// Use stdcopy to demultiplex stdout from stderr. The buffers are
		// only read after done is closed.
		if _, err := stdcopy.StdCopy(a.stdout, a.stderr, a.resp.Reader); err != nil {
			a.logger.Debug("output stream ended", slog.String("error", err.Error()))
		}
	}()

	if stdin != nil {
		go func() {
			if _, err := a.resp.Conn.Write(stdin); err != nil {
				a.logger.Debug("writing stdin failed", slog.String("error", err.Error()))
			}
			if err := a.resp.CloseWrite(); err != nil {
				a.logger.Debug("closing stdin failed", slog.String("error", err.Error()))
			}
		}()
	}
	return a
}

// Collect implements executor.Attachment.
func (a *attachment) Collect(grace time.Duration) executor.Output {
	a.once.Do(func() {
		if grace > 0 {
			timer := time.NewTimer(grace)
			select {
			case <-a.done:
			case <-timer.C:
				a.logger.Warn("output streams did not drain in time", slog.Duration("grace", grace))
			}
			timer.Stop()
		}
		// Closing the connection unblocks StdCopy if the stream is still open.
		a.resp.Close()
		<-a.done

		a.out = executor.Output{
			Stdout:    a.stdout.buf.Bytes(),
			Stderr:    a.stderr.buf.Bytes(),
			Truncated: a.stdout.truncated || a.stderr.truncated,
		}
	})
	return a.out
}
