package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Reaper periodically removes labelled units that outlived any possible job.
// Jobs remove their own units; the reaper only catches units whose removal
// failed or whose supervising process died mid-job.
type Reaper struct {
	api     dockerAPI
	runtime *Runtime
	every   time.Duration
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReaper returns a reaper that sweeps every interval and removes units
// older than maxAge.
func NewReaper(r *Runtime, interval, maxAge time.Duration) *Reaper {
	return &Reaper{
		api:     r.api,
		runtime: r,
		every:   interval,
		maxAge:  maxAge,
		logger:  r.logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (p *Reaper) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting unit reaper",
			slog.Duration("interval", p.every),
			slog.Duration("max_age", p.maxAge),
		)
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the background loop and waits for an in-progress sweep.
func (p *Reaper) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down unit reaper")
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Reaper) manager() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.every)
			if _, err := p.Sweep(ctx); err != nil {
				p.logger.Error("unit sweep failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// Sweep removes every managed unit created more than maxAge ago and returns
// how many it removed.
func (p *Reaper) Sweep(ctx context.Context) (int, error) {
	units, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, err
	}

	cutoff := p.now().Add(-p.maxAge)
	removed := 0
	for _, u := range units {
		if time.Unix(u.Created, 0).After(cutoff) {
			continue
		}
		if err := p.api.ContainerRemove(ctx, u.ID, container.RemoveOptions{Force: true}); err != nil && !isGone(err) {
			p.runtime.metrics.CleanupFailed("unit")
			p.logger.Error("failed to reap unit",
				slog.String("unit_id", u.ID),
				slog.String("job_id", u.Labels[LabelJob]),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		p.logger.Warn("reaped leaked unit",
			slog.String("unit_id", u.ID),
			slog.String("job_id", u.Labels[LabelJob]),
			slog.String("state", string(u.State)),
		)
	}
	p.runtime.metrics.Reaped(removed)
	return removed, nil
}
