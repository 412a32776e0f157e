package escrow

import (
	"context"
	"log/slog"
	"time"

	tomb "gopkg.in/tomb.v2"

	"github.com/nathanyu/p2p-exchange/internal/lease"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
)

// Job is one background sweep. It returns how many items it changed.
type Job func(ctx context.Context) (int, error)

type namedJob struct {
	name string
	run  Job
}

// Sweeper runs its jobs on a fixed interval while it holds the lease.
type Sweeper struct {
	lease    lease.Lease
	interval time.Duration
	logger   *slog.Logger
	jobs     []namedJob
	t        *tomb.Tomb
}

// NewSweeper creates a sweeper. A nil lease means this instance always runs.
func NewSweeper(l lease.Lease, interval time.Duration, logger *slog.Logger) *Sweeper {
	if l == nil {
		l = lease.Local{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		lease:    l,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Register adds a job. Jobs run in registration order.
func (s *Sweeper) Register(name string, job Job) {
	s.jobs = append(s.jobs, namedJob{name: name, run: job})
}

// RunOnce runs every job once if the lease is held and reports whether it was.
func (s *Sweeper) RunOnce(ctx context.Context) bool {
	held, err := s.lease.TryAcquire(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "lease check failed", slog.String("error", err.Error()))
		return false
	}
	if !held {
		return false
	}

	for _, job := range s.jobs {
		n, err := job.run(ctx)
		telemetry.SweptItems.WithLabelValues(job.name).Add(float64(n))
		if err != nil {
			telemetry.SweepRuns.WithLabelValues(job.name, "error").Inc()
			s.logger.ErrorContext(ctx, "sweep failed",
				slog.String("job", job.name), slog.Int("swept", n), slog.String("error", err.Error()))
			continue
		}
		telemetry.SweepRuns.WithLabelValues(job.name, "ok").Inc()
		if n > 0 {
			s.logger.InfoContext(ctx, "sweep completed", slog.String("job", job.name), slog.Int("swept", n))
		}
	}
	return true
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	t, ctx := tomb.WithContext(ctx)
	s.t = t
	t.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	})
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval), slog.Int("jobs", len(s.jobs)))
}

// Stop ends the loop, waits for a running sweep and gives up the lease.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.t == nil {
		return nil
	}
	s.t.Kill(nil)
	err := s.t.Wait()
	if relErr := s.lease.Release(ctx); relErr != nil {
		s.logger.WarnContext(ctx, "lease release failed", slog.String("error", relErr.Error()))
	}
	s.logger.Info("sweeper stopped")
	return err
}
