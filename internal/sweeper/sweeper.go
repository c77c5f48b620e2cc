// Package sweeper repairs what crashed processes leave behind: tasks that were
// never delivered, runs whose worker died, in-flight refs nobody will ack and
// artifact files no job points at.
package sweeper

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/storage"
)

const heartbeatLost = "worker heartbeat lost"

// Files is the part of the artifact store the sweeper garbage collects.
type Files interface {
	List() ([]artifact.Entry, error)
	Delete(ref string) error
	SweepStaging(cutoff time.Time, keep func(ref string) bool) (int, error)
}

type Config struct {
	// RedeliverAfter is how long a job may stay queued before its task is
	// pushed to the broker again.
	RedeliverAfter time.Duration
	// StaleAfter is how old a running job's last heartbeat may get before the
	// job is failed.
	StaleAfter time.Duration
	// OrphanGrace protects freshly committed artifacts whose job has not been
	// marked complete yet.
	OrphanGrace time.Duration
	Batch       int
}

func DefaultConfig() Config {
	return Config{
		RedeliverAfter: 5 * time.Minute,
		StaleAfter:     2 * time.Minute,
		OrphanGrace:    time.Hour,
		Batch:          500,
	}
}

type Sweeper struct {
	registry storage.Registry
	broker   queue.Maintainer
	files    Files
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

func New(registry storage.Registry, broker queue.Maintainer, files Files, log *zap.Logger, cfg Config) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	return &Sweeper{
		registry: registry,
		broker:   broker,
		files:    files,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Report counts what one pass changed.
type Report struct {
	Redelivered int
	Reaped      int
	Dropped     int
	Orphans     int
	Staging     int
}

func (r Report) fields() []zap.Field {
	return []zap.Field{
		zap.Int("redelivered", r.Redelivered),
		zap.Int("reaped", r.Reaped),
		zap.Int("dropped", r.Dropped),
		zap.Int("orphans", r.Orphans),
		zap.Int("staging", r.Staging),
	}
}

// Sweep runs every pass once. A failing pass is logged and does not stop the
// others; the first error is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		rep   Report
		first error
	)
	keep := func(pass string, err error) {
		if err == nil {
			return
		}
		s.log.Error("sweep pass failed", zap.String("pass", pass), zap.Error(err))
		if first == nil {
			first = errors.Wrap(err, pass)
		}
	}
	now := s.now()

	if s.cfg.RedeliverAfter > 0 {
		n, err := s.redeliver(ctx, now.Add(-s.cfg.RedeliverAfter))
		rep.Redelivered = n
		keep("redeliver", err)
	}
	if s.cfg.StaleAfter > 0 {
		n, err := s.reap(ctx, now.Add(-s.cfg.StaleAfter))
		rep.Reaped = n
		keep("reap", err)
	}
	n, err := s.dropFinished(ctx)
	rep.Dropped = n
	keep("processing", err)
	if s.cfg.OrphanGrace > 0 {
		rep.Orphans, rep.Staging, err = s.collectOrphans(ctx, now.Add(-s.cfg.OrphanGrace))
		keep("orphans", err)
	}

	if rep != (Report{}) {
		s.log.Info("sweep done", rep.fields()...)
	}
	return rep, first
}

// Run sweeps every interval until ctx is done. leader gates each pass; nil
// means always.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, leader func(context.Context) (bool, func(), error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if leader == nil {
			_, _ = s.Sweep(ctx)
			continue
		}
		ok, release, err := leader(ctx)
		if err != nil {
			s.log.Warn("leader election failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		_, _ = s.Sweep(ctx)
		release()
	}
}

// redeliver pushes tasks of long-queued jobs back to the broker. A task that
// reaches a worker twice is discarded by the claim.
func (s *Sweeper) redeliver(ctx context.Context, before time.Time) (int, error) {
	jobs, err := s.registry.Stale(ctx, domain.Queued, before, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := s.broker.Requeue(ctx, j.TaskRef); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Sweeper) reap(ctx context.Context, before time.Time) (int, error) {
	jobs, err := s.registry.Stale(ctx, domain.Running, before, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		_, err := s.registry.Transition(ctx, j.ID, domain.Running,
			domain.Update{To: domain.Failed, ErrorDetail: heartbeatLost})
		if errors.Is(err, domain.ErrTransitionConflict) || errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		s.log.Warn("reaped stale run", zap.String("job_id", j.ID), zap.String("task_ref", j.TaskRef))
		n++
		if err := s.broker.Drop(ctx, j.TaskRef); err != nil {
			return n, err
		}
	}
	return n, nil
}

// dropFinished forgets in-flight refs whose job is gone or finished.
func (s *Sweeper) dropFinished(ctx context.Context) (int, error) {
	refs, err := s.broker.Processing(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ref := range refs {
		j, err := s.registry.GetByTaskRef(ctx, ref)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
		case err != nil:
			return n, err
		case !j.Status.Terminal():
			continue
		}
		if err := s.broker.Drop(ctx, ref); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Sweeper) collectOrphans(ctx context.Context, before time.Time) (int, int, error) {
	// List files before reading references so a file committed in between is
	// never mistaken for an orphan.
	entries, err := s.files.List()
	if err != nil {
		return 0, 0, err
	}
	referenced, err := s.registry.Artifacts(ctx)
	if err != nil {
		return 0, 0, err
	}
	n := 0
	for _, e := range entries {
		if _, ok := referenced[e.Ref]; ok || !e.ModTime.Before(before) {
			continue
		}
		if err := s.files.Delete(e.Ref); err != nil && !errors.Is(err, artifact.ErrNotExist) {
			return n, 0, err
		}
		s.log.Info("removed orphaned artifact", zap.String("artifact", e.Ref))
		n++
	}
	staged, err := s.files.SweepStaging(before, func(ref string) bool { return s.inProgress(ctx, ref) })
	return n, staged, err
}

// inProgress reports whether ref is the output of a job that may still
// commit it. Runs have no time limit, so age alone never condemns a staging
// file.
func (s *Sweeper) inProgress(ctx context.Context, ref string) bool {
	id, ok := domain.ArtifactJobID(ref)
	if !ok {
		return false
	}
	j, err := s.registry.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return false
	case err != nil:
		s.log.Warn("staging owner lookup failed", zap.String("artifact", ref), zap.Error(err))
		return true
	}
	return !j.Status.Terminal()
}
