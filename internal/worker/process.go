package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/domain"
)

// Process runs one delivered task. It returns the status the job ended in, or
// "" when the task was discarded or the registry could not be reached.
//
// The task is acked once the job has been claimed or found to need no work.
// Registry failures before the claim leave the task in flight so the
// scheduler can redeliver it.
func (p *Pool) Process(ctx context.Context, ref string) domain.Status {
	opCtx := context.WithoutCancel(ctx)
	log := p.log.With(zap.String("task_ref", ref))

	j, err := p.registry.GetByTaskRef(opCtx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Info("discarding task: job no longer exists")
			p.ack(opCtx, ref, log)
			return ""
		}
		log.Error("load job failed", zap.Error(err))
		return ""
	}
	log = log.With(zap.String("job_id", j.ID), zap.String("kind", string(j.Kind)))

	if j.Status != domain.Queued {
		log.Info("discarding task: job not queued", zap.String("status", string(j.Status)))
		p.ack(opCtx, ref, log)
		return ""
	}

	// The compare-and-set is what keeps a duplicate delivery from running the
	// same job twice.
	if _, err := p.registry.Transition(opCtx, j.ID, domain.Queued,
		domain.Update{To: domain.Running, WorkerID: p.cfg.WorkerID}); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) || errors.Is(err, domain.ErrJobNotFound) {
			log.Info("discarding task: job claimed or aborted elsewhere", zap.Error(err))
			p.ack(opCtx, ref, log)
			return ""
		}
		log.Error("claim job failed", zap.Error(err))
		return ""
	}
	defer p.ack(opCtx, ref, log)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(ref, j.ID, cancel)
	defer p.untrack(ref)

	// An abort that landed between the claim and track had no run to signal.
	if cur, err := p.registry.Get(opCtx, j.ID); err == nil && cur.Status != domain.Running {
		cancel(domain.ErrAborted)
	}

	log.Info("export started")
	start := time.Now()
	st := p.execute(runCtx, opCtx, j, log)
	log.Info("export finished", zap.String("status", string(st)), zap.Duration("took", time.Since(start)))
	return st
}

func (p *Pool) execute(runCtx, opCtx context.Context, j *domain.Job, log *zap.Logger) domain.Status {
	staged, err := p.artifacts.Stage(domain.ArtifactName(j, time.Now()))
	if err != nil {
		return p.fail(opCtx, j, &storageError{op: "stage artifact", err: err}, log)
	}
	defer func() {
		if err := staged.Discard(); err != nil {
			log.Warn("discard staging file failed", zap.Error(err))
		}
	}()

	terr := p.transformSafely(runCtx, j, staged)
	if runCtx.Err() != nil {
		if errors.Is(context.Cause(runCtx), errShutdown) {
			return p.fail(opCtx, j, errShutdown, log)
		}
		return p.abort(opCtx, j, log)
	}
	if terr != nil {
		return p.fail(opCtx, j, terr, log)
	}

	ref, err := staged.Commit()
	if err != nil {
		return p.fail(opCtx, j, &storageError{op: "commit artifact", err: err}, log)
	}

	// The artifact is in place before the job can be seen as complete.
	_, err = p.registry.Transition(opCtx, j.ID, domain.Running,
		domain.Update{To: domain.Complete, ArtifactRef: ref})
	if err == nil {
		return domain.Complete
	}

	// Lost to an abort or reaper, or the registry failed: either way nothing
	// references the file now.
	if derr := p.artifacts.Delete(ref); derr != nil && !errors.Is(derr, artifact.ErrNotExist) {
		log.Error("rollback of unreferenced artifact failed", zap.String("artifact", ref), zap.Error(derr))
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		log.Info("completion lost the race", zap.String("status", string(conflict.Actual)))
		return conflict.Actual
	}
	log.Error("mark complete failed", zap.Error(err))
	return ""
}

func (p *Pool) transformSafely(ctx context.Context, j *domain.Job, w *artifact.Staged) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("transformer panic: %v", r)
		}
	}()
	return p.transform.Transform(ctx, j.Kind, j.Params, w)
}

func (p *Pool) fail(ctx context.Context, j *domain.Job, cause error, log *zap.Logger) domain.Status {
	detail := fmt.Sprintf("%s: %v", domain.ErrTransformationFailed, cause)
	var se *storageError
	switch {
	case errors.Is(cause, errShutdown):
		detail = "interrupted by worker shutdown"
	case errors.As(cause, &se):
		detail = se.op + " failed"
	}
	log.Warn("export failed", zap.Error(cause))
	return p.finish(ctx, j, domain.Update{To: domain.Failed, ErrorDetail: detail}, log)
}

// storageError is a failure of the artifact store. Only op is recorded on
// the job, since err names server paths; the full error is logged.
type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() error { return e.err }

func (p *Pool) abort(ctx context.Context, j *domain.Job, log *zap.Logger) domain.Status {
	log.Info("export cancelled")
	return p.finish(ctx, j, domain.Update{To: domain.Aborted}, log)
}

func (p *Pool) finish(ctx context.Context, j *domain.Job, upd domain.Update, log *zap.Logger) domain.Status {
	_, err := p.registry.Transition(ctx, j.ID, domain.Running, upd)
	if err == nil {
		return upd.To
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return conflict.Actual
	}
	log.Error("record final status failed", zap.String("status", string(upd.To)), zap.Error(err))
	return ""
}

func (p *Pool) ack(ctx context.Context, ref string, log *zap.Logger) {
	if err := p.broker.Ack(ctx, ref); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}
