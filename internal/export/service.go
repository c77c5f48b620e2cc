// Package export is the gateway through which callers submit, list, download,
// delete and abort export jobs. It talks to workers only through the job
// registry and the task queue.
package export

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/auth"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/storage"
)

const taskRefSize = 21

// Artifacts is the part of the artifact store the gateway reads and deletes.
type Artifacts interface {
	Open(ref string) (*artifact.Object, error)
	Delete(ref string) error
}

type Service struct {
	registry  storage.Registry
	broker    queue.Broker
	artifacts Artifacts
	authz     auth.Authorizer
	log       *zap.Logger
}

func NewService(
	registry storage.Registry,
	broker queue.Broker,
	artifacts Artifacts,
	authz auth.Authorizer,
	log *zap.Logger,
) *Service {
	return &Service{
		registry:  registry,
		broker:    broker,
		artifacts: artifacts,
		authz:     authz,
		log:       log,
	}
}

func (s *Service) require(c auth.Caller, roles ...auth.Role) error {
	if !auth.AnyRole(s.authz, c, roles...) {
		return errors.Wrapf(domain.ErrPermissionDenied, "%s", c.Subject)
	}
	return nil
}

// Submit records a queued job and hands its task ref to the broker. It
// returns the job id without waiting for the export to run.
func (s *Service) Submit(ctx context.Context, c auth.Caller, kind string, params map[string]string) (string, error) {
	if err := s.require(c, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return "", err
	}
	k, fp, err := domain.ValidateSubmission(kind, params)
	if err != nil {
		return "", err
	}
	ref, err := gonanoid.New(taskRefSize)
	if err != nil {
		return "", errors.Wrap(err, "generate task ref")
	}

	j := &domain.Job{TaskRef: ref, Kind: k, Params: fp, CreatedBy: c.Subject}
	if err := s.registry.Create(ctx, j); err != nil {
		return "", errors.Wrap(err, "create job")
	}
	log := s.log.With(zap.String("job_id", j.ID), zap.String("task_ref", ref))

	if err := s.broker.Enqueue(ctx, ref); err != nil {
		// The caller never gets the id, so the submission is withdrawn. If the
		// row cannot be removed the scheduler redelivers it.
		if derr := s.registry.Delete(context.WithoutCancel(ctx), j.ID); derr != nil {
			log.Error("withdraw unqueued job failed", zap.Error(derr))
		}
		log.Error("enqueue failed", zap.Error(err))
		return "", errors.Wrapf(domain.ErrQueueUnavailable, "%v", err)
	}
	log.Info("export submitted", zap.String("kind", string(k)), zap.String("by", c.Subject))
	return j.ID, nil
}

// List returns job summaries, newest first.
func (s *Service) List(ctx context.Context, c auth.Caller, f storage.ListFilter) ([]domain.Summary, error) {
	if err := s.require(c, auth.RoleViewer, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return nil, err
	}
	jobs, err := s.registry.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	out := make([]domain.Summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// Grouped is the listing split the way the exports page shows it.
type Grouped struct {
	Current  []domain.Summary `json:"current"`
	Complete []domain.Summary `json:"complete"`
	Errors   []domain.Summary `json:"errors"`
}

// Group splits summaries into in-progress, complete and failed or aborted
// jobs, keeping their order.
func Group(sums []domain.Summary) Grouped {
	g := Grouped{
		Current:  []domain.Summary{},
		Complete: []domain.Summary{},
		Errors:   []domain.Summary{},
	}
	for _, s := range sums {
		switch s.Status {
		case domain.Queued, domain.Running:
			g.Current = append(g.Current, s)
		case domain.Complete:
			g.Complete = append(g.Complete, s)
		default:
			g.Errors = append(g.Errors, s)
		}
	}
	return g
}

// Download is an opened artifact. The caller must close it.
type Download struct {
	*artifact.Object
	JobID string
}

func (s *Service) Download(ctx context.Context, c auth.Caller, id string) (*Download, error) {
	if err := s.require(c, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return nil, err
	}
	j, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.ArtifactRef == nil {
		return nil, errors.Wrapf(domain.ErrArtifactMissing, "job %s is %s", id, j.Status)
	}
	obj, err := s.artifacts.Open(*j.ArtifactRef)
	if err != nil {
		if errors.Is(err, artifact.ErrNotExist) {
			s.log.Warn("artifact referenced but absent", zap.String("job_id", id), zap.String("artifact", *j.ArtifactRef))
			return nil, errors.Wrapf(domain.ErrArtifactMissing, "job %s", id)
		}
		return nil, errors.Wrap(err, "open artifact")
	}
	return &Download{Object: obj, JobID: id}, nil
}

// Delete removes a finished job and its artifact. The artifact goes first: if
// it cannot be removed the record stays, so no file is ever left without one.
func (s *Service) Delete(ctx context.Context, c auth.Caller, id string) error {
	if err := s.require(c, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return err
	}
	j, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return errors.Wrapf(domain.ErrJobStillActive, "job %s is %s", id, j.Status)
	}
	log := s.log.With(zap.String("job_id", id))

	if j.ArtifactRef != nil {
		err := s.artifacts.Delete(*j.ArtifactRef)
		switch {
		case err == nil:
		case errors.Is(err, artifact.ErrNotExist):
			log.Info("artifact already gone", zap.String("artifact", *j.ArtifactRef))
		default:
			log.Error("artifact delete failed", zap.String("artifact", *j.ArtifactRef), zap.Error(err))
			return errors.Wrapf(domain.ErrArtifactDeleteFailed, "job %s: %v", id, err)
		}
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	log.Info("export deleted", zap.String("by", c.Subject))
	return nil
}

// maxBulkDelete bounds the ids accepted by one DeleteMany call.
const maxBulkDelete = 100

// DeleteResult is the outcome for one id of a bulk delete.
type DeleteResult struct {
	ID  string
	Err error
}

// DeleteMany runs Delete for each id in order. A failing id does not stop the
// rest; its error is reported in its result.
func (s *Service) DeleteMany(ctx context.Context, c auth.Caller, ids []string) ([]DeleteResult, error) {
	if err := s.require(c, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return nil, err
	}
	if len(ids) == 0 || len(ids) > maxBulkDelete {
		return nil, errors.Wrapf(domain.ErrInvalidRequest, "between 1 and %d ids required, got %d", maxBulkDelete, len(ids))
	}
	out := make([]DeleteResult, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, DeleteResult{ID: id, Err: s.Delete(ctx, c, id)})
	}
	return out, nil
}

// Abort moves a queued or running job to aborted and signals the broker. It
// does not wait for a worker to stop. For a job already finished it reports
// the status and changes nothing.
func (s *Service) Abort(ctx context.Context, c auth.Caller, id string) (domain.Status, error) {
	if err := s.require(c, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return "", err
	}
	log := s.log.With(zap.String("job_id", id))
	for {
		j, err := s.registry.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if j.Status.Terminal() {
			return j.Status, nil
		}

		_, err = s.registry.Transition(ctx, id, j.Status, domain.Update{To: domain.Aborted})
		if errors.Is(err, domain.ErrTransitionConflict) {
			// A worker claimed or finished it meanwhile; look again.
			continue
		}
		if err != nil {
			return "", err
		}

		removed, err := s.broker.Cancel(context.WithoutCancel(ctx), j.TaskRef)
		if err != nil {
			log.Warn("cancel signal not delivered", zap.Error(err))
		}
		log.Info("export aborted",
			zap.String("was", string(j.Status)),
			zap.Bool("dequeued", removed),
			zap.String("by", c.Subject))
		return domain.Aborted, nil
	}
}

// Get returns one job summary.
func (s *Service) Get(ctx context.Context, c auth.Caller, id string) (domain.Summary, error) {
	if err := s.require(c, auth.RoleViewer, auth.RoleExporter, auth.RoleAdmin); err != nil {
		return domain.Summary{}, err
	}
	j, err := s.registry.Get(ctx, id)
	if err != nil {
		return domain.Summary{}, err
	}
	return j.Summary(), nil
}
