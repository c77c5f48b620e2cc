package storage

import (
	"context"
	"time"

	"github.com/SirClappington/exportq/internal/domain"
)

// Registry is the durable table of export jobs. It is the only state shared
// between the gateway and the workers; every status change goes through
// Transition, a compare-and-set on the current status.
type Registry interface {
	Create(ctx context.Context, j *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	GetByTaskRef(ctx context.Context, ref string) (*domain.Job, error)
	List(ctx context.Context, f ListFilter) ([]*domain.Job, error)
	// Transition moves the job from `from` to upd.To. It fails with a
	// *domain.ConflictError when the stored status is not `from`.
	Transition(ctx context.Context, id string, from domain.Status, upd domain.Update) (*domain.Job, error)
	// Heartbeat touches a running job owned by workerID and returns the
	// job's current status, so the caller can notice an external abort.
	Heartbeat(ctx context.Context, id, workerID string) (domain.Status, error)
	Delete(ctx context.Context, id string) error
	// Stale returns queued jobs created before `before`, or running jobs whose
	// last heartbeat is older than `before`.
	Stale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]*domain.Job, error)
	// Artifacts returns every artifact ref currently referenced by a job.
	Artifacts(ctx context.Context) (map[string]struct{}, error)
}

type ListFilter struct {
	Statuses []domain.Status
	Limit    int
}

var (
	_ Registry = (*Store)(nil)
	_ Registry = (*SQLiteStore)(nil)
)
