package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/exportq/internal/domain"
)

// Queries are written with ? placeholders and rebound to $n for Postgres.
const jobColumns = `id, task_ref, kind, params, status, artifact_ref, error_detail, worker_id,
created_by, created_at, started_at, heartbeat_at, finished_at`

const (
	insertJobSQL = `insert into export_jobs(
id, task_ref, kind, params, status, created_by, created_at
) values (?,?,?,?,?,?,?)`

	selectJobSQL = `select ` + jobColumns + ` from export_jobs where id = ?`

	selectByTaskRefSQL = `select ` + jobColumns + ` from export_jobs where task_ref = ?`

	transitionSQL = `update export_jobs
   set status = ?,
       artifact_ref = ?,
       error_detail = ?,
       worker_id = coalesce(?, worker_id),
       started_at = coalesce(?, started_at),
       heartbeat_at = coalesce(?, heartbeat_at),
       finished_at = ?
 where id = ? and status = ?`

	heartbeatSQL = `update export_jobs
   set heartbeat_at = ?
 where id = ? and status = 'running' and worker_id = ?`

	selectStatusSQL = `select status from export_jobs where id = ?`

	deleteJobSQL = `delete from export_jobs where id = ?`

	staleQueuedSQL = `select ` + jobColumns + ` from export_jobs
 where status = 'queued' and created_at < ?
 order by created_at asc limit ?`

	staleRunningSQL = `select ` + jobColumns + ` from export_jobs
 where status = 'running' and coalesce(heartbeat_at, started_at, created_at) < ?
 order by created_at asc limit ?`

	artifactsSQL = `select artifact_ref from export_jobs where artifact_ref is not null`
)

func listSQL(f ListFilter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`select ` + jobColumns + ` from export_jobs`)
	if len(f.Statuses) > 0 {
		b.WriteString(` where status in (`)
		for i, s := range f.Statuses {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, string(s))
		}
		b.WriteString(")")
	}
	b.WriteString(` order by created_at desc, id desc`)
	if f.Limit > 0 {
		b.WriteString(` limit ?`)
		args = append(args, f.Limit)
	}
	return b.String(), args
}

// rebind turns ? placeholders into $1..$n.
func rebind(q string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 16)
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j      domain.Job
		kind   string
		status string
		params []byte
	)
	if err := row.Scan(
		&j.ID, &j.TaskRef, &kind, &params, &status, &j.ArtifactRef, &j.ErrorDetail, &j.WorkerID,
		&j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.HeartbeatAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.Kind = domain.Kind(kind)
	j.Status = domain.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, errors.Wrapf(err, "decode params of job %s", j.ID)
		}
	}
	return &j, nil
}

func prepareInsert(j *domain.Job, now time.Time) ([]any, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.TaskRef == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "task ref required")
	}
	if !j.Kind.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidRequest, "unknown kind %q", j.Kind)
	}
	j.Status = domain.Queued
	j.CreatedAt = now
	j.ArtifactRef, j.ErrorDetail, j.WorkerID = nil, nil, nil
	j.StartedAt, j.HeartbeatAt, j.FinishedAt = nil, nil, nil
	if j.Params == nil {
		j.Params = domain.FilterParams{}
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return nil, errors.Wrap(err, "encode params")
	}
	return []any{j.ID, j.TaskRef, string(j.Kind), params, string(j.Status), j.CreatedBy, now}, nil
}

func transitionArgs(id string, from domain.Status, upd domain.Update, now time.Time) []any {
	var (
		artifact, detail, worker *string
		started, heartbeat       *time.Time
		finished                 *time.Time
	)
	if upd.ArtifactRef != "" {
		artifact = &upd.ArtifactRef
	}
	if upd.ErrorDetail != "" {
		detail = &upd.ErrorDetail
	}
	if upd.WorkerID != "" {
		worker = &upd.WorkerID
	}
	if upd.To == domain.Running {
		started, heartbeat = &now, &now
	}
	if upd.To.Terminal() {
		finished = &now
	}
	return []any{string(upd.To), artifact, detail, worker, started, heartbeat, finished, id, string(from)}
}
