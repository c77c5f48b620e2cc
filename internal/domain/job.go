package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Queued   Status = "queued"
	Running  Status = "running"
	Complete Status = "complete"
	Failed   Status = "error"
	Aborted  Status = "aborted"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == Complete || s == Failed || s == Aborted
}

func (s Status) Valid() bool {
	switch s {
	case Queued, Running, Complete, Failed, Aborted:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", errors.Wrapf(ErrInvalidRequest, "unknown status %q", v)
	}
	return s, nil
}

// transitions lists every edge of the lifecycle.
var transitions = map[Status][]Status{
	Queued:  {Running, Aborted},
	Running: {Complete, Failed, Aborted},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID          string
	TaskRef     string
	Kind        Kind
	Params      FilterParams
	Status      Status
	ArtifactRef *string
	ErrorDetail *string
	WorkerID    *string
	CreatedBy   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
}

// Update is the payload of a compare-and-set status transition.
type Update struct {
	To          Status
	ArtifactRef string
	ErrorDetail string
	WorkerID    string
}

// Validate checks the edge and the artifact and error detail rules.
func (u Update) Validate(from Status) error {
	if !CanTransition(from, u.To) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, u.To)
	}
	if u.ArtifactRef != "" && u.To != Complete {
		return errors.Wrapf(ErrInvalidTransition, "artifact ref on %s", u.To)
	}
	if u.To == Complete && u.ArtifactRef == "" {
		return errors.Wrap(ErrInvalidTransition, "complete without artifact ref")
	}
	if u.To == Failed && strings.TrimSpace(u.ErrorDetail) == "" {
		return errors.Wrap(ErrInvalidTransition, "error without detail")
	}
	if u.ErrorDetail != "" && u.To != Failed {
		return errors.Wrapf(ErrInvalidTransition, "error detail on %s", u.To)
	}
	if u.To == Running && u.WorkerID == "" {
		return errors.Wrap(ErrInvalidTransition, "running without worker id")
	}
	return nil
}

// Summary is the read-only view returned by listings.
type Summary struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Modality    string       `json:"modality"`
	Params      FilterParams `json:"params,omitempty"`
	Status      Status       `json:"status"`
	HasArtifact bool         `json:"has_artifact"`
	ErrorDetail string       `json:"error_detail,omitempty"`
	CreatedBy   string       `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

func (j *Job) Summary() Summary {
	s := Summary{
		ID:          j.ID,
		Kind:        j.Kind,
		Modality:    j.Kind.Modality(),
		Params:      j.Params,
		Status:      j.Status,
		HasArtifact: j.ArtifactRef != nil,
		CreatedBy:   j.CreatedBy,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.ErrorDetail != nil {
		s.ErrorDetail = *j.ErrorDetail
	}
	return s
}
