package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrJobNotFound          = errors.New("job not found")
	ErrJobStillActive       = errors.New("job still active")
	ErrArtifactMissing      = errors.New("artifact missing")
	ErrArtifactDeleteFailed = errors.New("artifact delete failed")
	ErrTransformationFailed = errors.New("transformation failed")
	ErrQueueUnavailable     = errors.New("queue unavailable")

	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTransitionConflict = errors.New("status transition conflict")

	// ErrAborted is the cancellation cause of a run stopped by an abort.
	ErrAborted = errors.New("export aborted")
)

// ConflictError is returned when a compare-and-set transition finds the job in a
// different status than expected.
type ConflictError struct {
	JobID    string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.JobID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrTransitionConflict }
