package batch

import (
	"errors"
	"fmt"

	"github.com/timmy/mailtriage/internal/domain"
)

var (
	ErrJobNotFound = domain.ErrJobNotFound
	ErrNoJobs      = domain.ErrNoJobs

	// ErrInvalidRequest wraps every validation failure on a start or plan request.
	ErrInvalidRequest = errors.New("invalid batch request")
)

// ActiveJobError reports that a job is already pending or running.
type ActiveJobError struct {
	JobID  string
	Status domain.JobStatus
}

func (e *ActiveJobError) Error() string {
	if e.JobID == "" {
		return "batch job already in progress"
	}
	return fmt.Sprintf("batch job %s already %s", e.JobID, e.Status)
}

func (e *ActiveJobError) Unwrap() error { return domain.ErrActiveJobExists }

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
