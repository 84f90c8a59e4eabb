package domain

import "errors"

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("batch job not found")

	// ErrNoJobs is returned when the job table is empty.
	ErrNoJobs = errors.New("no batch jobs")

	// ErrActiveJobExists is returned when a second pending or running job would be created.
	ErrActiveJobExists = errors.New("an active batch job already exists")
)
