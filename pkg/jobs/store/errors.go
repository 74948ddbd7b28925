package store

import "fmt"

// ErrHandleNotFound is returned when no handle exists for a job id.
type ErrHandleNotFound struct {
	JobID uint64
}

func NewErrHandleNotFound(jobID uint64) ErrHandleNotFound {
	return ErrHandleNotFound{JobID: jobID}
}

func (e ErrHandleNotFound) Error() string {
	return fmt.Sprintf("no handle found for job %d", e.JobID)
}

// ErrHandleAlreadyExists is returned when a handle for the job id is
// already persisted. This is what enforces at-most-one execution per job.
type ErrHandleAlreadyExists struct {
	JobID uint64
}

func NewErrHandleAlreadyExists(jobID uint64) ErrHandleAlreadyExists {
	return ErrHandleAlreadyExists{JobID: jobID}
}

func (e ErrHandleAlreadyExists) Error() string {
	return fmt.Sprintf("handle already exists for job %d", e.JobID)
}

// ErrInvalidHandleState is returned when a compare-and-swap update finds a
// different state than the caller expected.
type ErrInvalidHandleState struct {
	JobID    uint64
	Actual   HandleState
	Expected HandleState
}

func NewErrInvalidHandleState(jobID uint64, actual, expected HandleState) ErrInvalidHandleState {
	return ErrInvalidHandleState{JobID: jobID, Actual: actual, Expected: expected}
}

func (e ErrInvalidHandleState) Error() string {
	return fmt.Sprintf("job %d is in state %s, expected %s", e.JobID, e.Actual, e.Expected)
}
