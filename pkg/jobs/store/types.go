package store

import (
	"context"
	"fmt"
	"time"
)

// HandleState tracks a locally-executing job from assignment to on-chain
// resolution. Terminal states mean the outcome transaction was confirmed
// (or the chain resolved the job for us).
type HandleState int

const (
	HandleStateUndefined HandleState = iota
	HandleStateAssigned
	HandleStateRunning
	HandleStateCompleted
	HandleStateFailed
	HandleStateTimedOut
	HandleStateDisputed
)

var handleStateNames = map[HandleState]string{
	HandleStateUndefined: "Undefined",
	HandleStateAssigned:  "Assigned",
	HandleStateRunning:   "Running",
	HandleStateCompleted: "Completed",
	HandleStateFailed:    "Failed",
	HandleStateTimedOut:  "TimedOut",
	HandleStateDisputed:  "Disputed",
}

func (s HandleState) String() string {
	if name, ok := handleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

func HandleStates() []HandleState {
	return []HandleState{
		HandleStateAssigned,
		HandleStateRunning,
		HandleStateCompleted,
		HandleStateFailed,
		HandleStateTimedOut,
		HandleStateDisputed,
	}
}

// IsExecuting reports whether the handle still represents live local work.
func (s HandleState) IsExecuting() bool {
	return s == HandleStateAssigned || s == HandleStateRunning
}

func (s HandleState) IsTerminal() bool {
	switch s {
	case HandleStateCompleted, HandleStateFailed, HandleStateTimedOut, HandleStateDisputed:
		return true
	default:
		return false
	}
}

// JobHandle is the persisted record of a job this node is executing. It is
// written before anything else happens so a crash between assignment
// detection and execution is recoverable, and it is the guard that keeps a
// job from being launched twice.
type JobHandle struct {
	JobID         uint64
	RunID         string
	Submitter     string
	BaseModelName string
	Params        string

	State      HandleState
	Revision   int
	CreateTime time.Time
	UpdateTime time.Time

	TokenCountReported bool
	// FailureReported means the failJob transaction for a failed or
	// timed-out handle was confirmed (or the chain had already resolved
	// the job). A terminal failure handle without it is an unfinished
	// on-chain resolution that must be retried.
	FailureReported bool
	ResultRef       string
	FailureReason   string
}

func NewJobHandle(jobID uint64, runID, submitter, baseModelName, params string) JobHandle {
	now := time.Now().UTC()
	return JobHandle{
		JobID:         jobID,
		RunID:         runID,
		Submitter:     submitter,
		BaseModelName: baseModelName,
		Params:        params,
		State:         HandleStateAssigned,
		Revision:      1,
		CreateTime:    now,
		UpdateTime:    now,
	}
}

func (h JobHandle) String() string {
	return fmt.Sprintf("{Job: %d, Run: %s, State: %s}", h.JobID, h.RunID, h.State)
}

// HandleHistory is one state transition of a handle, kept in write order.
type HandleHistory struct {
	JobID         uint64
	PreviousState HandleState
	NewState      HandleState
	NewRevision   int
	Comment       string
	Time          time.Time
}

// UpdateRequest is a compare-and-swap state update. ExpectedState of
// Undefined skips the check.
type UpdateRequest struct {
	JobID         uint64
	NewState      HandleState
	ExpectedState HandleState
	Comment       string

	// Optional field updates applied together with the transition.
	ResultRef          string
	FailureReason      string
	TokenCountReported *bool
	FailureReported    *bool
}

// Validate checks the request against the stored handle.
func (r UpdateRequest) Validate(handle JobHandle) error {
	if r.ExpectedState != HandleStateUndefined && handle.State != r.ExpectedState {
		return NewErrInvalidHandleState(r.JobID, handle.State, r.ExpectedState)
	}
	return nil
}

// ValidateNewHandle rejects handles created in anything but the initial
// state.
func ValidateNewHandle(handle JobHandle) error {
	if handle.State != HandleStateAssigned {
		return NewErrInvalidHandleState(handle.JobID, handle.State, HandleStateAssigned)
	}
	if handle.Revision != 1 {
		return fmt.Errorf("new handle for job %d must start at revision 1, got %d", handle.JobID, handle.Revision)
	}
	if handle.RunID == "" {
		return fmt.Errorf("new handle for job %d is missing a run id", handle.JobID)
	}
	return nil
}

// HandleStore is the durable metadata store of jobs handled by this node.
type HandleStore interface {
	// GetHandle returns the handle for a job id.
	GetHandle(ctx context.Context, jobID uint64) (JobHandle, error)
	// GetLiveHandles returns every handle in an executing state.
	GetLiveHandles(ctx context.Context) ([]JobHandle, error)
	// GetHandlesByState returns every handle in one of the given states.
	GetHandlesByState(ctx context.Context, states ...HandleState) ([]JobHandle, error)
	// GetHistory returns the transition history of a handle.
	GetHistory(ctx context.Context, jobID uint64) ([]HandleHistory, error)
	// CreateHandle persists a new handle.
	CreateHandle(ctx context.Context, handle JobHandle) error
	// UpdateHandle applies a compare-and-swap state transition.
	UpdateHandle(ctx context.Context, request UpdateRequest) error
	// DeleteHandle removes a handle and its history.
	DeleteHandle(ctx context.Context, jobID uint64) error
	// Close releases the underlying resources.
	Close(ctx context.Context) error
}
