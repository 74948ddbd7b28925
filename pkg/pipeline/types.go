package pipeline

import (
	"context"
	"fmt"
)

// Status of a pipeline run as seen through Poll.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusRunning:   "Running",
	StatusSucceeded: "Succeeded",
	StatusFailed:    "Failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

// LaunchSpec carries everything the training pipeline needs for one run.
// Params is passed through uninterpreted except for the fields that shape
// the invocation itself (GPU sizing).
type LaunchSpec struct {
	RunID         string
	JobID         uint64
	Submitter     string
	BaseModelName string
	Params        string
}

// Observation is the result of polling a run. TokenCount is non-nil once
// the pipeline has tokenized the dataset and reported its size; it appears
// at most once per run.
type Observation struct {
	Status     Status
	TokenCount *uint64
	ResultRef  string
	Error      string
}

// Pipeline is the external training pipeline capability. Implementations
// may shell out to a local runner, talk to a container, or call a remote
// service; the controller does not care which.
type Pipeline interface {
	// Launch starts a run and returns immediately. The run is identified
	// by spec.RunID from then on.
	Launch(ctx context.Context, spec LaunchSpec) error
	// Poll reports the current state of a run.
	Poll(ctx context.Context, runID string) (Observation, error)
	// Cancel makes a best-effort attempt to stop a run. The caller still
	// resolves the job on-chain regardless of whether this succeeds.
	Cancel(ctx context.Context, runID string) error
}
