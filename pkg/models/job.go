package models

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// JobState is the client's view of a job's lifecycle. The first five values
// mirror the JobManager contract's status codes; Disputed and TimedOut are
// client-side refinements layered on top of chain state.
type JobState int

const (
	JobStateCreated JobState = iota
	JobStateAssigned
	JobStateConfirmed
	JobStateCompleted
	JobStateFailed
	JobStateDisputed
	JobStateTimedOut
)

var jobStateNames = map[JobState]string{
	JobStateCreated:   "Created",
	JobStateAssigned:  "Assigned",
	JobStateConfirmed: "Confirmed",
	JobStateCompleted: "Completed",
	JobStateFailed:    "Failed",
	JobStateDisputed:  "Disputed",
	JobStateTimedOut:  "TimedOut",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// IsTerminal reports whether no further transitions are expected for the job.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateDisputed, JobStateTimedOut:
		return true
	default:
		return false
	}
}

// Job is the unit of work submitted by a user and executed by exactly one
// node per attempt. Params is an opaque JSON blob interpreted only by the
// external training pipeline.
type Job struct {
	ID            uint64
	Submitter     common.Address
	AssignedNode  uint64 // zero until assigned
	Params        string
	BaseModelName string
	State         JobState
	ResultRef     string
}

func (j Job) String() string {
	return fmt.Sprintf("job %d (%s)", j.ID, j.State)
}

// JobParams is the subset of pipeline arguments the client needs to
// understand to shape the pipeline invocation. Everything else in the blob
// is passed through untouched.
type JobParams struct {
	DatasetID string `json:"dataset_id"`
	BatchSize int    `json:"batch_size,omitempty"`
	Shuffle   *bool  `json:"shuffle,omitempty"`
	NumEpochs int    `json:"num_epochs,omitempty"`
	UseLora   *bool  `json:"use_lora,omitempty"`
	UseQlora  *bool  `json:"use_qlora,omitempty"`
	LR        string `json:"lr,omitempty"`
	Seed      *int64 `json:"seed,omitempty"`
}

// ValidateJobParams checks the opaque parameter blob is well-formed JSON and
// that the fields the protocol requires are present. It does not interpret
// anything beyond that.
func ValidateJobParams(params string) error {
	if params == "" {
		return fmt.Errorf("job params must not be empty")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(params), &decoded); err != nil {
		return fmt.Errorf("job params are not valid JSON: %w", err)
	}
	if _, ok := decoded["dataset_id"]; !ok {
		return fmt.Errorf("job params missing required field %q", "dataset_id")
	}
	return nil
}
