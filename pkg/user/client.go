package user

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/escrow"
	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
	"github.com/lumino-labs/lumino-client/pkg/pipeline"
)

// Ledger is the slice of the gateway the user client needs.
type Ledger interface {
	Address() common.Address
	ContractAddress(name string) (common.Address, error)
	Read(ctx context.Context, call ledger.Call) ([]interface{}, error)
	ReadUint8(ctx context.Context, call ledger.Call) (uint8, error)
	ReadUint64(ctx context.Context, call ledger.Call) (uint64, error)
	ReadBigInt(ctx context.Context, call ledger.Call) (*big.Int, error)
	ReadBool(ctx context.Context, call ledger.Call) (bool, error)
	ReadUint64Slice(ctx context.Context, call ledger.Call) ([]uint64, error)
	SubmitAndConfirm(ctx context.Context, call ledger.Call, timeout time.Duration) (ledger.Confirmation, error)
	EventUint64(confirmation ledger.Confirmation, contractName, eventName, argName string) (uint64, error)
}

type ClientParams struct {
	Ledger    Ledger
	TxTimeout time.Duration
}

// Client is the user-facing side of the protocol: it submits training jobs
// against escrowed funds and reads their progress. It shares the gateway
// with nothing else, so the account's single-transaction rule holds here
// too.
type Client struct {
	ledger    Ledger
	txTimeout time.Duration
}

func NewClient(params ClientParams) *Client {
	txTimeout := params.TxTimeout
	if txTimeout == 0 {
		txTimeout = 2 * time.Minute
	}
	return &Client{ledger: params.Ledger, txTimeout: txTimeout}
}

// CreateJob validates the parameter blob locally, checks the job escrow
// covers the run, then submits. Malformed parameters and underfunded
// escrows are rejected before any transaction is built, so they cost the
// user nothing.
func (c *Client) CreateJob(ctx context.Context, params, baseModelName string) (models.Job, error) {
	if err := models.ValidateJobParams(params); err != nil {
		return models.Job{}, ledger.NewErrPrecondition("job submission", "%s", err)
	}

	requiredRating := requiredComputeRating(params, baseModelName)
	requiredFunds := jobCostEstimate(requiredRating)
	deficit, err := escrow.CheckJobEscrow(ctx, c.ledger, requiredFunds)
	if err != nil {
		return models.Job{}, err
	}
	if deficit.Sign() > 0 {
		return models.Job{}, ledger.NewErrPrecondition("job submission",
			"job escrow is short %s wei, top it up first", deficit)
	}

	confirmation, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "submitJob",
		Args: []interface{}{params, baseModelName, new(big.Int).SetUint64(requiredRating)},
	}, c.txTimeout)
	if err != nil {
		return models.Job{}, fmt.Errorf("submitting job: %w", err)
	}
	jobID, err := c.ledger.EventUint64(confirmation, "JobManager", "JobSubmitted", "jobId")
	if err != nil {
		return models.Job{}, fmt.Errorf("recovering job id from submission receipt: %w", err)
	}

	log.Ctx(ctx).Info().
		Uint64("job", jobID).
		Str("model", baseModelName).
		Uint64("rating", requiredRating).
		Msg("job submitted")
	return models.Job{
		ID:            jobID,
		Submitter:     c.ledger.Address(),
		Params:        params,
		BaseModelName: baseModelName,
		State:         models.JobStateCreated,
	}, nil
}

// GetJob reads a job's current chain state.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (models.Job, error) {
	id := new(big.Int).SetUint64(jobID)

	status, err := c.ledger.ReadUint8(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobStatus", Args: []interface{}{id},
	})
	if err != nil {
		return models.Job{}, err
	}
	state := models.JobState(status)

	assignedNode, err := c.ledger.ReadUint64(ctx, ledger.Call{
		Contract: "JobManager", Method: "getAssignedNode", Args: []interface{}{id},
	})
	if err != nil {
		return models.Job{}, err
	}

	results, err := c.ledger.Read(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobArgs", Args: []interface{}{id},
	})
	if err != nil {
		return models.Job{}, err
	}
	if len(results) != 2 {
		return models.Job{}, fmt.Errorf("unexpected job args outputs for job %d", jobID)
	}
	params, paramsOK := results[0].(string)
	baseModelName, modelOK := results[1].(string)
	if !paramsOK || !modelOK {
		return models.Job{}, fmt.Errorf("unexpected job args output types for job %d", jobID)
	}

	if state == models.JobStateCompleted {
		disputed, err := c.ledger.ReadBool(ctx, ledger.Call{
			Contract: "JobManager", Method: "wasJobDisputed", Args: []interface{}{id},
		})
		if err == nil && disputed {
			state = models.JobStateDisputed
		}
	}

	return models.Job{
		ID:            jobID,
		Submitter:     c.ledger.Address(),
		AssignedNode:  assignedNode,
		Params:        params,
		BaseModelName: baseModelName,
		State:         state,
	}, nil
}

// ListJobs returns every job this account has submitted.
func (c *Client) ListJobs(ctx context.Context) ([]models.Job, error) {
	jobIDs, err := c.ledger.ReadUint64Slice(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobsBySubmitter",
		Args: []interface{}{c.ledger.Address()},
	})
	if err != nil {
		return nil, fmt.Errorf("listing submitted jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// WaitForTerminal polls until the job reaches a terminal state or the
// context ends, reporting each observed transition through onChange.
func (c *Client) WaitForTerminal(ctx context.Context, jobID uint64, poll time.Duration, onChange func(models.Job)) (models.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last models.JobState = -1
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if job.State != last {
			last = job.State
			if onChange != nil {
				onChange(job)
			}
		}
		if job.State.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TopUpEscrow moves tokens into the job escrow: approve, then deposit.
func (c *Client) TopUpEscrow(ctx context.Context, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("top-up amount must be positive")
	}

	balance, err := c.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "LuminoToken", Method: "balanceOf",
		Args: []interface{}{c.ledger.Address()},
	})
	if err != nil {
		return fmt.Errorf("checking token balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return ledger.NewErrPrecondition("escrow top-up",
			"token balance %s is below top-up amount %s", balance, amount)
	}

	escrowAddress, err := c.ledger.ContractAddress("JobEscrow")
	if err != nil {
		return err
	}
	if _, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "LuminoToken", Method: "approve",
		Args: []interface{}{escrowAddress, amount},
	}, c.txTimeout); err != nil {
		return fmt.Errorf("approving escrow spend: %w", err)
	}
	if _, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobEscrow", Method: "deposit",
		Args: []interface{}{amount},
	}, c.txTimeout); err != nil {
		return fmt.Errorf("depositing into escrow: %w", err)
	}
	log.Ctx(ctx).Info().Str("amount", amount.String()).Msg("job escrow deposit confirmed")
	return nil
}

// EscrowBalance reads this account's job escrow balance.
func (c *Client) EscrowBalance(ctx context.Context) (*big.Int, error) {
	return c.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "JobEscrow", Method: "getBalance",
		Args: []interface{}{c.ledger.Address()},
	})
}

// requiredComputeRating sizes the job from its parameters the same way the
// pipeline will, so assignment lands on a node with enough GPUs.
func requiredComputeRating(params, baseModelName string) uint64 {
	var decoded struct {
		UseLora *bool `json:"use_lora"`
	}
	useLora := true
	if err := json.Unmarshal([]byte(params), &decoded); err == nil && decoded.UseLora != nil {
		useLora = *decoded.UseLora
	}
	return uint64(pipeline.NumGPUs(baseModelName, useLora))
}

// jobCostEstimate is the escrow the protocol expects a job to be backed
// by: one token per rating unit.
func jobCostEstimate(requiredRating uint64) *big.Int {
	rating := new(big.Int).SetUint64(requiredRating)
	return rating.Mul(rating, big.NewInt(1e18))
}
