package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/jobs/store"
	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
	"github.com/lumino-labs/lumino-client/pkg/pipeline"
)

// Ledger is the slice of the gateway the controller needs.
type Ledger interface {
	Read(ctx context.Context, call ledger.Call) ([]interface{}, error)
	ReadUint8(ctx context.Context, call ledger.Call) (uint8, error)
	ReadUint64(ctx context.Context, call ledger.Call) (uint64, error)
	ReadBool(ctx context.Context, call ledger.Call) (bool, error)
	ReadUint64Slice(ctx context.Context, call ledger.Call) ([]uint64, error)
	SubmitAndConfirm(ctx context.Context, call ledger.Call, timeout time.Duration) (ledger.Confirmation, error)
}

type ControllerParams struct {
	NodeID         uint64
	Ledger         Ledger
	Store          store.HandleStore
	Pipeline       pipeline.Pipeline
	MaxJobDuration time.Duration
	TxTimeout      time.Duration
	PipelinePoll   time.Duration
}

// Controller drives assigned jobs from detection to on-chain resolution.
// Detection and confirmation happen on the caller's polling cadence; each
// running job is monitored by its own goroutine so election and escrow
// loops keep progressing while training runs.
//
// The persisted handle is the exactly-once guard: it is written before the
// pipeline is launched, checked before any launch, and reconciled against
// the chain after a restart.
type Controller struct {
	nodeID         uint64
	ledger         Ledger
	store          store.HandleStore
	pipeline       pipeline.Pipeline
	maxJobDuration time.Duration
	txTimeout      time.Duration
	pipelinePoll   time.Duration

	mu       sync.Mutex
	monitors map[uint64]context.CancelFunc
	wg       sync.WaitGroup
}

func NewController(params ControllerParams) *Controller {
	pipelinePoll := params.PipelinePoll
	if pipelinePoll == 0 {
		pipelinePoll = time.Second
	}
	txTimeout := params.TxTimeout
	if txTimeout == 0 {
		txTimeout = 2 * time.Minute
	}
	return &Controller{
		nodeID:         params.NodeID,
		ledger:         params.Ledger,
		store:          params.Store,
		pipeline:       params.Pipeline,
		maxJobDuration: params.MaxJobDuration,
		txTimeout:      txTimeout,
		pipelinePoll:   pipelinePoll,
		monitors:       make(map[uint64]context.CancelFunc),
	}
}

// Reconcile cross-checks persisted handles against current chain state
// after a restart: handles whose job is still ours resume monitoring,
// handles the chain has resolved or reassigned are closed out locally.
// Memory-only state is never treated as authoritative.
func (c *Controller) Reconcile(ctx context.Context) error {
	handles, err := c.store.GetLiveHandles(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted handles: %w", err)
	}

	for _, handle := range handles {
		assignedNode, err := c.ledger.ReadUint64(ctx, ledger.Call{
			Contract: "JobManager", Method: "getAssignedNode", Args: []interface{}{toUint256(handle.JobID)},
		})
		if err != nil {
			return fmt.Errorf("reconciling job %d: %w", handle.JobID, err)
		}
		chainState, err := c.jobState(ctx, handle.JobID)
		if err != nil {
			return fmt.Errorf("reconciling job %d: %w", handle.JobID, err)
		}

		switch {
		case assignedNode != c.nodeID:
			log.Ctx(ctx).Warn().
				Uint64("job", handle.JobID).
				Uint64("assigned", assignedNode).
				Msg("job was reassigned while we were away, discarding local handle")
			if err := c.store.DeleteHandle(ctx, handle.JobID); err != nil {
				return err
			}
		case chainState == models.JobStateCompleted:
			if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
				JobID:    handle.JobID,
				NewState: store.HandleStateCompleted,
				Comment:  "chain already shows completion",
			}); err != nil {
				return err
			}
		case chainState == models.JobStateFailed:
			reported := true
			if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
				JobID:           handle.JobID,
				NewState:        store.HandleStateFailed,
				FailureReported: &reported,
				Comment:         "chain already shows failure",
			}); err != nil {
				return err
			}
		case handle.State == store.HandleStateRunning:
			log.Ctx(ctx).Info().Uint64("job", handle.JobID).Msg("resuming monitor for in-flight job")
			c.startMonitor(ctx, handle)
		case handle.State == store.HandleStateAssigned:
			// Crashed between handle creation and launch. The handle is
			// the launch guard, so it is safe to pick the job back up.
			log.Ctx(ctx).Info().Uint64("job", handle.JobID).Msg("resuming confirmed-but-unlaunched job")
			if err := c.confirmAndLaunch(ctx, handle); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to resume job")
			}
		}
	}

	c.retryUnreportedFailures(ctx)
	return nil
}

// CheckAssignments polls for jobs assigned to this node and picks up any
// that have no local handle yet. Called once per job-poll interval and on
// entering the Confirm phase.
func (c *Controller) CheckAssignments(ctx context.Context) error {
	jobIDs, err := c.ledger.ReadUint64Slice(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobsByNode", Args: []interface{}{toUint256(c.nodeID)},
	})
	if err != nil {
		return fmt.Errorf("listing assigned jobs: %w", err)
	}

	for _, jobID := range jobIDs {
		if err := c.maybeAdopt(ctx, jobID); err != nil {
			log.Ctx(ctx).Error().Err(err).Uint64("job", jobID).Msg("failed to adopt assigned job")
		}
	}

	c.retryUnreportedFailures(ctx)
	c.checkDisputes(ctx)
	return nil
}

func (c *Controller) maybeAdopt(ctx context.Context, jobID uint64) error {
	_, err := c.store.GetHandle(ctx, jobID)
	if err == nil {
		// Handle exists: either live (being executed) or terminal
		// (already resolved). Never launch twice.
		return nil
	}
	if !errors.As(err, &store.ErrHandleNotFound{}) {
		return err
	}

	chainState, err := c.jobState(ctx, jobID)
	if err != nil {
		return err
	}
	if chainState != models.JobStateAssigned {
		return nil
	}

	// Read-verify-then-write: confirm the assignment is really ours on a
	// fresh read before claiming it.
	assignedNode, err := c.ledger.ReadUint64(ctx, ledger.Call{
		Contract: "JobManager", Method: "getAssignedNode", Args: []interface{}{toUint256(jobID)},
	})
	if err != nil {
		return err
	}
	if assignedNode != c.nodeID {
		return nil
	}

	results, err := c.ledger.Read(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobArgs", Args: []interface{}{toUint256(jobID)},
	})
	if err != nil {
		return err
	}
	if len(results) != 2 {
		return fmt.Errorf("unexpected job args outputs for job %d", jobID)
	}
	args, argsOK := results[0].(string)
	baseModelName, modelOK := results[1].(string)
	if !argsOK || !modelOK {
		// An ABI shape mismatch must never reach the pipeline as empty
		// parameters.
		return fmt.Errorf("unexpected job args output types for job %d", jobID)
	}

	submitterOut, err := c.ledger.Read(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobSubmitter", Args: []interface{}{toUint256(jobID)},
	})
	if err != nil {
		return err
	}
	submitter, ok := submitterOut[0].(common.Address)
	if !ok || len(submitterOut) != 1 {
		return fmt.Errorf("unexpected submitter output for job %d", jobID)
	}

	// Persist the handle before anything else so a crash between detection
	// and execution is recoverable.
	handle := store.NewJobHandle(jobID, uuid.NewString(), submitter.Hex(), baseModelName, args)
	if err := c.store.CreateHandle(ctx, handle); err != nil {
		if errors.As(err, &store.ErrHandleAlreadyExists{}) {
			return nil
		}
		return err
	}
	log.Ctx(ctx).Info().Uint64("job", jobID).Str("run", handle.RunID).Msg("adopted assigned job")

	return c.confirmAndLaunch(ctx, handle)
}

func (c *Controller) confirmAndLaunch(ctx context.Context, handle store.JobHandle) error {
	confirmation, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "confirmJob", Args: []interface{}{toUint256(handle.JobID)},
	}, c.txTimeout)
	if err != nil {
		var reverted ledger.ErrReverted
		if errors.As(err, &reverted) && reverted.Kind == ledger.RevertPrecondition {
			// Already confirmed in an earlier attempt; carry on.
			log.Ctx(ctx).Debug().Uint64("job", handle.JobID).Msg("job already confirmed on-chain")
		} else {
			return c.resolveFailure(ctx, handle.JobID, fmt.Sprintf("confirming job: %s", err), store.HandleStateFailed)
		}
	} else {
		log.Ctx(ctx).Info().
			Uint64("job", handle.JobID).
			Uint64("block", confirmation.BlockNumber).
			Msg("job confirmed")
	}

	if err := c.pipeline.Launch(ctx, pipeline.LaunchSpec{
		RunID:         handle.RunID,
		JobID:         handle.JobID,
		Submitter:     handle.Submitter,
		BaseModelName: handle.BaseModelName,
		Params:        handle.Params,
	}); err != nil {
		return c.resolveFailure(ctx, handle.JobID, fmt.Sprintf("launching pipeline: %s", err), store.HandleStateFailed)
	}

	if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
		JobID:         handle.JobID,
		ExpectedState: store.HandleStateAssigned,
		NewState:      store.HandleStateRunning,
		Comment:       "pipeline launched",
	}); err != nil {
		return err
	}
	handle.State = store.HandleStateRunning
	c.startMonitor(ctx, handle)
	return nil
}

func (c *Controller) startMonitor(ctx context.Context, handle store.JobHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.monitors[handle.JobID]; exists {
		return
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	c.monitors[handle.JobID] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.removeMonitor(handle.JobID)
		c.monitorJob(monitorCtx, handle)
	}()
}

func (c *Controller) removeMonitor(jobID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.monitors[jobID]; ok {
		cancel()
		delete(c.monitors, jobID)
	}
}

// monitorJob follows one pipeline run to its terminal state and resolves
// the job on-chain. The deadline is measured from handle creation so a
// restart does not reset the clock.
func (c *Controller) monitorJob(ctx context.Context, handle store.JobHandle) {
	deadline := handle.CreateTime.Add(c.maxJobDuration)
	ticker := time.NewTicker(c.pipelinePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			log.Ctx(ctx).Warn().Uint64("job", handle.JobID).Msg("pipeline exceeded max duration")
			if err := c.pipeline.Cancel(ctx, handle.RunID); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("best-effort pipeline cancel failed")
			}
			// The failure must resolve on-chain even if termination was
			// unclean.
			if err := c.resolveFailure(ctx, handle.JobID, "execution exceeded max duration", store.HandleStateTimedOut); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to resolve timed-out job")
			}
			return
		}

		obs, err := c.pipeline.Poll(ctx, handle.RunID)
		if err != nil {
			// The run is gone (typically: process did not survive a
			// restart). The handle blocks a relaunch, so resolve as failed.
			log.Ctx(ctx).Warn().Err(err).Uint64("job", handle.JobID).Msg("pipeline run lost")
			if err := c.resolveFailure(ctx, handle.JobID, "pipeline run lost", store.HandleStateFailed); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to resolve lost job")
			}
			return
		}

		if obs.TokenCount != nil {
			c.reportTokenCount(ctx, handle.JobID, *obs.TokenCount)
		}

		switch obs.Status {
		case pipeline.StatusSucceeded:
			if err := c.resolveSuccess(ctx, handle.JobID, obs.ResultRef); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to resolve completed job")
			}
			return
		case pipeline.StatusFailed:
			reason := obs.Error
			if reason == "" {
				reason = "pipeline reported failure"
			}
			if err := c.resolveFailure(ctx, handle.JobID, reason, store.HandleStateFailed); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to resolve failed job")
			}
			return
		}
	}
}

func (c *Controller) reportTokenCount(ctx context.Context, jobID, tokenCount uint64) {
	handle, err := c.store.GetHandle(ctx, jobID)
	if err != nil || handle.TokenCountReported {
		return
	}
	_, err = c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "setTokenCountForJob",
		Args: []interface{}{toUint256(jobID), toUint256(tokenCount)},
	}, c.txTimeout)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Uint64("job", jobID).Msg("failed to report token count")
		return
	}
	reported := true
	if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
		JobID:              jobID,
		NewState:           handle.State,
		TokenCountReported: &reported,
		Comment:            fmt.Sprintf("token count %d reported", tokenCount),
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Uint64("job", jobID).Msg("failed to record token count report")
	}
	log.Ctx(ctx).Info().Uint64("job", jobID).Uint64("tokens", tokenCount).Msg("token count reported")
}

func (c *Controller) resolveSuccess(ctx context.Context, jobID uint64, resultRef string) error {
	if _, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "completeJob", Args: []interface{}{toUint256(jobID)},
	}, c.txTimeout); err != nil {
		var reverted ledger.ErrReverted
		if !errors.As(err, &reverted) || reverted.Kind != ledger.RevertPrecondition {
			return fmt.Errorf("submitting completion: %w", err)
		}
		// Precondition revert: the chain already has the completion.
	}

	if _, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "processPayment", Args: []interface{}{toUint256(jobID)},
	}, c.txTimeout); err != nil {
		// Payment processing is retriable on the next epoch's incentive
		// pass; completion itself is what matters here.
		log.Ctx(ctx).Warn().Err(err).Uint64("job", jobID).Msg("payment processing failed")
	}

	if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
		JobID:         jobID,
		ExpectedState: store.HandleStateRunning,
		NewState:      store.HandleStateCompleted,
		ResultRef:     resultRef,
		Comment:       "completion confirmed",
	}); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Uint64("job", jobID).Str("result", resultRef).Msg("job completed")
	return nil
}

// resolveFailure transitions the handle to its terminal state first (the
// CAS guarantees a single transition, and with it a single confirmed
// failure transaction), then reports the failure on-chain. The report is
// recorded on the handle once it lands; if it does not, the unreported
// handle is picked up again on the next poll or restart.
func (c *Controller) resolveFailure(ctx context.Context, jobID uint64, reason string, terminal store.HandleState) error {
	err := c.store.UpdateHandle(ctx, store.UpdateRequest{
		JobID:         jobID,
		ExpectedState: store.HandleStateRunning,
		NewState:      terminal,
		FailureReason: reason,
		Comment:       reason,
	})
	if err != nil {
		var invalidState store.ErrInvalidHandleState
		if errors.As(err, &invalidState) && invalidState.Actual == store.HandleStateAssigned {
			// Failed before launch; same terminal transition applies.
			err = c.store.UpdateHandle(ctx, store.UpdateRequest{
				JobID:         jobID,
				ExpectedState: store.HandleStateAssigned,
				NewState:      terminal,
				FailureReason: reason,
				Comment:       reason,
			})
		}
		if err != nil {
			if errors.As(err, &store.ErrInvalidHandleState{}) {
				// Already terminal: whichever path got here first owns the
				// failure report.
				return nil
			}
			return err
		}
	}
	log.Ctx(ctx).Info().Uint64("job", jobID).Str("reason", reason).Msgf("job resolved as %s", terminal)

	return c.reportFailure(ctx, jobID, terminal, reason)
}

// reportFailure submits failJob and marks the handle once the chain holds
// the failure, either through our transaction or someone else's.
func (c *Controller) reportFailure(ctx context.Context, jobID uint64, terminal store.HandleState, reason string) error {
	if _, err := c.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "JobManager", Method: "failJob", Args: []interface{}{toUint256(jobID), reason},
	}, c.txTimeout); err != nil {
		var reverted ledger.ErrReverted
		if !errors.As(err, &reverted) || reverted.Kind != ledger.RevertPrecondition {
			return fmt.Errorf("submitting failure: %w", err)
		}
		log.Ctx(ctx).Debug().Uint64("job", jobID).Msg("job already resolved on-chain")
	}

	reported := true
	return c.store.UpdateHandle(ctx, store.UpdateRequest{
		JobID:           jobID,
		ExpectedState:   terminal,
		NewState:        terminal,
		FailureReported: &reported,
		Comment:         "failure reported on-chain",
	})
}

// retryUnreportedFailures finishes the on-chain half of failure resolution
// for handles that went terminal without a confirmed failJob, typically
// because the process died between the two steps. A pipeline failure is
// never left unresolved on-chain.
func (c *Controller) retryUnreportedFailures(ctx context.Context) {
	handles, err := c.store.GetHandlesByState(ctx, store.HandleStateFailed, store.HandleStateTimedOut)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list failed handles")
		return
	}
	for _, handle := range handles {
		if handle.FailureReported {
			continue
		}
		reason := handle.FailureReason
		if reason == "" {
			reason = "failure report lost"
		}
		log.Ctx(ctx).Warn().Uint64("job", handle.JobID).Msg("retrying unreported job failure")
		if err := c.reportFailure(ctx, handle.JobID, handle.State, reason); err != nil {
			log.Ctx(ctx).Error().Err(err).Uint64("job", handle.JobID).Msg("failed to report job failure")
		}
	}
}

// Cancel stops a running job on operator request: best-effort local
// termination, then the failure report. On-chain state always resolves.
func (c *Controller) Cancel(ctx context.Context, jobID uint64) error {
	handle, err := c.store.GetHandle(ctx, jobID)
	if err != nil {
		return err
	}
	if !handle.State.IsExecuting() {
		return fmt.Errorf("job %d is not executing (state %s)", jobID, handle.State)
	}
	if err := c.pipeline.Cancel(ctx, handle.RunID); err != nil {
		log.Ctx(ctx).Error().Err(err).Uint64("job", jobID).Msg("best-effort pipeline cancel failed")
	}
	c.removeMonitor(jobID)
	return c.resolveFailure(ctx, jobID, "cancelled by operator", store.HandleStateFailed)
}

// checkDisputes surfaces on-chain disputes of completed jobs as a terminal
// Disputed status. No remediation is attempted; arbitration lives in the
// contracts.
func (c *Controller) checkDisputes(ctx context.Context) {
	handles, err := c.store.GetHandlesByState(ctx, store.HandleStateCompleted)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list completed handles")
		return
	}
	for _, h := range handles {
		disputed, err := c.ledger.ReadBool(ctx, ledger.Call{
			Contract: "JobManager", Method: "wasJobDisputed", Args: []interface{}{toUint256(h.JobID)},
		})
		if err != nil || !disputed {
			continue
		}
		if err := c.store.UpdateHandle(ctx, store.UpdateRequest{
			JobID:         h.JobID,
			ExpectedState: store.HandleStateCompleted,
			NewState:      store.HandleStateDisputed,
			Comment:       "dispute observed on-chain",
		}); err == nil {
			log.Ctx(ctx).Warn().Uint64("job", h.JobID).Msg("completed job is disputed on-chain")
		}
	}
}

func (c *Controller) jobState(ctx context.Context, jobID uint64) (models.JobState, error) {
	status, err := c.ledger.ReadUint8(ctx, ledger.Call{
		Contract: "JobManager", Method: "getJobStatus", Args: []interface{}{toUint256(jobID)},
	})
	if err != nil {
		return 0, err
	}
	return models.JobState(status), nil
}

// Stop cancels every monitor and waits for them to drain.
func (c *Controller) Stop() {
	c.mu.Lock()
	for _, cancel := range c.monitors {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
