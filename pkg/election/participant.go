package election

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
)

const secretLength = 32

// Ledger is the slice of the gateway the participant needs.
type Ledger interface {
	ReadUint64(ctx context.Context, call ledger.Call) (uint64, error)
	ReadBool(ctx context.Context, call ledger.Call) (bool, error)
	SubmitAndConfirm(ctx context.Context, call ledger.Call, timeout time.Duration) (ledger.Confirmation, error)
}

type ParticipantParams struct {
	NodeID    uint64
	Ledger    Ledger
	Store     *RoundStore
	TxTimeout time.Duration
}

// Participant plays the commit-reveal leader election, once per epoch.
// Every on-chain step is recorded in the persisted round after it
// confirms, so the duties are idempotent: OnPhase can be called on every
// poll tick and across restarts without double-submitting. A step the
// chain reports as already done (a precondition revert) is marked done
// locally too.
type Participant struct {
	nodeID    uint64
	ledger    Ledger
	store     *RoundStore
	txTimeout time.Duration
}

func NewParticipant(params ParticipantParams) *Participant {
	txTimeout := params.TxTimeout
	if txTimeout == 0 {
		txTimeout = 2 * time.Minute
	}
	return &Participant{
		nodeID:    params.NodeID,
		ledger:    params.Ledger,
		store:     params.Store,
		txTimeout: txTimeout,
	}
}

// OnPhase performs this node's election duty for the current epoch phase.
// IsLeader is only meaningful after the Elect phase has been processed.
func (p *Participant) OnPhase(ctx context.Context, epoch models.Epoch) error {
	switch epoch.Phase {
	case models.PhaseCommit:
		return p.ensureCommitted(ctx, epoch.Number)
	case models.PhaseReveal:
		return p.ensureRevealed(ctx, epoch.Number)
	case models.PhaseElect:
		return p.ensureElected(ctx, epoch.Number)
	case models.PhaseDispute:
		return p.ensureIncentivesProcessed(ctx, epoch.Number)
	default:
		return nil
	}
}

// ensureCommitted generates and persists the secret before the commitment
// transaction goes out. The order matters: a secret that was committed
// on-chain but lost locally can never be revealed, so the write to disk
// comes first.
func (p *Participant) ensureCommitted(ctx context.Context, epochNumber uint64) error {
	round, found, err := p.store.GetRound(ctx, epochNumber)
	if err != nil {
		return err
	}
	if !found {
		secret := make([]byte, secretLength)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating election secret: %w", err)
		}
		round = Round{
			Epoch:      epochNumber,
			Secret:     secret,
			Commitment: crypto.Keccak256(secret),
		}
		if err := p.store.PutRound(ctx, round); err != nil {
			return fmt.Errorf("persisting election round: %w", err)
		}
		// A new epoch's commit window means every older round is past its
		// dispute window; their secrets are dead weight.
		if err := p.store.Prune(ctx, epochNumber); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to prune old election rounds")
		}
	}
	if round.Committed {
		return nil
	}

	done, err := p.submit(ctx, ledger.Call{
		Contract: "LeaderManager",
		Method:   "submitCommitment",
		Args:     []interface{}{p.nodeIDArg(), toBytes32(round.Commitment)},
	})
	if err != nil {
		return fmt.Errorf("submitting commitment for epoch %d: %w", epochNumber, err)
	}
	if done {
		round.Committed = true
		if err := p.store.PutRound(ctx, round); err != nil {
			return err
		}
		log.Ctx(ctx).Info().Uint64("epoch", epochNumber).Msg("commitment submitted")
	}
	return nil
}

func (p *Participant) ensureRevealed(ctx context.Context, epochNumber uint64) error {
	round, found, err := p.store.GetRound(ctx, epochNumber)
	if err != nil {
		return err
	}
	if !found || !round.Committed {
		// Joined the epoch too late to commit; sit this one out.
		return nil
	}
	if round.Revealed {
		return nil
	}

	done, err := p.submit(ctx, ledger.Call{
		Contract: "LeaderManager",
		Method:   "revealSecret",
		Args:     []interface{}{p.nodeIDArg(), toBytes32(round.Secret)},
	})
	if err != nil {
		return fmt.Errorf("revealing secret for epoch %d: %w", epochNumber, err)
	}
	if done {
		round.Revealed = true
		if err := p.store.PutRound(ctx, round); err != nil {
			return err
		}
		log.Ctx(ctx).Info().Uint64("epoch", epochNumber).Msg("secret revealed")
	}
	return nil
}

// ensureElected triggers the election if nobody has yet, then, if this
// node won, starts the assignment round. Both calls race benignly with
// every other node in the network; losing the race is a precondition
// revert and means the work is already done.
func (p *Participant) ensureElected(ctx context.Context, epochNumber uint64) error {
	round, found, err := p.store.GetRound(ctx, epochNumber)
	if err != nil {
		return err
	}
	if !found || !round.Revealed {
		return nil
	}

	if !round.ElectionTriggered {
		done, err := p.submit(ctx, ledger.Call{
			Contract: "LeaderManager", Method: "electLeader",
		})
		if err != nil {
			return fmt.Errorf("triggering election for epoch %d: %w", epochNumber, err)
		}
		if !done {
			return nil
		}
		round.ElectionTriggered = true
		if err := p.store.PutRound(ctx, round); err != nil {
			return err
		}
	}

	leader, err := p.ledger.ReadUint64(ctx, ledger.Call{
		Contract: "LeaderManager", Method: "getCurrentLeader",
	})
	if err != nil {
		return err
	}
	if leader != p.nodeID {
		return nil
	}
	log.Ctx(ctx).Info().Uint64("epoch", epochNumber).Msg("elected leader for this epoch")

	if round.AssignmentStarted {
		return nil
	}
	started, err := p.ledger.ReadBool(ctx, ledger.Call{
		Contract: "JobManager", Method: "wasAssignmentRoundStarted",
		Args: []interface{}{new(big.Int).SetUint64(epochNumber)},
	})
	if err != nil {
		return err
	}
	if !started {
		done, err := p.submit(ctx, ledger.Call{
			Contract: "JobManager", Method: "startAssignmentRound",
		})
		if err != nil {
			return fmt.Errorf("starting assignment round for epoch %d: %w", epochNumber, err)
		}
		if !done {
			return nil
		}
	}
	round.AssignmentStarted = true
	if err := p.store.PutRound(ctx, round); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Uint64("epoch", epochNumber).Msg("assignment round started")
	return nil
}

func (p *Participant) ensureIncentivesProcessed(ctx context.Context, epochNumber uint64) error {
	round, found, err := p.store.GetRound(ctx, epochNumber)
	if err != nil {
		return err
	}
	if !found {
		round = Round{Epoch: epochNumber}
	}
	if round.IncentivesProcessed {
		return nil
	}

	done, err := p.submit(ctx, ledger.Call{
		Contract: "IncentiveManager", Method: "processAll",
	})
	if err != nil {
		return fmt.Errorf("processing incentives for epoch %d: %w", epochNumber, err)
	}
	if done {
		round.IncentivesProcessed = true
		if err := p.store.PutRound(ctx, round); err != nil {
			return err
		}
		log.Ctx(ctx).Info().Uint64("epoch", epochNumber).Msg("incentives processed")
	}
	return nil
}

// IsLeader reports whether this node is the current epoch's leader.
func (p *Participant) IsLeader(ctx context.Context) (bool, error) {
	leader, err := p.ledger.ReadUint64(ctx, ledger.Call{
		Contract: "LeaderManager", Method: "getCurrentLeader",
	})
	if err != nil {
		return false, err
	}
	return leader == p.nodeID, nil
}

// submit sends one transaction and reports whether the chain now holds the
// desired state: true on confirmation and on precondition reverts (someone
// got there first, or a previous attempt landed), false on timeouts worth
// retrying next tick. Other errors surface to the caller.
func (p *Participant) submit(ctx context.Context, call ledger.Call) (bool, error) {
	_, err := p.ledger.SubmitAndConfirm(ctx, call, p.txTimeout)
	if err == nil {
		return true, nil
	}
	var reverted ledger.ErrReverted
	if errors.As(err, &reverted) && reverted.Kind == ledger.RevertPrecondition {
		log.Ctx(ctx).Debug().Str("call", call.String()).Msg("chain already holds the desired state")
		return true, nil
	}
	if ledger.IsTransient(err) {
		log.Ctx(ctx).Warn().Err(err).Str("call", call.String()).Msg("submission failed, will retry next tick")
		return false, nil
	}
	return false, err
}

func (p *Participant) nodeIDArg() *big.Int {
	return new(big.Int).SetUint64(p.nodeID)
}

func toBytes32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
