package node

import (
	"context"
	"math/big"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/config"
	"github.com/lumino-labs/lumino-client/pkg/election"
	"github.com/lumino-labs/lumino-client/pkg/epoch"
	"github.com/lumino-labs/lumino-client/pkg/escrow"
	"github.com/lumino-labs/lumino-client/pkg/jobs"
	"github.com/lumino-labs/lumino-client/pkg/jobs/store"
	"github.com/lumino-labs/lumino-client/pkg/jobs/store/boltdb"
	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/lifecycle"
	"github.com/lumino-labs/lumino-client/pkg/logger"
	"github.com/lumino-labs/lumino-client/pkg/models"
	"github.com/lumino-labs/lumino-client/pkg/pipeline"
)

const (
	handleStoreFile   = "job_handles.db"
	electionStoreFile = "elections.db"

	statusReportInterval = time.Minute
	txTimeout            = 2 * time.Minute
)

// Node wires the compute-provider role together: one gateway, one epoch
// tracker, and the election, job and escrow loops running against them.
// Each loop has its own cadence; a slow training run never stalls the
// election duties because job monitoring happens off the main loops.
type Node struct {
	cfg     *config.Config
	gateway *ledger.Gateway
	tracker *epoch.Tracker

	record      models.NodeRecord
	lifecycle   *lifecycle.Manager
	participant *election.Participant
	controller  *jobs.Controller
	monitor     *escrow.Monitor

	handleStore   store.HandleStore
	electionStore *election.RoundStore

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the ledger side of the node. Registration and loop startup
// happen in Start, so constructing a Node performs no transactions.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	backend, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	registry, err := ledger.NewRegistry(cfg.Addresses, cfg.ABIDir)
	if err != nil {
		return nil, err
	}
	gateway, err := ledger.NewGateway(ctx, ledger.GatewayParams{
		Backend:             backend,
		Registry:            registry,
		PrivateKeyHex:       cfg.PrivateKey,
		DataDir:             cfg.DataDir,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:     cfg,
		gateway: gateway,
		tracker: epoch.NewTracker(gateway),
		lifecycle: lifecycle.NewManager(lifecycle.ManagerParams{
			Ledger:        gateway,
			DataDir:       cfg.DataDir,
			ComputeRating: cfg.ComputeRating,
			TxTimeout:     txTimeout,
		}),
	}, nil
}

// Start registers the node if needed, reconciles persisted job state
// against the chain, and launches the polling loops. It returns once the
// loops are running.
func (n *Node) Start(ctx context.Context) error {
	record, err := n.lifecycle.EnsureActive(ctx)
	if err != nil {
		return err
	}
	n.record = record
	ctx = logger.ContextWithNodeIDLogger(ctx, strconv.FormatUint(record.ID, 10))

	handleStore, err := boltdb.NewStore(ctx, filepath.Join(n.cfg.DataDir, handleStoreFile))
	if err != nil {
		return err
	}
	n.handleStore = handleStore

	electionStore, err := election.NewRoundStore(ctx, filepath.Join(n.cfg.DataDir, electionStoreFile))
	if err != nil {
		return err
	}
	n.electionStore = electionStore

	n.participant = election.NewParticipant(election.ParticipantParams{
		NodeID:    record.ID,
		Ledger:    n.gateway,
		Store:     electionStore,
		TxTimeout: txTimeout,
	})
	// Without a pipeline directory there is nothing to shell out to; the
	// simulator keeps the protocol side exercised on dev deployments.
	var pipe pipeline.Pipeline = pipeline.NewSubprocess(n.cfg.PipelineDir)
	if n.cfg.PipelineDir == "" {
		log.Ctx(ctx).Warn().Msg("no pipeline directory configured, simulating training runs")
		pipe = pipeline.NewSimulator(30 * time.Second)
	}
	n.controller = jobs.NewController(jobs.ControllerParams{
		NodeID:         record.ID,
		Ledger:         n.gateway,
		Store:          handleStore,
		Pipeline:       pipe,
		MaxJobDuration: n.cfg.MaxJobDuration,
		TxTimeout:      txTimeout,
	})
	n.monitor = escrow.NewMonitor(escrow.MonitorParams{
		Ledger:      n.gateway,
		TopUpper:    n.lifecycle,
		LowWater:    tokensToWei(n.cfg.EscrowLowWaterTokens),
		TopUpAmount: tokensToWei(n.cfg.EscrowTopUpTokens),
		Interval:    n.cfg.EscrowPollInterval,
	})

	// Persisted handles are reconciled before any loop runs, so a job in
	// flight when the last process died is either resumed or resolved
	// before new assignments can race with it.
	if err := n.controller.Reconcile(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.runLoop(loopCtx, "epoch", n.cfg.EpochPollInterval, n.epochTick)
	n.runLoop(loopCtx, "jobs", n.cfg.JobPollInterval, n.controller.CheckAssignments)
	n.runLoop(loopCtx, "status", statusReportInterval, n.reportStatus)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.monitor.Run(loopCtx)
	}()

	log.Ctx(ctx).Info().Msg("node started")
	return nil
}

// runLoop runs fn once per interval until the context ends. Errors are
// logged and the loop keeps going; individual ticks are expendable.
func (n *Node) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("loop", name).Msg("loop tick failed")
				}
			}
		}
	}()
}

// epochTick reads the chain clock and performs this phase's election duty.
// Called every tick, not just on transitions: the duties are idempotent
// and a failed submission gets retried on the next tick while the phase
// lasts.
func (n *Node) epochTick(ctx context.Context) error {
	current, err := n.tracker.Current(ctx)
	if err != nil {
		return err
	}
	if err := n.participant.OnPhase(ctx, current); err != nil {
		return err
	}
	// Assignments land at the start of the execution window; poll for
	// them eagerly instead of waiting out the job loop's cadence.
	if current.Phase == models.PhaseConfirm {
		return n.controller.CheckAssignments(ctx)
	}
	return nil
}

func (n *Node) reportStatus(ctx context.Context) error {
	current, err := n.tracker.Current(ctx)
	if err != nil {
		return err
	}
	balance, err := n.lifecycle.EscrowBalance(ctx)
	if err != nil {
		return err
	}
	live, err := n.handleStore.GetLiveHandles(ctx)
	if err != nil {
		return err
	}
	leader, err := n.participant.IsLeader(ctx)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().
		Uint64("epoch", current.Number).
		Stringer("phase", current.Phase).
		Str("escrow", balance.String()).
		Int("live_jobs", len(live)).
		Bool("leader", leader).
		Msg("node status")
	return nil
}

// Stop shuts the loops down and closes the stores. Blocks until every
// monitor goroutine has drained.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	var result *multierror.Error
	if n.controller != nil {
		n.controller.Stop()
	}
	if n.handleStore != nil {
		result = multierror.Append(result, n.handleStore.Close(ctx))
	}
	if n.electionStore != nil {
		result = multierror.Append(result, n.electionStore.Close(ctx))
	}
	log.Ctx(ctx).Info().Msg("node stopped")
	return result.ErrorOrNil()
}

// Record returns the node's registration record. Only valid after Start.
func (n *Node) Record() models.NodeRecord {
	return n.record
}

func tokensToWei(tokens uint64) *big.Int {
	wei := new(big.Int).SetUint64(tokens)
	return wei.Mul(wei, big.NewInt(1e18))
}
