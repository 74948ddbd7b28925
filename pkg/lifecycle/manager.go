package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
)

const nodeDataFile = "node_data.json"

// Ledger is the slice of the gateway the manager needs.
type Ledger interface {
	Address() common.Address
	ContractAddress(name string) (common.Address, error)
	ReadBool(ctx context.Context, call ledger.Call) (bool, error)
	ReadBigInt(ctx context.Context, call ledger.Call) (*big.Int, error)
	ReadAddress(ctx context.Context, call ledger.Call) (common.Address, error)
	SubmitAndConfirm(ctx context.Context, call ledger.Call, timeout time.Duration) (ledger.Confirmation, error)
	EventUint64(confirmation ledger.Confirmation, contractName, eventName, argName string) (uint64, error)
}

type ManagerParams struct {
	Ledger        Ledger
	DataDir       string
	ComputeRating uint64
	TxTimeout     time.Duration
}

// Manager takes a node from a bare funded account to an active registered
// participant, and keeps its escrow topped up. EnsureActive is idempotent:
// it reads the persisted record and the chain, and only performs the steps
// that are actually missing.
type Manager struct {
	ledger        Ledger
	dataDir       string
	computeRating uint64
	txTimeout     time.Duration

	mu        sync.Mutex
	toppingUp bool
}

func NewManager(params ManagerParams) *Manager {
	txTimeout := params.TxTimeout
	if txTimeout == 0 {
		txTimeout = 2 * time.Minute
	}
	return &Manager{
		ledger:        params.Ledger,
		dataDir:       params.DataDir,
		computeRating: params.ComputeRating,
		txTimeout:     txTimeout,
	}
}

// EnsureActive makes sure this account is whitelisted, staked and
// registered, and returns the node record. Safe to call on every startup:
// an already-registered node comes back after one file read and one
// ownership check, with no transactions.
func (m *Manager) EnsureActive(ctx context.Context) (models.NodeRecord, error) {
	record, found, err := m.loadRecord()
	if err != nil {
		return models.NodeRecord{}, err
	}
	if found {
		owner, err := m.ledger.ReadAddress(ctx, ledger.Call{
			Contract: "NodeManager", Method: "getNodeOwner",
			Args: []interface{}{new(big.Int).SetUint64(record.ID)},
		})
		if err != nil {
			return models.NodeRecord{}, fmt.Errorf("verifying node ownership: %w", err)
		}
		if owner == m.ledger.Address() {
			log.Ctx(ctx).Info().Uint64("node", record.ID).Msg("node already registered and active")
			record.State = models.NodeStateActive
			return record, nil
		}
		// Stale record from another deployment of the same data dir.
		log.Ctx(ctx).Warn().
			Uint64("node", record.ID).
			Str("owner", owner.Hex()).
			Msg("persisted node id is not owned by this account, re-registering")
	}

	whitelisted, err := m.ledger.ReadBool(ctx, ledger.Call{
		Contract: "WhitelistManager", Method: "isWhitelisted",
		Args: []interface{}{m.ledger.Address()},
	})
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("checking whitelist: %w", err)
	}
	if !whitelisted {
		// Whitelisting is an out-of-band operator step; nothing this
		// process can do will make progress until it is done.
		return models.NodeRecord{}, ledger.NewErrPrecondition("registration",
			"account %s is not whitelisted", m.ledger.Address().Hex())
	}

	if err := m.ensureStaked(ctx); err != nil {
		return models.NodeRecord{}, err
	}

	confirmation, err := m.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "NodeManager", Method: "registerNode",
		Args: []interface{}{new(big.Int).SetUint64(m.computeRating)},
	}, m.txTimeout)
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("registering node: %w", err)
	}
	nodeID, err := m.ledger.EventUint64(confirmation, "NodeManager", "NodeRegistered", "nodeId")
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("recovering node id from registration receipt: %w", err)
	}

	record = models.NodeRecord{
		ID:            nodeID,
		Owner:         m.ledger.Address(),
		ComputeRating: m.computeRating,
		State:         models.NodeStateActive,
		StakedAmount:  models.StakeRequirement(m.computeRating),
	}
	if err := m.saveRecord(record); err != nil {
		return models.NodeRecord{}, err
	}
	log.Ctx(ctx).Info().
		Uint64("node", nodeID).
		Uint64("rating", m.computeRating).
		Msg("node registered")
	return record, nil
}

// ensureStaked tops the node escrow up to the stake the compute rating
// requires. A deposit that is already sufficient is a no-op.
func (m *Manager) ensureStaked(ctx context.Context) error {
	required := models.StakeRequirement(m.computeRating)
	balance, err := m.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "NodeEscrow", Method: "getBalance",
		Args: []interface{}{m.ledger.Address()},
	})
	if err != nil {
		return fmt.Errorf("checking escrow balance: %w", err)
	}
	if balance.Cmp(required) >= 0 {
		return nil
	}

	deficit := new(big.Int).Sub(required, balance)
	log.Ctx(ctx).Info().
		Str("required", required.String()).
		Str("balance", balance.String()).
		Str("deficit", deficit.String()).
		Msg("staking into node escrow")
	return m.deposit(ctx, deficit)
}

// TopUp deposits the given token amount into the node escrow. Concurrent
// requests coalesce: while one top-up is in flight, further requests
// return immediately rather than queueing more deposits for the same
// shortfall.
func (m *Manager) TopUp(ctx context.Context, amount *big.Int) error {
	m.mu.Lock()
	if m.toppingUp {
		m.mu.Unlock()
		log.Ctx(ctx).Debug().Msg("top-up already in flight, coalescing")
		return nil
	}
	m.toppingUp = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.toppingUp = false
		m.mu.Unlock()
	}()

	return m.deposit(ctx, amount)
}

// deposit is approve-then-deposit against the node escrow.
func (m *Manager) deposit(ctx context.Context, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}

	balance, err := m.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "LuminoToken", Method: "balanceOf",
		Args: []interface{}{m.ledger.Address()},
	})
	if err != nil {
		return fmt.Errorf("checking token balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return ledger.NewErrPrecondition("deposit",
			"token balance %s is below deposit amount %s", balance, amount)
	}

	escrowAddress, err := m.ledger.ContractAddress("NodeEscrow")
	if err != nil {
		return err
	}
	if _, err := m.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "LuminoToken", Method: "approve",
		Args: []interface{}{escrowAddress, amount},
	}, m.txTimeout); err != nil {
		return fmt.Errorf("approving escrow spend: %w", err)
	}
	if _, err := m.ledger.SubmitAndConfirm(ctx, ledger.Call{
		Contract: "NodeEscrow", Method: "deposit",
		Args: []interface{}{amount},
	}, m.txTimeout); err != nil {
		return fmt.Errorf("depositing into escrow: %w", err)
	}
	log.Ctx(ctx).Info().Str("amount", amount.String()).Msg("escrow deposit confirmed")
	return nil
}

// EscrowBalance reads the node's current escrow balance.
func (m *Manager) EscrowBalance(ctx context.Context) (*big.Int, error) {
	return m.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "NodeEscrow", Method: "getBalance",
		Args: []interface{}{m.ledger.Address()},
	})
}

func (m *Manager) recordPath() string {
	return filepath.Join(m.dataDir, nodeDataFile)
}

func (m *Manager) loadRecord() (models.NodeRecord, bool, error) {
	data, err := os.ReadFile(m.recordPath())
	if errors.Is(err, os.ErrNotExist) {
		return models.NodeRecord{}, false, nil
	}
	if err != nil {
		return models.NodeRecord{}, false, fmt.Errorf("reading node record: %w", err)
	}
	var record models.NodeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.NodeRecord{}, false, fmt.Errorf("parsing node record: %w", err)
	}
	return record, true, nil
}

func (m *Manager) saveRecord(record models.NodeRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.recordPath(), data, 0o600)
}
