package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
)

// Ledger is the slice of the gateway the monitor needs.
type Ledger interface {
	Address() common.Address
	ReadBigInt(ctx context.Context, call ledger.Call) (*big.Int, error)
}

// TopUpper restores an escrow balance. Implementations are expected to
// coalesce concurrent requests.
type TopUpper interface {
	TopUp(ctx context.Context, amount *big.Int) error
}

type MonitorParams struct {
	Ledger      Ledger
	TopUpper    TopUpper
	LowWater    *big.Int
	TopUpAmount *big.Int
	Interval    time.Duration
}

// Monitor watches the node escrow and requests a top-up whenever the
// balance drops under the low-water mark. The top-up itself is delegated
// and coalesced, so a slow deposit does not stack further deposits behind
// it while the balance reads stay low.
type Monitor struct {
	ledger      Ledger
	topUpper    TopUpper
	lowWater    *big.Int
	topUpAmount *big.Int
	interval    time.Duration
}

func NewMonitor(params MonitorParams) *Monitor {
	interval := params.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		ledger:      params.Ledger,
		topUpper:    params.TopUpper,
		lowWater:    params.LowWater,
		topUpAmount: params.TopUpAmount,
		interval:    interval,
	}
}

// Run blocks until the context is cancelled, checking the balance once per
// interval. Check errors are logged and retried on the next tick; the
// monitor never gives up.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("escrow check failed")
			}
		}
	}
}

// Check performs a single balance inspection and top-up request.
func (m *Monitor) Check(ctx context.Context) error {
	balance, err := m.ledger.ReadBigInt(ctx, ledger.Call{
		Contract: "NodeEscrow", Method: "getBalance",
		Args: []interface{}{m.ledger.Address()},
	})
	if err != nil {
		return fmt.Errorf("reading escrow balance: %w", err)
	}
	if balance.Cmp(m.lowWater) >= 0 {
		return nil
	}

	log.Ctx(ctx).Warn().
		Str("balance", balance.String()).
		Str("low_water", m.lowWater.String()).
		Msg("escrow balance under low-water mark, requesting top-up")
	return m.topUpper.TopUp(ctx, m.topUpAmount)
}

// CheckJobEscrow verifies that a submitter's job escrow covers a required
// amount, returning the deficit when it does not. Used as a local
// precondition before submitting jobs so underfunded submissions never
// reach the chain.
func CheckJobEscrow(ctx context.Context, reader Ledger, required *big.Int) (*big.Int, error) {
	balance, err := reader.ReadBigInt(ctx, ledger.Call{
		Contract: "JobEscrow", Method: "getBalance",
		Args: []interface{}{reader.Address()},
	})
	if err != nil {
		return nil, fmt.Errorf("reading job escrow balance: %w", err)
	}
	if balance.Cmp(required) >= 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).Sub(required, balance), nil
}
