//go:build unit || !integration

package escrow

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/suite"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/logger"
)

type fakeLedger struct {
	mu      sync.Mutex
	balance *big.Int
}

func (f *fakeLedger) Address() common.Address {
	return common.HexToAddress("0x0000000000000000000000000000000000000001")
}

func (f *fakeLedger) ReadBigInt(context.Context, ledger.Call) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

type recordingTopUpper struct {
	mu      sync.Mutex
	amounts []*big.Int
}

func (r *recordingTopUpper) TopUp(_ context.Context, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amounts = append(r.amounts, amount)
	return nil
}

type MonitorSuite struct {
	suite.Suite
	ledger   *fakeLedger
	topUpper *recordingTopUpper
	monitor  *Monitor
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func (s *MonitorSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ledger = &fakeLedger{balance: tokens(100)}
	s.topUpper = &recordingTopUpper{}
	s.monitor = NewMonitor(MonitorParams{
		Ledger:      s.ledger,
		TopUpper:    s.topUpper,
		LowWater:    tokens(50),
		TopUpAmount: tokens(100),
	})
}

func (s *MonitorSuite) TestHealthyBalanceNeedsNothing() {
	s.Require().NoError(s.monitor.Check(context.Background()))
	s.Empty(s.topUpper.amounts)
}

func (s *MonitorSuite) TestLowBalanceTriggersTopUp() {
	s.ledger.balance = tokens(10)
	s.Require().NoError(s.monitor.Check(context.Background()))

	s.Require().Len(s.topUpper.amounts, 1)
	s.Equal(tokens(100), s.topUpper.amounts[0])
}

func (s *MonitorSuite) TestBalanceAtLowWaterIsHealthy() {
	s.ledger.balance = tokens(50)
	s.Require().NoError(s.monitor.Check(context.Background()))
	s.Empty(s.topUpper.amounts)
}

func (s *MonitorSuite) TestJobEscrowDeficit() {
	ctx := context.Background()

	s.ledger.balance = tokens(3)
	deficit, err := CheckJobEscrow(ctx, s.ledger, tokens(10))
	s.Require().NoError(err)
	s.Equal(tokens(7), deficit)

	s.ledger.balance = tokens(10)
	deficit, err = CheckJobEscrow(ctx, s.ledger, tokens(10))
	s.Require().NoError(err)
	s.Equal(int64(0), deficit.Int64())
}
