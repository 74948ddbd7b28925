//go:build unit || !integration

package lifecycle

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/suite"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/logger"
)

var (
	testAddress  = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	otherAddress = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type fakeLedger struct {
	mu            sync.Mutex
	whitelisted   bool
	escrowBalance *big.Int
	tokenBalance  *big.Int
	nodeOwner     common.Address
	issuedNodeID  uint64
	submitted     []ledger.Call
	depositDelay  time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		whitelisted:   true,
		escrowBalance: big.NewInt(0),
		tokenBalance:  new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		issuedNodeID:  7,
	}
}

func (f *fakeLedger) Address() common.Address { return testAddress }

func (f *fakeLedger) ContractAddress(string) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000ff"), nil
}

func (f *fakeLedger) ReadBool(_ context.Context, call ledger.Call) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelisted, nil
}

func (f *fakeLedger) ReadBigInt(_ context.Context, call ledger.Call) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if call.Contract == "LuminoToken" {
		return new(big.Int).Set(f.tokenBalance), nil
	}
	return new(big.Int).Set(f.escrowBalance), nil
}

func (f *fakeLedger) ReadAddress(_ context.Context, call ledger.Call) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeOwner, nil
}

func (f *fakeLedger) SubmitAndConfirm(_ context.Context, call ledger.Call, _ time.Duration) (ledger.Confirmation, error) {
	f.mu.Lock()
	delay := f.depositDelay
	f.submitted = append(f.submitted, call)
	if call.Method == "deposit" {
		f.escrowBalance.Add(f.escrowBalance, call.Args[0].(*big.Int))
	}
	f.mu.Unlock()
	if call.Method == "deposit" && delay > 0 {
		time.Sleep(delay)
	}
	return ledger.Confirmation{Outcome: ledger.OutcomeConfirmed}, nil
}

func (f *fakeLedger) EventUint64(ledger.Confirmation, string, string, string) (uint64, error) {
	return f.issuedNodeID, nil
}

func (f *fakeLedger) submissions(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.submitted {
		if call.Method == method {
			count++
		}
	}
	return count
}

type ManagerSuite struct {
	suite.Suite
	ledger  *fakeLedger
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ledger = newFakeLedger()
	s.manager = NewManager(ManagerParams{
		Ledger:        s.ledger,
		DataDir:       s.T().TempDir(),
		ComputeRating: 10,
	})
}

func (s *ManagerSuite) TestFreshRegistrationStakesAndRegisters() {
	record, err := s.manager.EnsureActive(context.Background())
	s.Require().NoError(err)

	s.Equal(uint64(7), record.ID, "node id comes from the registration event")
	s.Equal(testAddress, record.Owner)
	s.Equal(1, s.ledger.submissions("approve"))
	s.Equal(1, s.ledger.submissions("deposit"))
	s.Equal(1, s.ledger.submissions("registerNode"))
}

func (s *ManagerSuite) TestSecondEnsureActiveIsReadOnly() {
	ctx := context.Background()
	record, err := s.manager.EnsureActive(ctx)
	s.Require().NoError(err)
	s.ledger.mu.Lock()
	s.ledger.nodeOwner = testAddress
	before := len(s.ledger.submitted)
	s.ledger.mu.Unlock()

	again, err := s.manager.EnsureActive(ctx)
	s.Require().NoError(err)
	s.Equal(record.ID, again.ID)

	s.ledger.mu.Lock()
	after := len(s.ledger.submitted)
	s.ledger.mu.Unlock()
	s.Equal(before, after, "an already-registered node must not transact")
}

func (s *ManagerSuite) TestStaleRecordTriggersReRegistration() {
	ctx := context.Background()
	_, err := s.manager.EnsureActive(ctx)
	s.Require().NoError(err)

	// the persisted node id now belongs to someone else
	s.ledger.mu.Lock()
	s.ledger.nodeOwner = otherAddress
	s.ledger.issuedNodeID = 8
	s.ledger.mu.Unlock()

	record, err := s.manager.EnsureActive(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(8), record.ID)
	s.Equal(2, s.ledger.submissions("registerNode"))
}

func (s *ManagerSuite) TestUnwhitelistedAccountIsFatal() {
	s.ledger.whitelisted = false
	_, err := s.manager.EnsureActive(context.Background())
	var precondition ledger.ErrPrecondition
	s.Require().ErrorAs(err, &precondition)
	s.Equal(0, s.ledger.submissions("registerNode"))
}

func (s *ManagerSuite) TestSufficientStakeSkipsDeposit() {
	s.ledger.escrowBalance = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	_, err := s.manager.EnsureActive(context.Background())
	s.Require().NoError(err)
	s.Equal(0, s.ledger.submissions("deposit"))
	s.Equal(1, s.ledger.submissions("registerNode"))
}

func (s *ManagerSuite) TestInsufficientTokensIsPrecondition() {
	s.ledger.tokenBalance = big.NewInt(1)
	_, err := s.manager.EnsureActive(context.Background())
	var precondition ledger.ErrPrecondition
	s.Require().ErrorAs(err, &precondition)
}

func (s *ManagerSuite) TestConcurrentTopUpsCoalesce() {
	s.ledger.depositDelay = 50 * time.Millisecond
	amount := new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.manager.TopUp(context.Background(), amount))
		}()
	}
	wg.Wait()

	s.Equal(1, s.ledger.submissions("deposit"), "overlapping top-up requests must coalesce into one deposit")
}
