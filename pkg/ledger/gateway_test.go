//go:build unit || !integration

package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lumino-labs/lumino-client/pkg/lib/backoff"
	"github.com/lumino-labs/lumino-client/pkg/logger"
)

// a throwaway development key, never funded anywhere real
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeBackend struct {
	mu      sync.Mutex
	nonce   uint64
	sent    []*types.Transaction
	receipt map[common.Hash]*types.Receipt
	present map[common.Hash]bool

	callFn      func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	onSend      func(tx *types.Transaction)
	estimateErr error
	sendErr     error
	receiptErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipt: make(map[common.Hash]*types.Receipt),
		present: make(map[common.Hash]bool),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return 1, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	fn := b.callFn
	b.mu.Unlock()
	if fn != nil {
		return fn(msg, block)
	}
	return nil, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	if b.sendErr != nil {
		defer b.mu.Unlock()
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.present[tx.Hash()] = true
	onSend := b.onSend
	b.mu.Unlock()
	if onSend != nil {
		onSend(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	if receipt, ok := b.receipt[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.present[hash] {
		return nil, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (b *fakeBackend) mine(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipt[hash] = &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(10),
		GasUsed:     50_000,
	}
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) sentTx(i int) *types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[i]
}

type GatewaySuite struct {
	suite.Suite
	backend *fakeBackend
	gateway *Gateway
	dataDir string
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.backend = newFakeBackend()
	s.dataDir = s.T().TempDir()
	s.gateway = s.newGateway(s.backend, s.dataDir)
}

func (s *GatewaySuite) newGateway(backend Backend, dataDir string) *Gateway {
	registry, err := NewRegistry(testAddresses(), "")
	s.Require().NoError(err)
	gateway, err := NewGateway(context.Background(), GatewayParams{
		Backend:             backend,
		Registry:            registry,
		PrivateKeyHex:       testKeyHex,
		DataDir:             dataDir,
		Backoff:             backoff.NewNoop(),
		ReceiptPollInterval: 5 * time.Millisecond,
	})
	s.Require().NoError(err)
	return gateway
}

func testAddresses() map[string]common.Address {
	return map[string]common.Address{
		"JobManager":  common.HexToAddress("0x0000000000000000000000000000000000000011"),
		"NodeManager": common.HexToAddress("0x0000000000000000000000000000000000000012"),
	}
}

func confirmCall(jobID uint64) Call {
	return Call{Contract: "JobManager", Method: "confirmJob", Args: []interface{}{new(big.Int).SetUint64(jobID)}}
}

func (s *GatewaySuite) TestSequentialNonces() {
	ctx := context.Background()

	ptx1, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)
	s.Equal(uint64(0), ptx1.Nonce)

	s.backend.mine(ptx1.Hash, types.ReceiptStatusSuccessful)
	confirmation, err := s.gateway.AwaitConfirmation(ctx, ptx1, time.Second)
	s.Require().NoError(err)
	s.Equal(OutcomeConfirmed, confirmation.Outcome)

	ptx2, err := s.gateway.Submit(ctx, confirmCall(2))
	s.Require().NoError(err)
	s.Equal(uint64(1), ptx2.Nonce)
}

func (s *GatewaySuite) TestSecondSubmissionBlocksUntilFirstResolves() {
	ctx := context.Background()

	ptx1, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)

	secondDone := make(chan *PendingTransaction, 1)
	go func() {
		ptx2, err := s.gateway.Submit(ctx, confirmCall(2))
		s.Require().NoError(err)
		secondDone <- ptx2
	}()

	select {
	case <-secondDone:
		s.Fail("second submission went out while the first was still pending")
	case <-time.After(50 * time.Millisecond):
	}
	s.Equal(1, s.backend.sentCount())

	s.backend.mine(ptx1.Hash, types.ReceiptStatusSuccessful)
	_, err = s.gateway.AwaitConfirmation(ctx, ptx1, time.Second)
	s.Require().NoError(err)

	select {
	case ptx2 := <-secondDone:
		s.Equal(uint64(1), ptx2.Nonce)
	case <-time.After(time.Second):
		s.Fail("second submission never went out after the first confirmed")
	}
}

func (s *GatewaySuite) TestRevertClassifiedAsPrecondition() {
	ctx := context.Background()
	s.backend.callFn = func(_ ethereum.CallMsg, block *big.Int) ([]byte, error) {
		// the re-execution at the mined block surfaces the require message
		if block != nil {
			return nil, errors.New("execution reverted: job already confirmed")
		}
		return nil, nil
	}

	ptx, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)
	s.backend.mine(ptx.Hash, types.ReceiptStatusFailed)

	confirmation, err := s.gateway.AwaitConfirmation(ctx, ptx, time.Second)
	s.Require().NoError(err)
	s.Equal(OutcomeReverted, confirmation.Outcome)
	s.Equal(RevertPrecondition, confirmation.RevertKind)

	var reverted ErrReverted
	s.Require().ErrorAs(confirmation.Err(), &reverted)
	s.Equal(RevertPrecondition, reverted.Kind)
}

func (s *GatewaySuite) TestRevertClassifiedAsInsufficientFunds() {
	s.Equal(RevertInsufficientFunds, ClassifyRevert("execution reverted: transfer amount exceeds balance", false))
	s.Equal(RevertOutOfGas, ClassifyRevert("", true))
	s.Equal(RevertUnknown, ClassifyRevert("execution reverted", false))
}

func (s *GatewaySuite) TestEstimationFailureIsPreconditionAndNothingIsSent() {
	ctx := context.Background()
	s.backend.estimateErr = errors.New("execution reverted: not whitelisted")

	_, err := s.gateway.Submit(ctx, confirmCall(1))
	var precondition ErrPrecondition
	s.Require().ErrorAs(err, &precondition)
	s.Equal(0, s.backend.sentCount())

	// the failed attempt must release the in-flight slot
	s.backend.mu.Lock()
	s.backend.estimateErr = nil
	s.backend.mu.Unlock()
	ptx, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)
	s.Equal(uint64(0), ptx.Nonce)
}

func (s *GatewaySuite) TestTimeoutResubmitsWithBumpedFee() {
	ctx := context.Background()

	// mine only the second (fee-bumped) broadcast
	s.backend.onSend = func(tx *types.Transaction) {
		if s.backend.sentCount() == 2 {
			s.backend.mine(tx.Hash(), types.ReceiptStatusSuccessful)
		}
	}

	confirmation, err := s.gateway.SubmitAndConfirm(ctx, confirmCall(1), 50*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(OutcomeConfirmed, confirmation.Outcome)
	s.Require().Equal(2, s.backend.sentCount())

	original, replacement := s.backend.sentTx(0), s.backend.sentTx(1)
	s.Equal(original.Nonce(), replacement.Nonce())
	s.True(replacement.GasPrice().Cmp(original.GasPrice()) > 0,
		"replacement must pay more than the original")
}

func (s *GatewaySuite) TestReceiptPollFailureReleasesSlot() {
	ctx := context.Background()

	ptx, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)

	s.backend.mu.Lock()
	s.backend.receiptErr = errors.New("missing trie node")
	s.backend.mu.Unlock()
	_, err = s.gateway.AwaitConfirmation(ctx, ptx, time.Second)
	s.Require().Error(err)
	s.Equal(TxDropped, ptx.Status())

	// the account must still be able to transact after the failed await
	s.backend.mu.Lock()
	s.backend.receiptErr = nil
	s.backend.mu.Unlock()
	submitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ptx2, err := s.gateway.Submit(submitCtx, confirmCall(2))
	s.Require().NoError(err, "slot was never released")
	s.Equal(uint64(1), ptx2.Nonce)
}

func (s *GatewaySuite) TestDoubleTimeoutReleasesSlot() {
	ctx := context.Background()

	// nothing ever mines: both the original and the fee-bumped
	// replacement stay pending past their deadlines
	_, err := s.gateway.SubmitAndConfirm(ctx, confirmCall(1), 30*time.Millisecond)
	s.Require().Error(err)
	s.Equal(2, s.backend.sentCount())

	submitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ptx, err := s.gateway.Submit(submitCtx, confirmCall(2))
	s.Require().NoError(err, "slot was never released")
	s.Equal(uint64(1), ptx.Nonce)
}

func (s *GatewaySuite) TestRebroadcastFailureReleasesSlot() {
	ctx := context.Background()

	ptx, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)
	confirmation, err := s.gateway.AwaitConfirmation(ctx, ptx, 30*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Equal(OutcomeTimedOut, confirmation.Outcome)

	s.backend.mu.Lock()
	s.backend.sendErr = errors.New("txpool is full")
	s.backend.mu.Unlock()
	_, err = s.gateway.Resubmit(ctx, ptx)
	s.Require().Error(err)

	s.backend.mu.Lock()
	s.backend.sendErr = nil
	s.backend.mu.Unlock()
	submitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = s.gateway.Submit(submitCtx, confirmCall(2))
	s.Require().NoError(err, "slot was never released")
}

func (s *GatewaySuite) TestNonceSurvivesRestart() {
	ctx := context.Background()

	ptx, err := s.gateway.Submit(ctx, confirmCall(1))
	s.Require().NoError(err)
	s.backend.mine(ptx.Hash, types.ReceiptStatusSuccessful)
	_, err = s.gateway.AwaitConfirmation(ctx, ptx, time.Second)
	s.Require().NoError(err)

	// a fresh gateway over the same data dir must not reuse nonce 0 even
	// though the backend still reports it as pending
	restarted := s.newGateway(s.backend, s.dataDir)
	ptx2, err := restarted.Submit(ctx, confirmCall(2))
	s.Require().NoError(err)
	s.Equal(uint64(1), ptx2.Nonce)
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(errors.New("execution reverted: bad input")))
	require.False(t, IsTransient(ErrDecode{Op: "x", Err: errors.New("boom")}))
	require.False(t, IsTransient(nil))
}
