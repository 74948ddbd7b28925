package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/lib/backoff"
)

const (
	defaultReadRetries = 5
	gasLimitMargin     = 120 // percent of the estimate
	feeBumpPercent     = 13  // fee increase on resubmission
)

type GatewayParams struct {
	Backend             Backend
	Registry            *Registry
	PrivateKeyHex       string
	DataDir             string
	ReadRetries         int
	Backoff             backoff.Backoff
	ReceiptPollInterval time.Duration
}

// Gateway is the single serialized path to the ledger. It owns the signing
// account and its nonce: no other component builds or broadcasts
// transactions, and concurrent submissions queue in arrival order behind
// the one outstanding transaction the account is allowed.
type Gateway struct {
	backend  Backend
	registry *Registry

	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	nonceMu   sync.Mutex
	nonceInit bool
	nextNonce uint64
	nonces    *nonceFile

	// slot is a one-deep semaphore: holding it means this account has an
	// unconfirmed transaction in flight.
	slot chan struct{}

	readRetries int
	boff        backoff.Backoff
	receiptPoll time.Duration
}

func NewGateway(ctx context.Context, params GatewayParams) (*Gateway, error) {
	key, err := crypto.HexToECDSA(params.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	chainID, err := params.Backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}

	readRetries := params.ReadRetries
	if readRetries == 0 {
		readRetries = defaultReadRetries
	}
	boff := params.Backoff
	if boff == nil {
		boff = backoff.NewExponential(250*time.Millisecond, 5*time.Second)
	}
	receiptPoll := params.ReceiptPollInterval
	if receiptPoll == 0 {
		receiptPoll = time.Second
	}

	return &Gateway{
		backend:     params.Backend,
		registry:    params.Registry,
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:     chainID,
		nonces:      newNonceFile(params.DataDir),
		slot:        make(chan struct{}, 1),
		readRetries: readRetries,
		boff:        boff,
		receiptPoll: receiptPoll,
	}, nil
}

// Address returns the signing account's address.
func (g *Gateway) Address() common.Address {
	return g.address
}

// ContractAddress returns the deployed address of a registry contract.
func (g *Gateway) ContractAddress(name string) (common.Address, error) {
	contract, err := g.registry.Get(name)
	if err != nil {
		return common.Address{}, err
	}
	return contract.Address, nil
}

// Read executes a contract call and returns the decoded outputs. Transient
// transport errors are retried with backoff up to the configured bound;
// packing and decoding errors are fatal and returned immediately.
func (g *Gateway) Read(ctx context.Context, call Call) ([]interface{}, error) {
	contract, err := g.registry.Get(call.Contract)
	if err != nil {
		return nil, err
	}
	data, err := contract.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, ErrDecode{Op: call.String(), Err: err}
	}

	msg := ethereum.CallMsg{From: g.address, To: &contract.Address, Data: data}
	var out []byte
	for attempt := 0; ; attempt++ {
		out, err = g.backend.CallContract(ctx, msg, nil)
		if err == nil {
			break
		}
		if !IsTransient(err) || attempt >= g.readRetries {
			return nil, fmt.Errorf("read %s: %w", call, err)
		}
		log.Ctx(ctx).Debug().Err(err).Int("attempt", attempt+1).Msgf("transient error reading %s, backing off", call)
		g.boff.Backoff(ctx, attempt+1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	results, err := contract.ABI.Unpack(call.Method, out)
	if err != nil {
		return nil, ErrDecode{Op: call.String(), Err: err}
	}
	return results, nil
}

// Submit builds a transaction against the account's next sequential nonce,
// signs it and broadcasts it. The caller never chooses the nonce. The
// cached nonce advances only after the broadcast succeeds. Submit blocks
// while another transaction from this account is still unconfirmed.
func (g *Gateway) Submit(ctx context.Context, call Call) (*PendingTransaction, error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	broadcast := false
	defer func() {
		if !broadcast {
			<-g.slot
		}
	}()

	contract, err := g.registry.Get(call.Contract)
	if err != nil {
		return nil, err
	}
	data, err := contract.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, ErrDecode{Op: call.String(), Err: err}
	}

	nonce, err := g.peekNonce(ctx)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: g.address, To: &contract.Address, Data: data}
	gasLimit, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		if IsTransient(err) {
			return nil, fmt.Errorf("estimating gas for %s: %w", call, err)
		}
		// A non-transient estimation failure means the call would revert
		// against current state. Nothing was submitted.
		return nil, NewErrPrecondition(call.String(), "gas estimation failed: %s", err)
	}
	gasLimit = gasLimit * gasLimitMargin / 100

	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price for %s: %w", call, err)
	}

	signed, err := g.sign(nonce, contract.Address, gasLimit, gasPrice, data)
	if err != nil {
		return nil, err
	}

	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcasting %s: %w", call, err)
	}
	broadcast = true
	g.advanceNonce(nonce)

	ptx := &PendingTransaction{
		ID:         uuid.NewString(),
		Call:       call,
		Hash:       signed.Hash(),
		Nonce:      nonce,
		GasPrice:   gasPrice,
		SubmitTime: time.Now().UTC(),

		to:       contract.Address,
		data:     data,
		gasLimit: gasLimit,
	}
	log.Ctx(ctx).Debug().
		Str("tx", ptx.Hash.Hex()).
		Uint64("nonce", nonce).
		Msgf("submitted %s", call)
	return ptx, nil
}

func (g *Gateway) sign(nonce uint64, to common.Address, gasLimit uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTransaction(nonce, to, common.Big0, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}

// AwaitConfirmation polls until the transaction is mined or the timeout
// elapses. On a revert the failure is classified into a typed result. On a
// timeout the transaction's on-chain presence is re-checked before it is
// declared dropped; a still-pending transaction yields OutcomeTimedOut and
// the caller may Resubmit with a bumped fee. OutcomeTimedOut is the only
// exit that keeps the in-flight slot held (for the resubmission); every
// error exit abandons the transaction so later submissions are not wedged.
func (g *Gateway) AwaitConfirmation(ctx context.Context, ptx *PendingTransaction, timeout time.Duration) (Confirmation, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(g.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, ptx.Hash)
		if err == nil && receipt != nil {
			return g.resolveReceipt(ctx, ptx, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !IsTransient(err) {
			g.abandon(ctx, ptx, "receipt polling failed")
			return Confirmation{}, fmt.Errorf("polling receipt for %s: %w", ptx.Call, err)
		}

		select {
		case <-ctx.Done():
			g.abandon(ctx, ptx, "context cancelled while awaiting confirmation")
			return Confirmation{}, ctx.Err()
		case <-deadline:
			return g.resolveTimeout(ctx, ptx)
		case <-ticker.C:
		}
	}
}

// abandon stops tracking a transaction whose fate could not be determined
// and frees the account's in-flight slot. The nonce was consumed at
// broadcast, so later submissions are not blocked on the outcome; if the
// abandoned transaction mines after all, its effects surface through the
// usual fresh-read precondition checks.
func (g *Gateway) abandon(ctx context.Context, ptx *PendingTransaction, why string) {
	if ptx.Status() != TxPending {
		return
	}
	log.Ctx(ctx).Warn().
		Str("tx", ptx.Hash.Hex()).
		Uint64("nonce", ptx.Nonce).
		Msgf("abandoning %s: %s", ptx.Call, why)
	g.finalize(ptx, TxDropped)
}

func (g *Gateway) resolveReceipt(ctx context.Context, ptx *PendingTransaction, receipt *types.Receipt) Confirmation {
	if receipt.Status == types.ReceiptStatusSuccessful {
		g.finalize(ptx, TxConfirmed)
		return Confirmation{
			Outcome:     OutcomeConfirmed,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
			Receipt:     receipt,
		}
	}

	outOfGas := receipt.GasUsed >= ptx.gasLimit
	reason := g.revertReason(ctx, ptx, receipt.BlockNumber)
	kind := ClassifyRevert(reason, outOfGas)
	g.finalize(ptx, TxReverted)
	log.Ctx(ctx).Warn().
		Str("tx", ptx.Hash.Hex()).
		Str("kind", kind.String()).
		Str("reason", reason).
		Msgf("%s reverted", ptx.Call)
	return Confirmation{
		Outcome:      OutcomeReverted,
		BlockNumber:  receipt.BlockNumber.Uint64(),
		GasUsed:      receipt.GasUsed,
		RevertKind:   kind,
		RevertReason: reason,
		Receipt:      receipt,
	}
}

// revertReason re-executes the call at the block the transaction was mined
// in; the node returns the require message in the resulting error.
func (g *Gateway) revertReason(ctx context.Context, ptx *PendingTransaction, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{From: g.address, To: &ptx.to, Data: ptx.data}
	_, err := g.backend.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return ""
	}
	return err.Error()
}

func (g *Gateway) resolveTimeout(ctx context.Context, ptx *PendingTransaction) (Confirmation, error) {
	_, pending, err := g.backend.TransactionByHash(ctx, ptx.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			g.finalize(ptx, TxDropped)
			return Confirmation{Outcome: OutcomeDropped}, nil
		}
		g.abandon(ctx, ptx, "presence check failed after deadline")
		return Confirmation{}, fmt.Errorf("checking presence of %s: %w", ptx.Call, err)
	}
	log.Ctx(ctx).Warn().
		Str("tx", ptx.Hash.Hex()).
		Bool("pending", pending).
		Msgf("%s not confirmed before deadline", ptx.Call)
	return Confirmation{Outcome: OutcomeTimedOut}, nil
}

// Resubmit rebroadcasts a still-pending transaction with the same nonce and
// a bumped fee. The original handle is marked dropped; the replacement
// inherits the in-flight slot.
func (g *Gateway) Resubmit(ctx context.Context, ptx *PendingTransaction) (*PendingTransaction, error) {
	if ptx.Status() != TxPending {
		return nil, fmt.Errorf("cannot resubmit %s transaction", ptx.Status())
	}

	bumped := new(big.Int).Mul(ptx.GasPrice, big.NewInt(100+feeBumpPercent))
	bumped.Div(bumped, big.NewInt(100))

	signed, err := g.sign(ptx.Nonce, ptx.to, ptx.gasLimit, bumped, ptx.data)
	if err != nil {
		g.abandon(ctx, ptx, "signing replacement failed")
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		g.abandon(ctx, ptx, "rebroadcast failed")
		return nil, fmt.Errorf("rebroadcasting %s: %w", ptx.Call, err)
	}
	ptx.setStatus(TxDropped)

	replacement := &PendingTransaction{
		ID:         uuid.NewString(),
		Call:       ptx.Call,
		Hash:       signed.Hash(),
		Nonce:      ptx.Nonce,
		GasPrice:   bumped,
		SubmitTime: time.Now().UTC(),

		to:       ptx.to,
		data:     ptx.data,
		gasLimit: ptx.gasLimit,
	}
	log.Ctx(ctx).Info().
		Str("tx", replacement.Hash.Hex()).
		Uint64("nonce", replacement.Nonce).
		Msgf("resubmitted %s with bumped fee", ptx.Call)
	return replacement, nil
}

// SubmitAndConfirm is the common path: submit, await, and on a timeout
// resubmit once with a bumped fee before giving up. Non-confirmed outcomes
// are returned as typed errors.
func (g *Gateway) SubmitAndConfirm(ctx context.Context, call Call, timeout time.Duration) (Confirmation, error) {
	ptx, err := g.Submit(ctx, call)
	if err != nil {
		return Confirmation{}, err
	}
	confirmation, err := g.AwaitConfirmation(ctx, ptx, timeout)
	if err != nil {
		return Confirmation{}, err
	}
	if confirmation.Outcome == OutcomeTimedOut {
		replacement, err := g.Resubmit(ctx, ptx)
		if err != nil {
			return Confirmation{}, err
		}
		confirmation, err = g.AwaitConfirmation(ctx, replacement, timeout)
		if err != nil {
			return Confirmation{}, err
		}
		if confirmation.Outcome == OutcomeTimedOut {
			// The bumped replacement did not land either. Give up on this
			// submission rather than keeping the slot hostage.
			g.abandon(ctx, replacement, "still unconfirmed after fee bump")
		}
	}
	return confirmation, confirmation.Err()
}

// finalize records the terminal status and frees the account's in-flight
// slot exactly once.
func (g *Gateway) finalize(ptx *PendingTransaction, status TxStatus) {
	ptx.mu.Lock()
	alreadyTerminal := ptx.status != TxPending
	ptx.status = status
	ptx.mu.Unlock()
	if !alreadyTerminal {
		<-g.slot
	}
}

func (g *Gateway) peekNonce(ctx context.Context) (uint64, error) {
	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	if !g.nonceInit {
		chainNonce, err := g.backend.PendingNonceAt(ctx, g.address)
		if err != nil {
			return 0, fmt.Errorf("fetching account nonce: %w", err)
		}
		persisted, ok, err := g.nonces.load(g.address)
		if err != nil {
			return 0, err
		}
		g.nextNonce = chainNonce
		if ok && persisted > g.nextNonce {
			g.nextNonce = persisted
		}
		g.nonceInit = true
	}
	return g.nextNonce, nil
}

func (g *Gateway) advanceNonce(used uint64) {
	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()
	if used >= g.nextNonce {
		g.nextNonce = used + 1
	}
	if err := g.nonces.save(g.address, g.nextNonce); err != nil {
		log.Warn().Err(err).Msg("failed to persist nonce cache")
	}
}
