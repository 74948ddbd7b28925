package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call identifies a contract method invocation: reads and writes share the
// same shape, the gateway decides how to execute it.
type Call struct {
	Contract string
	Method   string
	Args     []interface{}
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s", c.Contract, c.Method)
}

// TxStatus is the lifecycle of a submitted transaction as tracked by the
// gateway. Only the gateway mutates it.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
	TxDropped
)

var txStatusNames = map[TxStatus]string{
	TxPending:   "Pending",
	TxConfirmed: "Confirmed",
	TxReverted:  "Reverted",
	TxDropped:   "Dropped",
}

func (s TxStatus) String() string {
	if name, ok := txStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// PendingTransaction is the handle returned by Submit. Callers poll its
// status via AwaitConfirmation; they never mutate it.
type PendingTransaction struct {
	ID         string
	Call       Call
	Hash       common.Hash
	Nonce      uint64
	GasPrice   *big.Int
	SubmitTime time.Time

	// rebuild material for fee-bumped resubmission
	to       common.Address
	data     []byte
	gasLimit uint64

	mu     sync.Mutex
	status TxStatus
}

func (p *PendingTransaction) Status() TxStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *PendingTransaction) setStatus(status TxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *PendingTransaction) String() string {
	return fmt.Sprintf("tx %s (%s, nonce %d, %s)", p.Hash.Hex(), p.Call, p.Nonce, p.Status())
}

// Outcome is the terminal result of awaiting a transaction.
type Outcome int

const (
	// OutcomeConfirmed means the transaction was mined and succeeded.
	OutcomeConfirmed Outcome = iota
	// OutcomeReverted means the transaction was mined and reverted.
	OutcomeReverted
	// OutcomeDropped means the transaction is no longer known to the chain.
	OutcomeDropped
	// OutcomeTimedOut means the transaction is still pending after the
	// await deadline. The caller may keep waiting or resubmit with a
	// bumped fee.
	OutcomeTimedOut
)

var outcomeNames = map[Outcome]string{
	OutcomeConfirmed: "Confirmed",
	OutcomeReverted:  "Reverted",
	OutcomeDropped:   "Dropped",
	OutcomeTimedOut:  "TimedOut",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(o))
}

// Confirmation is the typed result of AwaitConfirmation. On a revert the
// gateway classifies the failure rather than surfacing a generic error.
type Confirmation struct {
	Outcome      Outcome
	BlockNumber  uint64
	GasUsed      uint64
	RevertKind   RevertKind
	RevertReason string

	// Receipt is set for mined transactions so callers can decode events.
	Receipt *types.Receipt
}

// Err converts a non-confirmed outcome into a typed error for callers that
// treat anything but success as a failure.
func (c Confirmation) Err() error {
	switch c.Outcome {
	case OutcomeConfirmed:
		return nil
	case OutcomeReverted:
		return ErrReverted{Kind: c.RevertKind, Reason: c.RevertReason}
	case OutcomeDropped:
		return fmt.Errorf("transaction dropped from the chain")
	default:
		return fmt.Errorf("transaction still pending after await deadline")
	}
}
