package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type NodeState int

const (
	NodeStateUnregistered NodeState = iota
	NodeStateRegistered
	NodeStateActive
	NodeStateDeregistering
	NodeStateSlashed
)

var nodeStateNames = map[NodeState]string{
	NodeStateUnregistered:  "Unregistered",
	NodeStateRegistered:    "Registered",
	NodeStateActive:        "Active",
	NodeStateDeregistering: "Deregistering",
	NodeStateSlashed:       "Slashed",
}

func (s NodeState) String() string {
	if name, ok := nodeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// NodeRecord is the client's view of its own on-chain registration.
// Status transitions are driven by ledger confirmations, never assumed
// optimistically.
type NodeRecord struct {
	ID            uint64
	Owner         common.Address
	State         NodeState
	ComputeRating uint64
	StakedAmount  *big.Int
	EscrowBalance *big.Int
}

// StakeRequirement returns the stake the protocol demands for a compute
// rating: one token (in wei) per rating unit.
func StakeRequirement(computeRating uint64) *big.Int {
	rating := new(big.Int).SetUint64(computeRating)
	return rating.Mul(rating, big.NewInt(1e18))
}
