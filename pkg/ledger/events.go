package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

var errUnexpectedOutputs = errors.New("unexpected output shape")

// EventUint64 scans a confirmation's logs for the named event emitted by
// the named contract and returns one of its uint256 arguments. Used to
// recover protocol-issued ids (node id, job id) from registration and
// submission receipts.
func (g *Gateway) EventUint64(confirmation Confirmation, contractName, eventName, argName string) (uint64, error) {
	if confirmation.Receipt == nil {
		return 0, fmt.Errorf("confirmation for %s carries no receipt", eventName)
	}
	contract, err := g.registry.Get(contractName)
	if err != nil {
		return 0, err
	}
	event, ok := contract.ABI.Events[eventName]
	if !ok {
		return 0, ErrDecode{Op: eventName, Err: fmt.Errorf("event not in ABI for %s", contractName)}
	}

	for _, logEntry := range confirmation.Receipt.Logs {
		if logEntry.Address != contract.Address {
			continue
		}
		if len(logEntry.Topics) == 0 || logEntry.Topics[0] != event.ID {
			continue
		}
		decoded := make(map[string]interface{})
		if err := contract.ABI.UnpackIntoMap(decoded, eventName, logEntry.Data); err != nil {
			return 0, ErrDecode{Op: eventName, Err: err}
		}
		value, ok := decoded[argName].(*big.Int)
		if !ok {
			return 0, ErrDecode{Op: eventName, Err: fmt.Errorf("argument %s is not uint256", argName)}
		}
		return value.Uint64(), nil
	}
	return 0, fmt.Errorf("event %s.%s not found in receipt", contractName, eventName)
}
