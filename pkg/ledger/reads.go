package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Typed read helpers. Each wraps Read and asserts the output shape; a
// mismatch is an ABI bug and comes back as ErrDecode.

func (g *Gateway) ReadBigInt(ctx context.Context, call Call) (*big.Int, error) {
	results, err := g.Read(ctx, call)
	if err != nil {
		return nil, err
	}
	value, ok := first[*big.Int](results)
	if !ok {
		return nil, ErrDecode{Op: call.String(), Err: errUnexpectedOutputs}
	}
	return value, nil
}

func (g *Gateway) ReadUint64(ctx context.Context, call Call) (uint64, error) {
	value, err := g.ReadBigInt(ctx, call)
	if err != nil {
		return 0, err
	}
	return value.Uint64(), nil
}

func (g *Gateway) ReadUint8(ctx context.Context, call Call) (uint8, error) {
	results, err := g.Read(ctx, call)
	if err != nil {
		return 0, err
	}
	value, ok := first[uint8](results)
	if !ok {
		return 0, ErrDecode{Op: call.String(), Err: errUnexpectedOutputs}
	}
	return value, nil
}

func (g *Gateway) ReadBool(ctx context.Context, call Call) (bool, error) {
	results, err := g.Read(ctx, call)
	if err != nil {
		return false, err
	}
	value, ok := first[bool](results)
	if !ok {
		return false, ErrDecode{Op: call.String(), Err: errUnexpectedOutputs}
	}
	return value, nil
}

func (g *Gateway) ReadAddress(ctx context.Context, call Call) (common.Address, error) {
	results, err := g.Read(ctx, call)
	if err != nil {
		return common.Address{}, err
	}
	value, ok := first[common.Address](results)
	if !ok {
		return common.Address{}, ErrDecode{Op: call.String(), Err: errUnexpectedOutputs}
	}
	return value, nil
}

// ReadUint64Slice decodes a uint256[] output into uint64 values.
func (g *Gateway) ReadUint64Slice(ctx context.Context, call Call) ([]uint64, error) {
	results, err := g.Read(ctx, call)
	if err != nil {
		return nil, err
	}
	values, ok := first[[]*big.Int](results)
	if !ok {
		return nil, ErrDecode{Op: call.String(), Err: errUnexpectedOutputs}
	}
	out := make([]uint64, 0, len(values))
	for _, v := range values {
		out = append(out, v.Uint64())
	}
	return out, nil
}

func first[T any](results []interface{}) (T, bool) {
	var zero T
	if len(results) == 0 {
		return zero, false
	}
	value, ok := results[0].(T)
	return value, ok
}
