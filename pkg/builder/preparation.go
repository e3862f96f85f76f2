package builder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// MaxExtraDataSize bounds the extra data field of a header.
const MaxExtraDataSize = 32

// EthHeaderPrep derives the new header from the parent under post-merge,
// pre-Cancun rules. It does not use the database.
type EthHeaderPrep[D any] struct{}

func (EthHeaderPrep[D]) PrepareHeader(b *BlockBuilder[D]) error {
	in := b.Input
	parent := in.ParentHeader
	number := parent.Number.Uint64() + 1
	timestamp := uint64(in.Timestamp)
	gasLimit := uint64(in.GasLimit)

	if !b.Chain.Supported(number, timestamp) {
		return fmt.Errorf("%w: block %d at %d on %s", ErrUnsupportedFork, number, timestamp, b.Chain.Name)
	}
	if err := verifyGasLimit(parent.GasLimit, gasLimit); err != nil {
		return err
	}
	if timestamp <= parent.Time {
		return fmt.Errorf("%w: %d is not after parent %d", ErrInvalidTimestamp, timestamp, parent.Time)
	}
	if len(in.ExtraData) > MaxExtraDataSize {
		return fmt.Errorf("%w: %d bytes", ErrExtraDataTooLong, len(in.ExtraData))
	}

	header := &types.Header{
		ParentHash:  parent.Hash(),
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    in.Beneficiary,
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    gasLimit,
		Time:        timestamp,
		Extra:       append([]byte(nil), in.ExtraData...),
		MixDigest:   in.MixHash,
		Nonce:       types.BlockNonce{},
		BaseFee:     eip1559.CalcBaseFee(b.Chain.Config, parent),
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
	}
	b.Header = header
	return nil
}

func verifyGasLimit(parent, limit uint64) error {
	diff := int64(limit) - int64(parent)
	if diff < 0 {
		diff = -diff
	}
	if bound := parent / params.GasLimitBoundDivisor; uint64(diff) >= bound {
		return fmt.Errorf("%w: %d differs from parent %d by %d, bound %d", ErrInvalidGasLimit, limit, parent, diff, bound)
	}
	if limit < params.MinGasLimit {
		return fmt.Errorf("%w: %d below minimum %d", ErrInvalidGasLimit, limit, params.MinGasLimit)
	}
	return nil
}
