package builder

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/memdb"
)

func prepare(spec *ChainSpec, in *input.Input) (*types.Header, error) {
	b, err := New[*memdb.MemDB](spec, in).InitializeDatabase(MemDBInit{})
	if err != nil {
		return nil, err
	}
	if b, err = b.PrepareHeader(EthHeaderPrep[*memdb.MemDB]{}); err != nil {
		return nil, err
	}
	return b.Header, nil
}

func TestPrepareHeader(t *testing.T) {
	c := newTestChain(t)
	want := c.Blocks[2].Header()

	h, err := prepare(c.spec, c.input(t, 2))
	require.NoError(t, err)
	require.Equal(t, want.ParentHash, h.ParentHash)
	require.Equal(t, want.Number, h.Number)
	require.Equal(t, want.BaseFee, h.BaseFee)
	require.Equal(t, want.Time, h.Time)
	require.Equal(t, want.GasLimit, h.GasLimit)
	require.Equal(t, coinbase, h.Coinbase)
	require.Equal(t, types.EmptyUncleHash, h.UncleHash)
	require.Zero(t, h.Difficulty.Sign())
}

func TestPrepareHeaderRules(t *testing.T) {
	c := newTestChain(t)
	parent := c.Blocks[0].Header()
	bound := parent.GasLimit / params.GasLimitBoundDivisor

	tests := []struct {
		name   string
		modify func(*input.Input)
		err    error
	}{
		{"gas limit at upper bound", func(in *input.Input) { in.GasLimit += hexutil.Uint64(bound) }, ErrInvalidGasLimit},
		{"gas limit below upper bound", func(in *input.Input) { in.GasLimit += hexutil.Uint64(bound - 1) }, nil},
		{"gas limit at lower bound", func(in *input.Input) { in.GasLimit -= hexutil.Uint64(bound) }, ErrInvalidGasLimit},
		{"timestamp equal to parent", func(in *input.Input) { in.Timestamp = hexutil.Uint64(parent.Time) }, ErrInvalidTimestamp},
		{"extra data of 32 bytes", func(in *input.Input) { in.ExtraData = make([]byte, MaxExtraDataSize) }, nil},
		{"extra data of 33 bytes", func(in *input.Input) { in.ExtraData = make([]byte, MaxExtraDataSize+1) }, ErrExtraDataTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := c.input(t, 1)
			tt.modify(in)
			_, err := prepare(c.spec, in)
			if tt.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestMinGasLimit(t *testing.T) {
	require.NoError(t, verifyGasLimit(params.MinGasLimit, params.MinGasLimit))
	require.ErrorIs(t, verifyGasLimit(params.MinGasLimit, params.MinGasLimit-1), ErrInvalidGasLimit)
}

func TestUnsupportedFork(t *testing.T) {
	c := newTestChain(t)

	// the test chain's timestamps are long before Shanghai on mainnet
	_, err := prepare(Mainnet, c.input(t, 1))
	require.ErrorIs(t, err, ErrUnsupportedFork)

	cancun := copyConfig(c.Config)
	zero := uint64(0)
	cancun.CancunTime = &zero
	_, err = prepare(&ChainSpec{Name: "cancun", Config: cancun}, c.input(t, 1))
	require.ErrorIs(t, err, ErrUnsupportedFork)

	premerge := copyConfig(c.Config)
	premerge.TerminalTotalDifficulty = nil
	_, err = prepare(&ChainSpec{Name: "premerge", Config: premerge}, c.input(t, 1))
	require.ErrorIs(t, err, ErrUnsupportedFork)
}

func copyConfig(cfg *params.ChainConfig) *params.ChainConfig {
	cp := *cfg
	return &cp
}
