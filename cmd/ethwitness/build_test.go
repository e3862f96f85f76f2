package main

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/internal/chaintest"
	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/config"
	"github.com/smallyunet/ethwitness/pkg/input"
)

func TestBuildAndVerify(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x1000000000000000000000000000000000000001")
	signer := types.LatestSignerForChainID(big.NewInt(chaintest.ChainID))

	c := chaintest.Generate(t, types.GenesisAlloc{sender: {Balance: big.NewInt(params.Ether)}}, 2, func(i int, b *core.BlockGen) {
		b.AddTx(types.MustSignNewTx(key, signer, &types.LegacyTx{
			Nonce:    b.TxNonce(sender),
			GasPrice: b.BaseFee(),
			Gas:      params.TxGas,
			To:       &to,
			Value:    big.NewInt(1),
		}))
	})
	spec := &builder.ChainSpec{Name: "test", Config: c.Config}
	cfg := config.DefaultConfig()
	ctx := context.Background()

	rep, in, err := build(ctx, c.Provider(), cfg, spec, 2, false)
	require.NoError(t, err)
	require.Equal(t, c.Blocks[2].Hash(), rep.Hash)
	require.Equal(t, rep.Expected, rep.Hash)

	path := filepath.Join(t.TempDir(), "2.json.gz")
	require.NoError(t, input.Save(path, in))
	verified, err := verify(spec, path)
	require.NoError(t, err)
	require.Equal(t, rep.Hash, verified.Hash)
	require.Equal(t, uint64(2), verified.Number)

	// empty mode rebuilds a different block on the same parent
	rep, in, err = build(ctx, c.Provider(), cfg, spec, 2, true)
	require.NoError(t, err)
	require.True(t, rep.Empty)
	require.NotEqual(t, c.Blocks[2].Hash(), rep.Hash)
	require.Empty(t, in.Transactions)
	require.True(t, in.ParentStateTrie.IsDigest())

	require.NoError(t, input.Save(path, in))
	verified, err = verify(spec, path)
	require.NoError(t, err)
	require.Equal(t, rep.Hash, verified.Hash)
}
