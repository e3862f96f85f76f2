package engine_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/internal/chaintest"
	"github.com/smallyunet/ethwitness/pkg/engine"
	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr    = crypto.PubkeyToAddress(testKey.PublicKey)
	recipient   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	hashReader  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	coinbase    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	blockhash0  = common.FromHex("0x6000400000") // BLOCKHASH(0)
	testBalance = new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))
)

type fixture struct {
	chain  *chaintest.Chain
	parent *state.StateDB
	block  *types.Block
	txs    []*primitives.Transaction
}

func newFixture(t *testing.T) *fixture {
	alloc := types.GenesisAlloc{
		testAddr:   {Balance: testBalance},
		hashReader: {Code: blockhash0, Balance: common.Big0},
	}
	signer := types.LatestSignerForChainID(big.NewInt(chaintest.ChainID))
	chain := chaintest.Generate(t, alloc, 1, func(i int, b *core.BlockGen) {
		b.SetCoinbase(coinbase)
		for _, to := range []common.Address{recipient, hashReader} {
			tx := types.MustSignNewTx(testKey, signer, &types.DynamicFeeTx{
				ChainID:   big.NewInt(chaintest.ChainID),
				Nonce:     b.TxNonce(testAddr),
				GasTipCap: big.NewInt(params.GWei),
				GasFeeCap: big.NewInt(2 * params.GWei),
				Gas:       100_000,
				To:        &to,
				Value:     big.NewInt(params.Ether),
			})
			b.AddTx(tx)
		}
	})
	block := chain.Blocks[1]
	var txs []*primitives.Transaction
	for _, tx := range block.Transactions() {
		enc, err := tx.MarshalBinary()
		require.NoError(t, err)
		ptx := new(primitives.Transaction)
		require.NoError(t, ptx.UnmarshalBinary(enc))
		txs = append(txs, ptx)
	}
	return &fixture{chain: chain, parent: chain.State(t, 0), block: block, txs: txs}
}

func (f *fixture) db(addrs ...common.Address) *memdb.MemDB {
	db := memdb.New()
	for _, addr := range addrs {
		acc := memdb.NewAccount()
		acc.Info.Balance = new(uint256.Int).Set(f.parent.GetBalance(addr))
		acc.Info.Nonce = f.parent.GetNonce(addr)
		if code := f.parent.GetCode(addr); len(code) > 0 {
			acc.Info.Code = code
			acc.Info.CodeHash = crypto.Keccak256Hash(code)
		}
		db.Insert(addr, acc)
	}
	return db
}

func (f *fixture) engine(t *testing.T, db *memdb.MemDB) engine.Engine {
	t.Helper()
	in := f.chain.Input(t, 1, nil)
	w := &engine.Witness{Root: in.ParentStateTrie.Hash(), Nodes: in.ParentStateTrie.Nodes}
	for _, c := range in.Contracts {
		w.Codes = append(w.Codes, c)
	}
	h := f.block.Header()
	env := &engine.BlockEnv{
		Number:   h.Number.Uint64(),
		Time:     h.Time,
		Coinbase: h.Coinbase,
		GasLimit: h.GasLimit,
		BaseFee:  h.BaseFee,
		Random:   h.MixDigest,
	}
	e, err := engine.NewGeth(f.chain.Config, env, w, db)
	require.NoError(t, err)
	return e
}

func TestTransactTransfer(t *testing.T) {
	f := newFixture(t)
	db := f.db(testAddr, recipient, coinbase)
	e := f.engine(t, db)

	res, err := e.Transact(f.txs[0], testAddr, 0)
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Equal(t, params.TxGas, res.GasUsed)
	require.Equal(t, f.chain.Receipts[1][0].GasUsed, res.GasUsed)

	byAddr := make(map[common.Address]memdb.AccountChange)
	for _, ch := range res.Changes {
		byAddr[ch.Address] = ch
	}
	require.Len(t, byAddr, 3)

	to := byAddr[recipient]
	require.True(t, to.Exists)
	require.True(t, to.Created)
	require.Equal(t, uint256.NewInt(params.Ether), to.Info.Balance)

	from := byAddr[testAddr]
	require.Equal(t, uint64(1), from.Info.Nonce)
	require.False(t, from.Created)

	require.NoError(t, db.Commit(res.Changes))
	acc, err := db.Account(recipient)
	require.NoError(t, err)
	require.Equal(t, memdb.StateStorageCleared, acc.State)
}

func TestTransactUnloadedAccount(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, f.db(testAddr, coinbase))

	_, err := e.Transact(f.txs[0], testAddr, 0)
	require.ErrorIs(t, err, memdb.ErrAccountNotFound)

	var notFound *memdb.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, recipient, notFound.Address)
}

func TestTransactBlockHash(t *testing.T) {
	f := newFixture(t)

	db := f.db(testAddr, recipient, hashReader, coinbase)
	e := f.engine(t, db)
	res, err := e.Transact(f.txs[0], testAddr, 0)
	require.NoError(t, err)
	require.NoError(t, db.Commit(res.Changes))
	_, err = e.Transact(f.txs[1], testAddr, 1)
	require.ErrorIs(t, err, memdb.ErrBlockHashNotFound)

	db = f.db(testAddr, recipient, hashReader, coinbase)
	db.InsertBlockHash(0, f.chain.Blocks[0].Hash())
	e = f.engine(t, db)
	for i, tx := range f.txs {
		res, err := e.Transact(tx, testAddr, i)
		require.NoError(t, err)
		require.Equal(t, f.chain.Receipts[1][i].GasUsed, res.GasUsed)
		require.NoError(t, db.Commit(res.Changes))
	}
}
