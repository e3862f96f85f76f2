// Package chaintest generates small post-merge chains with go-ethereum and
// assembles verification inputs for their blocks from the local state.
package chaintest

import (
	"bytes"
	"math/big"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/consensus/beacon"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// ChainID of generated chains.
const ChainID = 1337

// Config returns a chain config with every fork up to Shanghai active from
// genesis and Cancun disabled.
func Config() *params.ChainConfig {
	cfg := *params.AllEthashProtocolChanges
	cfg.ChainID = big.NewInt(ChainID)
	cfg.TerminalTotalDifficulty = common.Big0
	cfg.MergeNetsplitBlock = common.Big0
	shanghai := uint64(0)
	cfg.ShanghaiTime = &shanghai
	cfg.CancunTime = nil
	cfg.PragueTime = nil
	cfg.OsakaTime = nil
	cfg.VerkleTime = nil
	cfg.BlobScheduleConfig = nil
	return &cfg
}

// Chain is a generated chain. Blocks[0] is the genesis block.
type Chain struct {
	Config   *params.ChainConfig
	DB       ethdb.Database
	Blocks   []*types.Block
	Receipts []types.Receipts
}

// Generate builds n blocks on top of a genesis holding alloc.
func Generate(t testing.TB, alloc types.GenesisAlloc, n int, gen func(int, *core.BlockGen)) *Chain {
	t.Helper()
	genesis := &core.Genesis{
		Config:   Config(),
		Alloc:    alloc,
		GasLimit: 30_000_000,
		BaseFee:  big.NewInt(params.InitialBaseFee),
	}
	db, blocks, receipts := core.GenerateChainWithGenesis(genesis, beacon.New(ethash.NewFaker()), n, gen)
	return &Chain{
		Config:   genesis.Config,
		DB:       db,
		Blocks:   append([]*types.Block{genesis.ToBlock()}, blocks...),
		Receipts: append([]types.Receipts{nil}, receipts...),
	}
}

// GenerateWithChain is Generate for blocks whose transactions read older
// block hashes. Every block is inserted into a core.BlockChain before the
// next one is generated, and gen receives that chain for
// BlockGen.AddTxWithChain.
func GenerateWithChain(t testing.TB, alloc types.GenesisAlloc, n int, gen func(int, *core.BlockGen, *core.BlockChain)) *Chain {
	t.Helper()
	genesis := &core.Genesis{
		Config:   Config(),
		Alloc:    alloc,
		GasLimit: 30_000_000,
		BaseFee:  big.NewInt(params.InitialBaseFee),
	}
	engine := beacon.New(ethash.NewFaker())
	db := rawdb.NewMemoryDatabase()
	bc, err := core.NewBlockChain(db, genesis, engine, core.DefaultConfig().WithArchive(true))
	require.NoError(t, err)
	t.Cleanup(bc.Stop)
	require.Equal(t, bc.Genesis().Hash(), genesis.ToBlock().Hash())

	c := &Chain{
		Config:   genesis.Config,
		DB:       db,
		Blocks:   []*types.Block{genesis.ToBlock()},
		Receipts: []types.Receipts{nil},
	}
	for i := 0; i < n; i++ {
		parent := c.Blocks[len(c.Blocks)-1]
		blocks, receipts := core.GenerateChain(genesis.Config, parent, engine, db, 1, func(_ int, b *core.BlockGen) {
			if gen != nil {
				gen(i, b, bc)
			}
		})
		_, err := bc.InsertChain(blocks)
		require.NoError(t, err, "insert block %d", i+1)
		c.Blocks = append(c.Blocks, blocks...)
		c.Receipts = append(c.Receipts, receipts...)
	}
	return c
}

// Triedb opens the chain's trie database.
func (c *Chain) Triedb() *triedb.Database {
	return triedb.NewDatabase(c.DB, triedb.HashDefaults)
}

// State opens the state after block number.
func (c *Chain) State(t testing.TB, number uint64) *state.StateDB {
	t.Helper()
	sdb, err := state.New(c.Blocks[number].Root(), state.NewDatabase(c.Triedb(), nil))
	require.NoError(t, err)
	return sdb
}

// Touched returns the accounts every block needs: senders, recipients,
// the coinbase and withdrawal targets.
func (c *Chain) Touched(t testing.TB, number uint64) []common.Address {
	t.Helper()
	block := c.Blocks[number]
	signer := types.LatestSignerForChainID(c.Config.ChainID)
	addrs := []common.Address{block.Coinbase()}
	for _, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		require.NoError(t, err)
		addrs = append(addrs, from)
		if to := tx.To(); to != nil {
			addrs = append(addrs, *to)
		} else {
			addrs = append(addrs, crypto.CreateAddress(from, tx.Nonce()))
		}
	}
	for _, w := range block.Withdrawals() {
		addrs = append(addrs, w.Address)
	}
	return addrs
}

// Input assembles the input for block number. The state trie and the storage
// tries of the listed accounts are included in full. accounts maps every
// account the block touches beyond Touched to the slots it reads.
func (c *Chain) Input(t testing.TB, number uint64, accounts map[common.Address][]common.Hash) *input.Input {
	t.Helper()
	require.Greater(t, number, uint64(0))
	parent, block := c.Blocks[number-1], c.Blocks[number]
	tdb := c.Triedb()
	sdb := c.State(t, number-1)

	all := make(map[common.Address][]common.Hash)
	for _, addr := range c.Touched(t, number) {
		all[addr] = nil
	}
	for addr, slots := range accounts {
		all[addr] = append(all[addr], slots...)
	}

	stateTrie := &mpt.PartialTrie{Nodes: trieNodes(t, tdb, trie.StateTrieID(parent.Root()))}
	in := &input.Input{
		ParentHeader:    parent.Header(),
		Beneficiary:     block.Coinbase(),
		GasLimit:        hexutil.Uint64(block.GasLimit()),
		Timestamp:       hexutil.Uint64(block.Time()),
		ExtraData:       block.Extra(),
		MixHash:         block.MixDigest(),
		Withdrawals:     block.Withdrawals(),
		ParentStateTrie: stateTrie,
		ParentStorage:   make(map[common.Address]*input.StorageEntry),
	}
	for _, tx := range block.Transactions() {
		enc, err := tx.MarshalBinary()
		require.NoError(t, err)
		ptx := new(primitives.Transaction)
		require.NoError(t, ptx.UnmarshalBinary(enc))
		in.Transactions = append(in.Transactions, ptx)
	}

	codes := make(map[common.Hash][]byte)
	for addr, slots := range all {
		storageRoot := sdb.GetStorageRoot(addr)
		entry := &input.StorageEntry{Trie: &mpt.PartialTrie{}, Slots: uniqueSlots(slots)}
		if storageRoot != (common.Hash{}) && storageRoot != types.EmptyRootHash {
			id := trie.StorageTrieID(parent.Root(), crypto.Keccak256Hash(addr.Bytes()), storageRoot)
			entry.Trie.Nodes = trieNodes(t, tdb, id)
		}
		in.ParentStorage[addr] = entry
		if code := sdb.GetCode(addr); len(code) > 0 {
			codes[crypto.Keccak256Hash(code)] = code
		}
	}
	for _, h := range sortedHashes(codes) {
		in.Contracts = append(in.Contracts, codes[h])
	}

	for n := int64(number) - 2; n >= 0 && int64(number-1)-n < 256; n-- {
		in.AncestorHeaders = append(in.AncestorHeaders, c.Blocks[n].Header())
	}
	return in
}

// trieNodes returns every hashed node of a trie, root first.
func trieNodes(t testing.TB, tdb *triedb.Database, id *trie.ID) [][]byte {
	t.Helper()
	tr, err := trie.New(id, tdb)
	require.NoError(t, err)
	it, err := tr.NodeIterator(nil)
	require.NoError(t, err)
	var nodes [][]byte
	for it.Next(true) {
		if it.Hash() != (common.Hash{}) {
			nodes = append(nodes, common.CopyBytes(it.NodeBlob()))
		}
	}
	require.NoError(t, it.Error())
	return nodes
}

// Prove returns the proof of key in the trie identified by id.
func Prove(t testing.TB, tdb *triedb.Database, id *trie.ID, key []byte) [][]byte {
	t.Helper()
	tr, err := trie.New(id, tdb)
	require.NoError(t, err)
	var proof mpt.ProofList
	require.NoError(t, tr.Prove(key, &proof))
	return proof
}

func uniqueSlots(slots []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(slots))
	var out []common.Hash
	for _, s := range slots {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func sortedHashes(m map[common.Hash][]byte) []common.Hash {
	out := make([]common.Hash, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
