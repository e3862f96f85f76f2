package builder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/pkg/memdb"
)

func initialize(t *testing.T, c *testChain, n uint64) (*BlockBuilder[*memdb.MemDB], error) {
	t.Helper()
	return New[*memdb.MemDB](c.spec, c.input(t, n)).InitializeDatabase(MemDBInit{})
}

func TestInitializeDatabase(t *testing.T) {
	c := newTestChain(t)
	b, err := initialize(t, c, 2)
	require.NoError(t, err)
	db := b.DB

	acc, err := db.Account(storer)
	require.NoError(t, err)
	require.Equal(t, storeAndLog, acc.Info.Code)
	require.Equal(t, memdb.StateNone, acc.State)

	v, err := db.Storage(storer, slot0)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(42), v)

	// requested but unset
	v, err = db.Storage(reader, slot5)
	require.NoError(t, err)
	require.True(t, v.IsZero())

	// present in the trie but never requested
	_, err = db.Storage(storer, slot1)
	require.ErrorIs(t, err, memdb.ErrSlotNotFound)

	for n := uint64(0); n <= 1; n++ {
		h, err := db.BlockHash(n)
		require.NoError(t, err)
		require.Equal(t, c.Blocks[n].Hash(), h)
	}
	_, err = db.BlockHash(2)
	require.ErrorIs(t, err, memdb.ErrBlockHashNotFound)

	require.Nil(t, b.Input.Contracts)
	require.Nil(t, b.Input.AncestorHeaders)
	require.Nil(t, b.Input.ParentStorage[storer].Slots)

	// withdrawer does not exist before block 1
	b, err = initialize(t, c, 1)
	require.NoError(t, err)
	acc, err = b.DB.Account(withdrawer)
	require.NoError(t, err)
	require.True(t, acc.Info.IsEmpty())
	require.Equal(t, types.EmptyCodeHash, acc.Info.CodeHash)
}

func TestTamperedStateTrie(t *testing.T) {
	c := newTestChain(t)
	base := c.input(t, 3)
	require.NotEmpty(t, base.ParentStateTrie.Nodes)

	for i := range base.ParentStateTrie.Nodes {
		for _, pos := range []int{0, 1, -1} {
			in := clone(t, base)
			node := in.ParentStateTrie.Nodes[i]
			if pos < 0 {
				pos = len(node) - 1
			}
			node[pos] ^= 0x01
			_, err := VerifyBlock(c.spec, in, nil)
			require.ErrorIs(t, err, ErrInvalidStateTrie, "node %d byte %d", i, pos)
		}
	}
}

func TestTamperedStorageTrie(t *testing.T) {
	c := newTestChain(t)
	base := c.input(t, 2)
	nodes := base.ParentStorage[storer].Trie.Nodes
	require.NotEmpty(t, nodes)

	for i := range nodes {
		in := clone(t, base)
		node := in.ParentStorage[storer].Trie.Nodes[i]
		node[len(node)/2] ^= 0x80
		_, err := VerifyBlock(c.spec, in, nil)
		require.ErrorIs(t, err, ErrInvalidStorageTrie, "node %d", i)
	}

	// a storage trie for another root
	in := clone(t, base)
	in.ParentStorage[reader].Trie = in.ParentStorage[storer].Trie
	_, err := VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrInvalidStorageTrie)
}

func TestTamperedAncestors(t *testing.T) {
	c := newTestChain(t)
	base := c.input(t, 3)
	require.Len(t, base.AncestorHeaders, 2)

	in := clone(t, base)
	in.AncestorHeaders[0].Extra = []byte("x")
	_, err := VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrInvalidChain)

	in = clone(t, base)
	in.AncestorHeaders[1].GasUsed++
	_, err = VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrInvalidChain)

	in = clone(t, base)
	in.AncestorHeaders[0], in.AncestorHeaders[1] = in.AncestorHeaders[1], in.AncestorHeaders[0]
	_, err = VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrInvalidChain)
}

func TestMissingCode(t *testing.T) {
	c := newTestChain(t)
	in := c.input(t, 2)
	in.Contracts = in.Contracts[:0]
	_, err := VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrMissingCode)
}

func TestAccountWithoutProof(t *testing.T) {
	c := newTestChain(t)

	// a digest-only state trie cannot answer for any account
	in := c.input(t, 1)
	root := in.ParentStateTrie.Hash()
	in.ParentStateTrie.Nodes = nil
	in.ParentStateTrie.Digest = &root
	_, err := VerifyBlock(c.spec, in, nil)
	require.ErrorIs(t, err, ErrInvalidStateTrie)
}

// headerChain returns linked headers numbered 0 to n-1.
func headerChain(n int) []*types.Header {
	headers := make([]*types.Header, n)
	var parent common.Hash
	for i := range headers {
		headers[i] = &types.Header{
			ParentHash: parent,
			Number:     big.NewInt(int64(i)),
			Difficulty: new(big.Int),
			GasLimit:   30_000_000,
			Time:       uint64(i) * 12,
		}
		parent = headers[i].Hash()
	}
	return headers
}

// ancestorsOf returns the headers below parent down to lowest, newest first.
func ancestorsOf(headers []*types.Header, parent, lowest int) []*types.Header {
	var out []*types.Header
	for i := parent - 1; i >= lowest; i-- {
		out = append(out, headers[i])
	}
	return out
}

func TestAncestorWindow(t *testing.T) {
	headers := headerChain(301)
	parent := headers[300]

	hashes, err := verifyAncestors(parent, ancestorsOf(headers, 300, 300-MaxBlockHashAge+1))
	require.NoError(t, err)
	require.Len(t, hashes, MaxBlockHashAge)
	require.Equal(t, headers[45].Hash(), hashes[45])
	require.Equal(t, parent.Hash(), hashes[300])

	_, err = verifyAncestors(parent, ancestorsOf(headers, 300, 300-MaxBlockHashAge))
	require.ErrorIs(t, err, ErrInvalidChain)

	hashes, err = verifyAncestors(parent, nil)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
}

func TestAncestorLinks(t *testing.T) {
	headers := headerChain(10)
	parent := headers[9]

	// a gap
	gap := []*types.Header{headers[8], headers[6]}
	_, err := verifyAncestors(parent, gap)
	require.ErrorIs(t, err, ErrInvalidChain)

	// a header that claims the right parent hash but a higher number
	forged := types.CopyHeader(headers[7])
	forged.Number = big.NewInt(20)
	child := types.CopyHeader(headers[8])
	child.ParentHash = forged.Hash()
	top := types.CopyHeader(parent)
	top.ParentHash = child.Hash()
	_, err = verifyAncestors(top, []*types.Header{child, forged})
	require.ErrorIs(t, err, ErrInvalidChain)

	_, err = verifyAncestors(parent, []*types.Header{nil})
	require.ErrorIs(t, err, ErrInvalidChain)
}
