package mpt

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/stretchr/testify/require"
)

func testKey(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return crypto.Keccak256(b[:])
}

func testValue(i int) []byte {
	return append([]byte("value-"), byte(i), byte(i>>8))
}

// fullTrie returns an in-memory trie holding n keys.
func fullTrie(t *testing.T, n int) *trie.Trie {
	t.Helper()
	tr := trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil))
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Update(testKey(i), testValue(i)))
	}
	return tr
}

func prove(t *testing.T, tr *trie.Trie, keys ...[]byte) [][][]byte {
	t.Helper()
	var proofs [][][]byte
	for _, k := range keys {
		var proof ProofList
		require.NoError(t, tr.Prove(k, &proof))
		proofs = append(proofs, proof)
	}
	return proofs
}

func TestFromProofs(t *testing.T) {
	tr := fullTrie(t, 200)
	root := tr.Hash()

	pt, err := FromProofs(root, prove(t, tr, testKey(3), testKey(70))...)
	require.NoError(t, err)
	require.Equal(t, root, pt.Hash())
	require.NoError(t, pt.Verify())

	v, err := pt.Get(testKey(3))
	require.NoError(t, err)
	require.Equal(t, testValue(3), v)

	// proof order does not matter
	other, err := FromProofs(root, prove(t, tr, testKey(70), testKey(3))...)
	require.NoError(t, err)
	require.Equal(t, pt.Nodes, other.Nodes)
}

func TestProvenAbsence(t *testing.T) {
	tr := fullTrie(t, 200)
	absent := testKey(1000)

	pt, err := FromProofs(tr.Hash(), prove(t, tr, absent)...)
	require.NoError(t, err)

	v, err := pt.Get(absent)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestOmittedKeyIsNotAbsent(t *testing.T) {
	tr := fullTrie(t, 200)
	pt, err := FromProofs(tr.Hash(), prove(t, tr, testKey(1))...)
	require.NoError(t, err)

	misses := 0
	for i := 2; i < 200; i++ {
		v, err := pt.Get(testKey(i))
		if err != nil {
			require.ErrorIs(t, err, ErrIncompleteTrie)
			misses++
			continue
		}
		// keys sharing the proven path resolve to their real value
		require.Equal(t, testValue(i), v)
	}
	require.NotZero(t, misses)
}

func TestEmptyAndDigest(t *testing.T) {
	var empty PartialTrie
	require.Equal(t, types.EmptyRootHash, empty.Hash())
	require.NoError(t, empty.Verify())
	v, err := empty.Get(testKey(1))
	require.NoError(t, err)
	require.Nil(t, v)

	root := common.HexToHash("0x1234")
	digest := FromDigest(root)
	require.Equal(t, root, digest.Hash())
	require.True(t, digest.IsDigest())
	require.NoError(t, digest.Verify())
	_, err = digest.Open()
	require.ErrorIs(t, err, ErrIncompleteTrie)
}

func TestVerifyDetectsTampering(t *testing.T) {
	tr := fullTrie(t, 300)
	root := tr.Hash()
	pt, err := FromProofs(root, prove(t, tr, testKey(5), testKey(6), testKey(7))...)
	require.NoError(t, err)
	require.Greater(t, len(pt.Nodes), 1)

	for i := range pt.Nodes {
		for _, pos := range []int{0, len(pt.Nodes[i]) / 2, len(pt.Nodes[i]) - 1} {
			tampered := &PartialTrie{Nodes: make([][]byte, len(pt.Nodes))}
			for j, n := range pt.Nodes {
				tampered.Nodes[j] = common.CopyBytes(n)
			}
			tampered.Nodes[i][pos] ^= 0x01

			if i == 0 {
				require.NotEqual(t, root, tampered.Hash())
				continue
			}
			require.ErrorIs(t, tampered.Verify(), ErrInvalidNode, "node %d byte %d", i, pos)
		}
	}
}

func TestVerifyRejectsExtraNodes(t *testing.T) {
	tr := fullTrie(t, 100)
	pt, err := FromProofs(tr.Hash(), prove(t, tr, testKey(1))...)
	require.NoError(t, err)

	t.Run("unreachable", func(t *testing.T) {
		other := fullTrie(t, 3)
		extra := prove(t, other, testKey(1))[0]
		bad := &PartialTrie{Nodes: append(append([][]byte{}, pt.Nodes...), extra[0])}
		require.ErrorIs(t, bad.Verify(), ErrInvalidNode)
	})
	t.Run("duplicate", func(t *testing.T) {
		bad := &PartialTrie{Nodes: append(append([][]byte{}, pt.Nodes...), pt.Nodes[1])}
		require.ErrorIs(t, bad.Verify(), ErrInvalidNode)
	})
	t.Run("not a node", func(t *testing.T) {
		bad := &PartialTrie{Nodes: [][]byte{{0xc3, 0x01, 0x02, 0x03}}}
		require.ErrorIs(t, bad.Verify(), ErrInvalidNode)
	})
	t.Run("digest and nodes", func(t *testing.T) {
		h := pt.Hash()
		bad := &PartialTrie{Nodes: pt.Nodes, Digest: &h}
		require.ErrorIs(t, bad.Verify(), ErrInvalidNode)
	})
}

func TestUpdateMatchesFullTrie(t *testing.T) {
	tr := fullTrie(t, 150)
	changed, inserted := testKey(10), testKey(5000)

	pt, err := FromProofs(tr.Hash(), prove(t, tr, changed, inserted)...)
	require.NoError(t, err)
	opened, err := pt.Open()
	require.NoError(t, err)

	require.NoError(t, opened.Update(changed, []byte("changed")))
	require.NoError(t, opened.Update(inserted, []byte("inserted")))
	require.NoError(t, tr.Update(changed, []byte("changed")))
	require.NoError(t, tr.Update(inserted, []byte("inserted")))

	require.Equal(t, tr.Hash(), opened.Hash())
}

func TestAccountHelpers(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tr := NewEmpty()
	acc := types.NewEmptyStateAccount()
	acc.Nonce = 7
	require.NoError(t, tr.UpdateAccount(addr, acc))

	got, err := tr.Account(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Nonce)

	missing, err := tr.Account(common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, tr.DeleteAccount(addr))
	require.Equal(t, types.EmptyRootHash, tr.Hash())
}

func TestExtend(t *testing.T) {
	tr := fullTrie(t, 200)
	root := tr.Hash()
	pt, err := FromProofs(root, prove(t, tr, testKey(1))...)
	require.NoError(t, err)

	candidates := prove(t, tr, testKey(150))[0]
	garbage := prove(t, fullTrie(t, 4), testKey(0))[0]
	added := pt.Extend(append(candidates, garbage...))
	require.NotZero(t, added)
	require.NoError(t, pt.Verify())

	v, err := pt.Get(testKey(150))
	require.NoError(t, err)
	require.Equal(t, testValue(150), v)
}

// Keys and values of one byte below 0x80 are RLP single bytes, not strings.
func TestSingleByteItems(t *testing.T) {
	k0 := common.Hash{}
	k1 := common.Hash{31: 0x01}

	tests := []struct {
		name string
		kv   map[common.Hash][]byte
	}{
		{"leaf value 0x01", map[common.Hash][]byte{k0: {0x01}}},
		// the leaves below the branch have the empty path 0x20
		{"leaf key 0x20", map[common.Hash][]byte{k0: {0x01}, k1: {0x7f}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil))
			for k, v := range tt.kv {
				require.NoError(t, tr.Update(k[:], v))
			}
			root := tr.Hash()
			for k, v := range tt.kv {
				pt, err := FromProofs(root, prove(t, tr, k[:])...)
				require.NoError(t, err)
				require.NoError(t, pt.Verify())
				require.Equal(t, root, pt.Hash())

				got, err := pt.Get(k[:])
				require.NoError(t, err)
				require.Equal(t, v, got)
			}
		})
	}
}
