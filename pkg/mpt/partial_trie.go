// Package mpt represents pruned Merkle-Patricia tries: the set of RLP nodes
// needed to prove a handful of keys against a known root.
package mpt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
)

var (
	// ErrInvalidNode is returned when a node is malformed, duplicated or not
	// reachable from the root.
	ErrInvalidNode = errors.New("invalid trie node")
	// ErrIncompleteTrie is returned when the supplied nodes cannot answer a
	// lookup or an update.
	ErrIncompleteTrie = errors.New("incomplete trie")
)

// PartialTrie is a pruned trie. Nodes[0] is the root node. A trie without
// nodes is either empty or, when Digest is set, known only by its root hash.
type PartialTrie struct {
	Nodes  [][]byte
	Digest *common.Hash
}

// FromDigest returns a trie known only by its root.
func FromDigest(root common.Hash) *PartialTrie {
	return &PartialTrie{Digest: &root}
}

// FromProofs merges proof node lists that all start at the same root, as
// returned by eth_getProof. The result is deterministic regardless of the
// order of the proofs.
func FromProofs(root common.Hash, proofs ...[][]byte) (*PartialTrie, error) {
	if root == types.EmptyRootHash {
		return &PartialTrie{}, nil
	}
	nodes := make(map[common.Hash][]byte)
	for _, proof := range proofs {
		for _, n := range proof {
			nodes[crypto.Keccak256Hash(n)] = common.CopyBytes(n)
		}
	}
	rootNode, ok := nodes[root]
	if !ok {
		return FromDigest(root), nil
	}
	delete(nodes, root)
	t := &PartialTrie{Nodes: [][]byte{rootNode}}
	t.Nodes = append(t.Nodes, sortedNodes(nodes)...)
	return t, nil
}

// Hash returns the root hash.
func (t *PartialTrie) Hash() common.Hash {
	switch {
	case t == nil:
		return types.EmptyRootHash
	case len(t.Nodes) > 0:
		return crypto.Keccak256Hash(t.Nodes[0])
	case t.Digest != nil:
		return *t.Digest
	default:
		return types.EmptyRootHash
	}
}

// IsDigest reports whether the trie is known only by a non-empty root.
func (t *PartialTrie) IsDigest() bool {
	return t != nil && len(t.Nodes) == 0 && t.Digest != nil && *t.Digest != types.EmptyRootHash
}

// Verify checks that every node is well formed and reachable from the root,
// so that no byte of the trie can change without changing the root or
// failing here.
func (t *PartialTrie) Verify() error {
	if t == nil || len(t.Nodes) == 0 {
		return nil
	}
	if t.Digest != nil {
		return fmt.Errorf("%w: trie has both nodes and a digest", ErrInvalidNode)
	}
	index := make(map[common.Hash]int, len(t.Nodes))
	for i, n := range t.Nodes {
		h := crypto.Keccak256Hash(n)
		if _, dup := index[h]; dup {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalidNode, h)
		}
		index[h] = i
	}
	reached := make([]bool, len(t.Nodes))
	reached[0] = true
	queue := []int{0}
	var refs []common.Hash
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]

		var err error
		refs, err = nodeRefs(t.Nodes[i], refs[:0])
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", ErrInvalidNode, i, err)
		}
		for _, ref := range refs {
			if j, ok := index[ref]; ok && !reached[j] {
				reached[j] = true
				queue = append(queue, j)
			}
		}
	}
	for i, ok := range reached {
		if !ok {
			return fmt.Errorf("%w: node %s is not reachable from the root", ErrInvalidNode, crypto.Keccak256Hash(t.Nodes[i]))
		}
	}
	return nil
}

// Extend adds the candidate nodes that are referenced, directly or through
// other candidates, by nodes already in the trie. It returns how many were
// added. Unreferenced candidates are ignored.
func (t *PartialTrie) Extend(candidates [][]byte) int {
	if len(t.Nodes) == 0 {
		return 0
	}
	have := make(map[common.Hash]struct{}, len(t.Nodes))
	for _, n := range t.Nodes {
		have[crypto.Keccak256Hash(n)] = struct{}{}
	}
	pending := make(map[common.Hash][]byte)
	for _, n := range candidates {
		h := crypto.Keccak256Hash(n)
		if _, ok := have[h]; !ok {
			pending[h] = n
		}
	}
	var refs []common.Hash
	added := make(map[common.Hash][]byte)
	frontier := t.Nodes
	for len(frontier) > 0 && len(pending) > 0 {
		var next [][]byte
		for _, n := range frontier {
			var err error
			refs, err = nodeRefs(n, refs[:0])
			if err != nil {
				continue
			}
			for _, ref := range refs {
				if cand, ok := pending[ref]; ok {
					delete(pending, ref)
					added[ref] = common.CopyBytes(cand)
					next = append(next, cand)
				}
			}
		}
		frontier = next
	}
	t.Nodes = append(t.Nodes, sortedNodes(added)...)
	return len(added)
}

// Open loads the nodes into an in-memory trie database.
func (t *PartialTrie) Open() (*Trie, error) {
	root := t.Hash()
	if len(t.Nodes) == 0 && root != types.EmptyRootHash {
		return nil, fmt.Errorf("%w: only the root %s is known", ErrIncompleteTrie, root)
	}
	db := rawdb.NewMemoryDatabase()
	for _, n := range t.Nodes {
		rawdb.WriteLegacyTrieNode(db, crypto.Keccak256Hash(n), n)
	}
	tr, err := trie.New(trie.TrieID(root), triedb.NewDatabase(db, triedb.HashDefaults))
	if err != nil {
		return nil, wrapMissing(err)
	}
	return &Trie{tr: tr}, nil
}

// Get opens the trie and looks up a single key.
func (t *PartialTrie) Get(key []byte) ([]byte, error) {
	tr, err := t.Open()
	if err != nil {
		return nil, err
	}
	return tr.Get(key)
}

type partialTrieJSON struct {
	Nodes  []hexutil.Bytes `json:"nodes,omitempty"`
	Digest *common.Hash    `json:"digest,omitempty"`
}

func (t PartialTrie) MarshalJSON() ([]byte, error) {
	enc := partialTrieJSON{Digest: t.Digest}
	for _, n := range t.Nodes {
		enc.Nodes = append(enc.Nodes, n)
	}
	return json.Marshal(enc)
}

func (t *PartialTrie) UnmarshalJSON(input []byte) error {
	var dec partialTrieJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	t.Digest = dec.Digest
	t.Nodes = nil
	for _, n := range dec.Nodes {
		t.Nodes = append(t.Nodes, n)
	}
	return nil
}

func sortedNodes(m map[common.Hash][]byte) [][]byte {
	keys := make([]common.Hash, 0, len(m))
	for h := range m {
		keys = append(keys, h)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
	out := make([][]byte, len(keys))
	for i, h := range keys {
		out[i] = m[h]
	}
	return out
}
