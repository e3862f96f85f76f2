package builder

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// MemDBInit verifies the parent state fragment and loads it into a MemDB.
type MemDBInit struct{}

var _ DBInitStrategy[*memdb.MemDB] = MemDBInit{}

func (MemDBInit) InitializeDatabase(b *BlockBuilder[*memdb.MemDB]) error {
	in := b.Input
	parent := in.ParentHeader

	if err := in.ParentStateTrie.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateTrie, err)
	}
	if root := in.ParentStateTrie.Hash(); root != parent.Root {
		return fmt.Errorf("%w: root %s, parent header has %s", ErrInvalidStateTrie, root, parent.Root)
	}
	stateTrie, err := openOrEmpty(in.ParentStateTrie, len(in.ParentStorage) > 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateTrie, err)
	}

	codes := make(map[common.Hash][]byte, len(in.Contracts))
	for _, c := range in.Contracts {
		codes[primitives.Keccak(c)] = c
	}
	in.Contracts = nil

	db := memdb.New()
	for _, addr := range sortedAddresses(in.ParentStorage) {
		entry := in.ParentStorage[addr]
		acc, err := loadAccount(stateTrie, addr, entry, codes)
		if err != nil {
			return err
		}
		db.Insert(addr, acc)
		entry.Slots = nil
	}

	hashes, err := verifyAncestors(parent, in.AncestorHeaders)
	if err != nil {
		return err
	}
	for n, h := range hashes {
		db.InsertBlockHash(n, h)
	}
	in.AncestorHeaders = nil

	b.DB = db
	b.logger.Info("Loaded parent state", "accounts", len(in.ParentStorage), "codes", len(codes), "blockHashes", db.BlockHashes())
	return nil
}

// openOrEmpty opens t when it has to answer lookups.
func openOrEmpty(t *mpt.PartialTrie, needed bool) (*mpt.Trie, error) {
	if !needed {
		return nil, nil
	}
	return t.Open()
}

func loadAccount(stateTrie *mpt.Trie, addr common.Address, entry *input.StorageEntry, codes map[common.Hash][]byte) (*memdb.DbAccount, error) {
	sa, err := stateTrie.Account(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrInvalidStateTrie, addr, err)
	}
	if sa == nil {
		sa = types.NewEmptyStateAccount()
	}

	if entry.Trie == nil {
		entry.Trie = mpt.FromDigest(types.EmptyRootHash)
	}
	if err := entry.Trie.Verify(); err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrInvalidStorageTrie, addr, err)
	}
	if root := entry.Trie.Hash(); root != sa.Root {
		return nil, fmt.Errorf("%w: account %s: root %s, account has %s", ErrInvalidStorageTrie, addr, root, sa.Root)
	}

	acc := memdb.NewAccount()
	acc.Info.Balance = new(uint256.Int).Set(sa.Balance)
	acc.Info.Nonce = sa.Nonce
	acc.Info.CodeHash = common.BytesToHash(sa.CodeHash)
	if acc.Info.CodeHash != types.EmptyCodeHash {
		code, ok := codes[acc.Info.CodeHash]
		if !ok {
			return nil, fmt.Errorf("%w: account %s: code %s", ErrMissingCode, addr, acc.Info.CodeHash)
		}
		acc.Info.Code = code
	}

	if len(entry.Slots) == 0 {
		return acc, nil
	}
	storageTrie, err := entry.Trie.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrInvalidStorageTrie, addr, err)
	}
	for _, slot := range entry.Slots {
		enc, err := storageTrie.Get(primitives.Keccak(slot[:]).Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: account %s slot %s: %v", ErrInvalidStorageTrie, addr, slot, err)
		}
		v := new(uint256.Int)
		if len(enc) > 0 {
			if v, err = primitives.DecodeStorageValue(enc); err != nil {
				return nil, fmt.Errorf("%w: account %s slot %s: %v", ErrInvalidStorageTrie, addr, slot, err)
			}
		}
		acc.Storage[slot] = v
	}
	return acc, nil
}

// verifyAncestors checks that the headers form a chain ending at parent and
// returns the hash of every block in it, parent included.
func verifyAncestors(parent *types.Header, ancestors []*types.Header) (map[uint64]common.Hash, error) {
	hashes := map[uint64]common.Hash{parent.Number.Uint64(): parent.Hash()}
	child := parent
	for _, h := range ancestors {
		if h == nil || h.Number == nil {
			return nil, fmt.Errorf("%w: missing header", ErrInvalidChain)
		}
		hash := h.Hash()
		if child.ParentHash != hash {
			return nil, fmt.Errorf("%w: block %d does not link to %s", ErrInvalidChain, child.Number, hash)
		}
		n := h.Number.Uint64()
		if n >= child.Number.Uint64() {
			return nil, fmt.Errorf("%w: block %d does not precede %d", ErrInvalidChain, n, child.Number)
		}
		if parent.Number.Uint64()-n >= MaxBlockHashAge {
			return nil, fmt.Errorf("%w: block %d is more than %d blocks before %d", ErrInvalidChain, n, MaxBlockHashAge, parent.Number)
		}
		hashes[n] = hash
		child = h
	}
	return hashes, nil
}

func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
