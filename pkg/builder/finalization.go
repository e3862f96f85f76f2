package builder

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// BuildFromMemDB applies withdrawals, recomputes the state root from the
// parent tries and the modified accounts, and seals the header.
type BuildFromMemDB struct{}

var _ BlockBuildStrategy[*memdb.MemDB] = BuildFromMemDB{}

func (BuildFromMemDB) Build(b *BlockBuilder[*memdb.MemDB]) (*Output, error) {
	header := b.Header
	db := b.DB

	withdrawals := types.Withdrawals(b.Input.Withdrawals)
	if withdrawals == nil {
		withdrawals = types.Withdrawals{}
	}
	b.Input.Withdrawals = nil
	gwei := uint256.NewInt(params.GWei)
	for _, w := range withdrawals {
		amount := new(uint256.Int).Mul(uint256.NewInt(w.Amount), gwei)
		if err := db.IncreaseBalance(w.Address, amount); err != nil {
			return nil, fmt.Errorf("withdrawal %d: %w", w.Index, err)
		}
	}
	withdrawalsHash := types.DeriveSha(withdrawals, trie.NewStackTrie(nil))
	header.WithdrawalsHash = &withdrawalsHash

	root, err := stateRoot(b)
	if err != nil {
		return nil, err
	}
	header.Root = root

	return &Output{Header: header, Hash: header.Hash()}, nil
}

// stateRoot rehashes the parent state trie with every modified account.
func stateRoot(b *BlockBuilder[*memdb.MemDB]) (common.Hash, error) {
	in, db := b.Input, b.DB
	var dirty []common.Address
	for _, addr := range db.Addresses() {
		if acc, _ := db.Account(addr); acc.State != memdb.StateNone {
			dirty = append(dirty, addr)
		}
	}
	if len(dirty) == 0 {
		return in.ParentStateTrie.Hash(), nil
	}

	stateTrie, err := in.ParentStateTrie.Open()
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidStateTrie, err)
	}
	for _, addr := range dirty {
		acc, _ := db.Account(addr)
		if acc.State == memdb.StateDeleted {
			if err := stateTrie.DeleteAccount(addr); err != nil {
				return common.Hash{}, fmt.Errorf("%w: delete %s: %v", ErrInvalidStateTrie, addr, err)
			}
			continue
		}
		storageRoot, err := storageRoot(in.ParentStorage[addr].Trie, acc)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: account %s: %v", ErrInvalidStorageTrie, addr, err)
		}
		sa := &types.StateAccount{
			Nonce:    acc.Info.Nonce,
			Balance:  acc.Info.Balance,
			Root:     storageRoot,
			CodeHash: acc.Info.CodeHash.Bytes(),
		}
		if err := stateTrie.UpdateAccount(addr, sa); err != nil {
			return common.Hash{}, fmt.Errorf("%w: update %s: %v", ErrInvalidStateTrie, addr, err)
		}
	}
	return stateTrie.Hash(), nil
}

// storageRoot writes the loaded slots of acc into its storage trie. A cleared
// account starts from an empty trie.
func storageRoot(parent *mpt.PartialTrie, acc *memdb.DbAccount) (common.Hash, error) {
	var (
		tr  *mpt.Trie
		err error
	)
	switch {
	case acc.State == memdb.StateStorageCleared:
		tr = mpt.NewEmpty()
	case len(acc.Storage) == 0:
		return parent.Hash(), nil
	default:
		if tr, err = parent.Open(); err != nil {
			return common.Hash{}, err
		}
	}
	for _, slot := range acc.Slots() {
		key := primitives.Keccak(slot[:]).Bytes()
		v := acc.Storage[slot]
		if v.IsZero() {
			if acc.State == memdb.StateStorageCleared {
				continue
			}
			err = tr.Delete(key)
		} else {
			err = tr.Update(key, primitives.EncodeStorageValue(v))
		}
		if err != nil {
			return common.Hash{}, fmt.Errorf("slot %s: %w", slot, err)
		}
	}
	return tr.Hash(), nil
}
