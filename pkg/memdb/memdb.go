// Package memdb is the sparse account database rebuilt from verified proofs.
// It only knows what was explicitly requested: a lookup of anything else is
// an error, never a silent zero.
package memdb

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var (
	ErrAccountNotFound   = errors.New("account not in database")
	ErrSlotNotFound      = errors.New("storage slot not in database")
	ErrBlockHashNotFound = errors.New("block hash not in database")
)

// AccountNotFoundError is returned for an address that was never loaded.
type AccountNotFoundError struct {
	Address common.Address
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAccountNotFound, e.Address)
}

func (e *AccountNotFoundError) Unwrap() error { return ErrAccountNotFound }

// SlotNotFoundError is returned for a slot that was never loaded.
type SlotNotFoundError struct {
	Address common.Address
	Slot    common.Hash
}

func (e *SlotNotFoundError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrSlotNotFound, e.Address, e.Slot)
}

func (e *SlotNotFoundError) Unwrap() error { return ErrSlotNotFound }

// BlockHashNotFoundError is returned for a block outside the verified chain.
type BlockHashNotFoundError struct {
	Number uint64
}

func (e *BlockHashNotFoundError) Error() string {
	return fmt.Sprintf("%v: %d", ErrBlockHashNotFound, e.Number)
}

func (e *BlockHashNotFoundError) Unwrap() error { return ErrBlockHashNotFound }

// AccountState tells finalization what to write back for an account.
type AccountState uint8

const (
	// StateNone means the account was only read.
	StateNone AccountState = iota
	// StateTouched means account fields or storage slots changed.
	StateTouched
	// StateStorageCleared means the account was (re)created and its storage
	// trie starts from empty.
	StateStorageCleared
	// StateDeleted means the account no longer exists.
	StateDeleted
)

func (s AccountState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateTouched:
		return "touched"
	case StateStorageCleared:
		return "storage-cleared"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// AccountInfo holds the non-storage fields of an account.
type AccountInfo struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
}

// IsEmpty reports whether the account is empty as defined by EIP-161.
func (i *AccountInfo) IsEmpty() bool {
	return i.Nonce == 0 && (i.Balance == nil || i.Balance.IsZero()) && (i.CodeHash == types.EmptyCodeHash || i.CodeHash == common.Hash{})
}

// DbAccount is one loaded account.
type DbAccount struct {
	Info    AccountInfo
	Storage map[common.Hash]*uint256.Int
	State   AccountState
}

// NewAccount returns an account that does not exist on chain.
func NewAccount() *DbAccount {
	return &DbAccount{
		Info:    AccountInfo{Balance: new(uint256.Int), CodeHash: types.EmptyCodeHash},
		Storage: make(map[common.Hash]*uint256.Int),
	}
}

// MemDB maps loaded addresses to accounts and block numbers to hashes.
type MemDB struct {
	accounts    map[common.Address]*DbAccount
	blockHashes map[uint64]common.Hash
}

func New() *MemDB {
	return &MemDB{
		accounts:    make(map[common.Address]*DbAccount),
		blockHashes: make(map[uint64]common.Hash),
	}
}

// Insert adds a loaded account. Every requested slot must already be in
// acc.Storage, zero if absent from the trie.
func (db *MemDB) Insert(addr common.Address, acc *DbAccount) {
	if acc.Storage == nil {
		acc.Storage = make(map[common.Hash]*uint256.Int)
	}
	db.accounts[addr] = acc
}

// InsertBlockHash records a verified block hash.
func (db *MemDB) InsertBlockHash(number uint64, hash common.Hash) {
	db.blockHashes[number] = hash
}

// Account returns the account, or an AccountNotFoundError if it was never
// loaded.
func (db *MemDB) Account(addr common.Address) (*DbAccount, error) {
	acc, ok := db.accounts[addr]
	if !ok {
		return nil, &AccountNotFoundError{Address: addr}
	}
	return acc, nil
}

// Has reports whether the address was loaded.
func (db *MemDB) Has(addr common.Address) bool {
	_, ok := db.accounts[addr]
	return ok
}

// Storage returns the slot value. A loaded slot absent from the trie is zero.
// A slot that was never loaded is an error, unless the account was created
// or deleted here, in which case its storage is known to be empty.
func (db *MemDB) Storage(addr common.Address, slot common.Hash) (*uint256.Int, error) {
	acc, err := db.Account(addr)
	if err != nil {
		return nil, err
	}
	if v, ok := acc.Storage[slot]; ok {
		return v, nil
	}
	if acc.State == StateStorageCleared || acc.State == StateDeleted {
		return new(uint256.Int), nil
	}
	return nil, &SlotNotFoundError{Address: addr, Slot: slot}
}

// BlockHash returns the hash of a verified ancestor.
func (db *MemDB) BlockHash(number uint64) (common.Hash, error) {
	h, ok := db.blockHashes[number]
	if !ok {
		return common.Hash{}, &BlockHashNotFoundError{Number: number}
	}
	return h, nil
}

// BlockHashes returns the number of known block hashes.
func (db *MemDB) BlockHashes() int {
	return len(db.blockHashes)
}

// Addresses returns the loaded addresses in ascending order.
func (db *MemDB) Addresses() []common.Address {
	out := make([]common.Address, 0, len(db.accounts))
	for addr := range db.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Slots returns the loaded slots of an account in ascending order.
func (acc *DbAccount) Slots() []common.Hash {
	out := make([]common.Hash, 0, len(acc.Storage))
	for slot := range acc.Storage {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// IncreaseBalance credits an already loaded account.
func (db *MemDB) IncreaseBalance(addr common.Address, amount *uint256.Int) error {
	acc, err := db.Account(addr)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	balance, overflow := new(uint256.Int).AddOverflow(acc.Info.Balance, amount)
	if overflow {
		return fmt.Errorf("balance overflow for %s", addr)
	}
	acc.Info.Balance = balance
	db.markTouched(acc)
	return nil
}

func (db *MemDB) markTouched(acc *DbAccount) {
	switch acc.State {
	case StateNone:
		acc.State = StateTouched
	case StateDeleted:
		// a deleted account that receives value exists again with empty storage
		acc.State = StateStorageCleared
	}
}
