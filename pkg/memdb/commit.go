package memdb

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// AccountChange is the state of one account after a transaction.
type AccountChange struct {
	Address common.Address
	// Exists is false when the account was destroyed or, being empty, removed.
	Exists bool
	// Created is set when the account did not exist before the transaction.
	Created bool
	Info    AccountInfo
	// Storage holds the slots whose value changed.
	Storage map[common.Hash]*uint256.Int
}

// Commit folds the changes of one transaction into the database. Every
// changed account must have been loaded.
func (db *MemDB) Commit(changes []AccountChange) error {
	for _, ch := range changes {
		acc, err := db.Account(ch.Address)
		if err != nil {
			return err
		}
		if !ch.Exists {
			acc.Info = AccountInfo{Balance: new(uint256.Int), CodeHash: types.EmptyCodeHash}
			for slot := range acc.Storage {
				acc.Storage[slot] = new(uint256.Int)
			}
			acc.State = StateDeleted
			continue
		}
		if ch.Created {
			for slot := range acc.Storage {
				acc.Storage[slot] = new(uint256.Int)
			}
			acc.State = StateStorageCleared
		} else if acc.State == StateNone {
			acc.State = StateTouched
		}
		acc.Info = AccountInfo{
			Balance:  new(uint256.Int).Set(ch.Info.Balance),
			Nonce:    ch.Info.Nonce,
			CodeHash: ch.Info.CodeHash,
			Code:     ch.Info.Code,
		}
		for slot, v := range ch.Storage {
			acc.Storage[slot] = new(uint256.Int).Set(v)
		}
	}
	return nil
}
