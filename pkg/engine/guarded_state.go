package engine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/holiman/uint256"
)

// guardedState is a StateDB whose reads are checked against the loaded
// database. Every access to something that was not loaded is recorded and
// fails the transaction once the EVM returns. Writes are always
// preceded by a read of the same key, so only reads are intercepted.
type guardedState struct {
	*state.StateDB

	db    StateReader
	slots map[common.Address]map[common.Hash]struct{}
	errs  []error
	seen  map[string]struct{}
}

func newGuardedState(sdb *state.StateDB, db StateReader) *guardedState {
	return &guardedState{
		StateDB: sdb,
		db:      db,
		slots:   make(map[common.Address]map[common.Hash]struct{}),
		seen:    make(map[string]struct{}),
	}
}

func (s *guardedState) fail(err error) {
	if _, ok := s.seen[err.Error()]; ok {
		return
	}
	s.seen[err.Error()] = struct{}{}
	s.errs = append(s.errs, err)
}

func (s *guardedState) checkAccount(addr common.Address) {
	if _, err := s.db.Account(addr); err != nil {
		s.fail(err)
	}
}

func (s *guardedState) checkSlot(addr common.Address, slot common.Hash) {
	if _, err := s.db.Storage(addr, slot); err != nil {
		s.fail(err)
		return
	}
	m, ok := s.slots[addr]
	if !ok {
		m = make(map[common.Hash]struct{})
		s.slots[addr] = m
	}
	m[slot] = struct{}{}
}

// violation joins the containment failures recorded so far and resets them.
func (s *guardedState) violation() error {
	err := errors.Join(s.errs...)
	s.errs = nil
	clear(s.seen)
	return err
}

func (s *guardedState) blockHash(number uint64) common.Hash {
	h, err := s.db.BlockHash(number)
	if err != nil {
		s.fail(err)
	}
	return h
}

func (s *guardedState) GetBalance(addr common.Address) *uint256.Int {
	s.checkAccount(addr)
	return s.StateDB.GetBalance(addr)
}

func (s *guardedState) GetNonce(addr common.Address) uint64 {
	s.checkAccount(addr)
	return s.StateDB.GetNonce(addr)
}

func (s *guardedState) GetCode(addr common.Address) []byte {
	s.checkAccount(addr)
	return s.StateDB.GetCode(addr)
}

func (s *guardedState) GetCodeHash(addr common.Address) common.Hash {
	s.checkAccount(addr)
	return s.StateDB.GetCodeHash(addr)
}

func (s *guardedState) GetCodeSize(addr common.Address) int {
	s.checkAccount(addr)
	return s.StateDB.GetCodeSize(addr)
}

func (s *guardedState) GetStorageRoot(addr common.Address) common.Hash {
	s.checkAccount(addr)
	return s.StateDB.GetStorageRoot(addr)
}

func (s *guardedState) Exist(addr common.Address) bool {
	s.checkAccount(addr)
	return s.StateDB.Exist(addr)
}

func (s *guardedState) Empty(addr common.Address) bool {
	s.checkAccount(addr)
	return s.StateDB.Empty(addr)
}

func (s *guardedState) GetState(addr common.Address, key common.Hash) common.Hash {
	s.checkSlot(addr, key)
	return s.StateDB.GetState(addr, key)
}

func (s *guardedState) GetStateAndCommittedState(addr common.Address, key common.Hash) (common.Hash, common.Hash) {
	s.checkSlot(addr, key)
	return s.StateDB.GetStateAndCommittedState(addr, key)
}
