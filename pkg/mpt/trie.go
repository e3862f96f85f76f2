package mpt

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
)

// Trie is an opened partial trie. Keys are used as given, callers hash them.
// Any access that needs a node outside the supplied set fails with
// ErrIncompleteTrie instead of being treated as absent.
type Trie struct {
	tr *trie.Trie
}

// NewEmpty returns an empty trie, used when an account's storage is rebuilt
// from scratch.
func NewEmpty() *Trie {
	return &Trie{tr: trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), triedb.HashDefaults))}
}

func (t *Trie) Get(key []byte) ([]byte, error) {
	v, err := t.tr.Get(key)
	if err != nil {
		return nil, wrapMissing(err)
	}
	return v, nil
}

func (t *Trie) Update(key, value []byte) error {
	return wrapMissing(t.tr.Update(key, value))
}

func (t *Trie) Delete(key []byte) error {
	return wrapMissing(t.tr.Delete(key))
}

func (t *Trie) Hash() common.Hash {
	return t.tr.Hash()
}

// Account reads the account stored under keccak(addr). A proven absent
// account is returned as nil.
func (t *Trie) Account(addr common.Address) (*types.StateAccount, error) {
	enc, err := t.Get(crypto.Keccak256(addr.Bytes()))
	if err != nil || enc == nil {
		return nil, err
	}
	acc := new(types.StateAccount)
	if err := rlp.DecodeBytes(enc, acc); err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrInvalidNode, addr, err)
	}
	return acc, nil
}

// UpdateAccount writes the account under keccak(addr).
func (t *Trie) UpdateAccount(addr common.Address, acc *types.StateAccount) error {
	enc, err := rlp.EncodeToBytes(acc)
	if err != nil {
		return err
	}
	return t.Update(crypto.Keccak256(addr.Bytes()), enc)
}

// DeleteAccount removes the account under keccak(addr).
func (t *Trie) DeleteAccount(addr common.Address) error {
	return t.Delete(crypto.Keccak256(addr.Bytes()))
}

func wrapMissing(err error) error {
	if err == nil {
		return nil
	}
	var missing *trie.MissingNodeError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: %v", ErrIncompleteTrie, err)
	}
	return err
}

// ProofList collects proof nodes written by trie.Prove. It satisfies
// ethdb.KeyValueWriter.
type ProofList [][]byte

func (l *ProofList) Put(key []byte, value []byte) error {
	*l = append(*l, common.CopyBytes(value))
	return nil
}

func (l *ProofList) Delete(key []byte) error {
	panic("not supported")
}
