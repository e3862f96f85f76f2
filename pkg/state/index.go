// Package state keeps the headers the host has fetched so far.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrUnknownHeader = errors.New("header not indexed")
	ErrConflict      = errors.New("conflicting header")
)

// Index maps block numbers to headers and hashes back to numbers. Headers
// are added concurrently by fetch workers.
type Index struct {
	mu sync.RWMutex

	byNumber map[uint64]*types.Header
	byHash   map[common.Hash]uint64
}

func NewIndex() *Index {
	return &Index{
		byNumber: make(map[uint64]*types.Header),
		byHash:   make(map[common.Hash]uint64),
	}
}

// Add records a header. Adding a different header at a known number fails.
func (i *Index) Add(h *types.Header) error {
	hash := h.Hash()
	number := h.Number.Uint64()

	i.mu.Lock()
	defer i.mu.Unlock()

	if old, ok := i.byNumber[number]; ok {
		if old.Hash() != hash {
			return fmt.Errorf("%w at %d: have %s, got %s", ErrConflict, number, old.Hash(), hash)
		}
		return nil
	}
	i.byNumber[number] = h
	i.byHash[hash] = number
	return nil
}

// Header returns the header at number.
func (i *Index) Header(number uint64) (*types.Header, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	h, ok := i.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHeader, number)
	}
	return h, nil
}

// Number returns the number of the header with the given hash.
func (i *Index) Number(hash common.Hash) (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n, ok := i.byHash[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHeader, hash)
	}
	return n, nil
}

// Ancestors returns the headers from child-1 down to lowest, newest first,
// checking that each is the parent of the one before.
func (i *Index) Ancestors(child *types.Header, lowest uint64) ([]*types.Header, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	number := child.Number.Uint64()
	if lowest >= number {
		return nil, nil
	}
	out := make([]*types.Header, 0, number-lowest)
	want := child.ParentHash
	for n := number - 1; ; n-- {
		h, ok := i.byNumber[n]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownHeader, n)
		}
		if h.Hash() != want {
			return nil, fmt.Errorf("%w at %d: parent hash mismatch", ErrConflict, n)
		}
		out = append(out, h)
		want = h.ParentHash
		if n == lowest {
			return out, nil
		}
	}
}

// Len returns the number of indexed headers.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byNumber)
}
