// Package host assembles verification inputs from chain data. It discovers
// the state a block touches by running the guest pipeline against what it
// has fetched so far and widening the input on every containment miss.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/engine"
	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/metrics"
	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
	"github.com/smallyunet/ethwitness/pkg/provider"
	"github.com/smallyunet/ethwitness/pkg/state"
	"github.com/smallyunet/ethwitness/pkg/types"
)

var (
	// ErrHashMismatch is returned when the rebuilt block differs from the
	// block on chain.
	ErrHashMismatch = errors.New("computed block hash does not match chain")
	// ErrNotConverged is returned when discovery needs more rounds than
	// allowed.
	ErrNotConverged = errors.New("preflight did not converge")
	// ErrInvalidProof is returned when a provider answer contradicts the
	// header it was requested against.
	ErrInvalidProof = errors.New("invalid provider data")
)

// Options tune a Host.
type Options struct {
	Chain *builder.ChainSpec
	// MaxRounds bounds the discovery loop.
	MaxRounds int
	// Concurrency bounds parallel provider requests.
	Concurrency int
	// Engine executes transactions, the go-ethereum EVM when nil.
	Engine engine.Factory
}

// Host builds inputs for blocks of one chain.
type Host struct {
	provider provider.Provider
	opts     Options
	logger   *slog.Logger
}

func New(p provider.Provider, opts Options) *Host {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 8
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Host{
		provider: p,
		opts:     opts,
		logger:   slog.Default().With("component", "host"),
	}
}

// Result is a verified input together with the block it reproduces.
type Result struct {
	Input  *input.Input
	Output *builder.Output
	// Expected is the hash of the block on chain.
	Expected common.Hash
	Rounds   int
}

// Preflight assembles the input for blockNo and checks that the pipeline
// reproduces the block on chain.
func (h *Host) Preflight(ctx context.Context, blockNo uint64) (*Result, error) {
	if blockNo == 0 {
		return nil, fmt.Errorf("cannot verify the genesis block")
	}
	defer metrics.ObserveStage("preflight")()

	pf, err := h.start(ctx, blockNo)
	if err != nil {
		return nil, err
	}
	for round := 1; round <= h.opts.MaxRounds; round++ {
		if err := pf.fetch(ctx); err != nil {
			return nil, err
		}
		in, err := pf.assemble()
		if err != nil {
			return nil, err
		}
		out, err := builder.VerifyBlock(h.opts.Chain, in, h.opts.Engine)
		if err == nil {
			metrics.PreflightRounds.Observe(float64(round))
			if out.Hash != pf.expected {
				return nil, fmt.Errorf("%w: block %d: got %s, want %s", ErrHashMismatch, blockNo, out.Hash, pf.expected)
			}
			in, err := pf.assemble()
			if err != nil {
				return nil, err
			}
			h.logger.Info("Verified block", "number", blockNo, "hash", out.Hash, "rounds", round,
				"accounts", len(pf.access), "ancestors", len(in.AncestorHeaders))
			return &Result{Input: in, Output: out, Expected: pf.expected, Rounds: round}, nil
		}
		if !pf.widen(err) {
			return nil, err
		}
		h.logger.Debug("Widening input", "number", blockNo, "round", round, "err", err)
	}
	return nil, fmt.Errorf("%w after %d rounds", ErrNotConverged, h.opts.MaxRounds)
}

// preflight is the discovery state of one block.
type preflight struct {
	h *Host

	block    *types.Block
	parent   *gethtypes.Header
	expected common.Hash

	mu      sync.Mutex
	access  map[common.Address]map[common.Hash]struct{}
	proofs  map[common.Address]*fetched
	codes   map[common.Hash][]byte
	headers *state.Index
	lowest  uint64
}

// fetched holds the proofs of one account at the parent and at the block,
// for the slots that were known when they were requested.
type fetched struct {
	slots  int
	parent *types.AccountResult
	child  *types.AccountResult
}

func (h *Host) start(ctx context.Context, blockNo uint64) (*preflight, error) {
	var (
		block  *types.Block
		parent *gethtypes.Header
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		block, err = h.provider.GetFullBlock(gctx, provider.BlockQuery{BlockNo: blockNo})
		return err
	})
	g.Go(func() (err error) {
		parent, err = h.provider.GetPartialBlock(gctx, provider.BlockQuery{BlockNo: blockNo - 1})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", blockNo, err)
	}
	if block.Header.ParentHash != parent.Hash() {
		return nil, fmt.Errorf("%w: block %d does not extend %s", ErrInvalidProof, blockNo, parent.Hash())
	}
	if !h.opts.Chain.Supported(blockNo, block.Header.Time) {
		return nil, fmt.Errorf("%w: block %d on %s", builder.ErrUnsupportedFork, blockNo, h.opts.Chain.Name)
	}

	pf := &preflight{
		h:        h,
		block:    block,
		parent:   parent,
		expected: block.Hash,
		access:   make(map[common.Address]map[common.Hash]struct{}),
		proofs:   make(map[common.Address]*fetched),
		codes:    make(map[common.Hash][]byte),
		headers:  state.NewIndex(),
		lowest:   blockNo - 1,
	}
	if pf.expected == (common.Hash{}) {
		pf.expected = block.Header.Hash()
	}
	if err := pf.headers.Add(parent); err != nil {
		return nil, err
	}
	if err := pf.seed(); err != nil {
		return nil, err
	}
	if tracer, ok := h.provider.(provider.PrestateProvider); ok {
		traces, err := tracer.GetPrestate(ctx, provider.BlockQuery{BlockNo: blockNo})
		if err != nil {
			h.logger.Warn("Prestate trace unavailable, discovering state by execution", "number", blockNo, "err", err)
		}
		for _, tx := range traces {
			for addr, acc := range tx.Result {
				pf.addAccount(addr)
				if acc == nil {
					continue
				}
				for slot := range acc.Storage {
					pf.addSlot(addr, slot)
				}
			}
		}
	}
	h.logger.Debug("Seeded preflight", "number", blockNo, "txs", len(block.Transactions), "accounts", len(pf.access))
	return pf, nil
}

// seed adds what the block references directly: the coinbase, senders,
// recipients, access lists and withdrawal targets.
func (pf *preflight) seed() error {
	pf.addAccount(pf.block.Header.Coinbase)
	for _, tx := range pf.block.Transactions {
		sender, err := tx.Recover()
		if err != nil {
			return fmt.Errorf("transaction %s: %w", tx.Hash(), err)
		}
		pf.addAccount(sender)
		if to := tx.To(); to != nil {
			pf.addAccount(*to)
		} else {
			pf.addAccount(crypto.CreateAddress(sender, tx.Nonce()))
		}
		for _, item := range tx.AccessList() {
			pf.addAccount(item.Address)
			for _, slot := range item.StorageKeys {
				pf.addSlot(item.Address, slot)
			}
		}
	}
	for _, w := range pf.block.Withdrawals {
		pf.addAccount(w.Address)
	}
	return nil
}

func (pf *preflight) addAccount(addr common.Address) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, ok := pf.access[addr]; ok {
		return false
	}
	pf.access[addr] = make(map[common.Hash]struct{})
	return true
}

func (pf *preflight) addSlot(addr common.Address, slot common.Hash) bool {
	pf.addAccount(addr)
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, ok := pf.access[addr][slot]; ok {
		return false
	}
	pf.access[addr][slot] = struct{}{}
	return true
}

// widen adds whatever err reports as missing. It returns false if err is
// not a containment miss or adds nothing new.
func (pf *preflight) widen(err error) bool {
	widened := false
	walk(err, func(e error) {
		switch e := e.(type) {
		case *memdb.SlotNotFoundError:
			widened = pf.addSlot(e.Address, e.Slot) || widened
		case *memdb.AccountNotFoundError:
			widened = pf.addAccount(e.Address) || widened
		case *memdb.BlockHashNotFoundError:
			if e.Number < pf.lowest && pf.parent.Number.Uint64()-e.Number < builder.MaxBlockHashAge {
				pf.lowest = e.Number
				widened = true
			}
		}
	})
	return widened
}

// walk visits err and every error it wraps, including joined errors.
func walk(err error, visit func(error)) {
	if err == nil {
		return
	}
	visit(err)
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(e, visit)
		}
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), visit)
	}
}

// fetch requests proofs for every account whose slot set grew, code for new
// code hashes and headers down to the lowest requested ancestor.
func (pf *preflight) fetch(ctx context.Context) error {
	blockNo := pf.block.Header.Number.Uint64()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pf.h.opts.Concurrency)

	type request struct {
		addr  common.Address
		slots []common.Hash
	}
	var todo []request
	for _, addr := range sortedAddresses(pf.access) {
		slots := sortedSlots(pf.access[addr])
		if f, ok := pf.proofs[addr]; ok && f.slots == len(slots) {
			continue
		}
		todo = append(todo, request{addr, slots})
	}
	for _, req := range todo {
		addr, slots := req.addr, req.slots
		g.Go(func() error {
			parent, err := pf.h.provider.GetProof(gctx, provider.ProofQuery{BlockNo: blockNo - 1, Address: addr, Indices: slots})
			if err != nil {
				return fmt.Errorf("proof of %s at %d: %w", addr, blockNo-1, err)
			}
			if parent.Address != addr || len(parent.StorageProof) != len(slots) {
				return fmt.Errorf("%w: proof of %s does not match the query", ErrInvalidProof, addr)
			}
			child, err := pf.h.provider.GetProof(gctx, provider.ProofQuery{BlockNo: blockNo, Address: addr, Indices: slots})
			if err != nil {
				return fmt.Errorf("proof of %s at %d: %w", addr, blockNo, err)
			}
			var code []byte
			if parent.CodeHash != (common.Hash{}) && parent.CodeHash != gethtypes.EmptyCodeHash && !pf.hasCode(parent.CodeHash) {
				code, err = pf.h.provider.GetCode(gctx, provider.AccountQuery{BlockNo: blockNo - 1, Address: addr})
				if err != nil {
					return fmt.Errorf("code of %s: %w", addr, err)
				}
				if crypto.Keccak256Hash(code) != parent.CodeHash {
					return fmt.Errorf("%w: code of %s does not match its hash", ErrInvalidProof, addr)
				}
			}

			pf.mu.Lock()
			defer pf.mu.Unlock()
			pf.proofs[addr] = &fetched{slots: len(slots), parent: parent, child: child}
			if code != nil {
				pf.codes[parent.CodeHash] = code
			}
			return nil
		})
	}
	for n := pf.lowest; n < blockNo-1; n++ {
		if _, err := pf.headers.Header(n); err == nil {
			continue
		}
		g.Go(func() error {
			header, err := pf.h.provider.GetPartialBlock(gctx, provider.BlockQuery{BlockNo: n})
			if err != nil {
				return fmt.Errorf("header %d: %w", n, err)
			}
			return pf.headers.Add(header)
		})
	}
	return g.Wait()
}

func (pf *preflight) hasCode(hash common.Hash) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	_, ok := pf.codes[hash]
	return ok
}

// assemble builds a fresh input from everything fetched so far. Tries are
// built from the parent proofs and extended with nodes recovered from the
// child proofs, which deletions may need.
func (pf *preflight) assemble() (*input.Input, error) {
	root := pf.parent.Root
	addrs := sortedAddresses(pf.access)

	var accountProofs, childNodes [][]byte
	var stateProofs [][][]byte
	storage := make(map[common.Address]*input.StorageEntry, len(addrs))
	for _, addr := range addrs {
		f := pf.proofs[addr]
		stateProofs = append(stateProofs, f.parent.Proof())
		accountProofs = f.child.Proof()
		childNodes = append(childNodes, accountProofs...)
		childNodes = append(childNodes, mpt.OrphanCandidates(accountProofs)...)

		storageRoot := f.parent.StorageHash
		if storageRoot == (common.Hash{}) {
			storageRoot = gethtypes.EmptyRootHash
		}
		tr, err := mpt.FromProofs(storageRoot, f.parent.StorageProofs()...)
		if err != nil {
			return nil, fmt.Errorf("storage of %s: %w", addr, err)
		}
		var candidates [][]byte
		for _, proof := range f.child.StorageProofs() {
			candidates = append(candidates, proof...)
			candidates = append(candidates, mpt.OrphanCandidates(proof)...)
		}
		tr.Extend(candidates)
		storage[addr] = &input.StorageEntry{Trie: tr, Slots: sortedSlots(pf.access[addr])}
	}
	stateTrie, err := mpt.FromProofs(root, stateProofs...)
	if err != nil {
		return nil, fmt.Errorf("state trie: %w", err)
	}
	stateTrie.Extend(childNodes)

	ancestors, err := pf.headers.Ancestors(pf.parent, pf.lowest)
	if err != nil {
		return nil, err
	}

	header := pf.block.Header
	in := &input.Input{
		ParentHeader:    pf.parent,
		Beneficiary:     header.Coinbase,
		GasLimit:        hexutil.Uint64(header.GasLimit),
		Timestamp:       hexutil.Uint64(header.Time),
		ExtraData:       common.CopyBytes(header.Extra),
		MixHash:         header.MixDigest,
		Transactions:    append([]*primitives.Transaction(nil), pf.block.Transactions...),
		Withdrawals:     copyWithdrawals(pf.block.Withdrawals),
		ParentStateTrie: stateTrie,
		ParentStorage:   storage,
		AncestorHeaders: ancestors,
	}
	hashes := make([]common.Hash, 0, len(pf.codes))
	for h := range pf.codes {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
	for _, h := range hashes {
		in.Contracts = append(in.Contracts, pf.codes[h])
	}
	return in, nil
}

func copyWithdrawals(ws []*gethtypes.Withdrawal) []*gethtypes.Withdrawal {
	if ws == nil {
		return nil
	}
	out := make([]*gethtypes.Withdrawal, len(ws))
	for i, w := range ws {
		cpy := *w
		out[i] = &cpy
	}
	return out
}

func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func sortedSlots(m map[common.Hash]struct{}) []common.Hash {
	out := make([]common.Hash, 0, len(m))
	for slot := range m {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
