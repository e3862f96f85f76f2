package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
	"github.com/smallyunet/ethwitness/pkg/provider"
	rpctypes "github.com/smallyunet/ethwitness/pkg/types"
)

// Provider serves a generated chain the way an archive node would.
type Provider struct {
	chain *Chain

	mu       sync.Mutex
	prestate map[uint64][]rpctypes.TxPrestate
	calls    map[string]int
}

// Provider returns a provider backed by the chain.
func (c *Chain) Provider() *Provider {
	return &Provider{
		chain:    c,
		prestate: make(map[uint64][]rpctypes.TxPrestate),
		calls:    make(map[string]int),
	}
}

// SetPrestate makes GetPrestate return traces for block number.
func (p *Provider) SetPrestate(number uint64, traces []rpctypes.TxPrestate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prestate[number] = traces
}

// Calls returns how often a method was called.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *Provider) begin(method string, number uint64) (*types.Block, error) {
	p.mu.Lock()
	p.calls[method]++
	p.mu.Unlock()
	if number >= uint64(len(p.chain.Blocks)) {
		return nil, fmt.Errorf("block %d: %w", number, provider.ErrNotFound)
	}
	return p.chain.Blocks[number], nil
}

func (p *Provider) state(block *types.Block) (*state.StateDB, error) {
	return state.New(block.Root(), state.NewDatabase(p.chain.Triedb(), nil))
}

func (p *Provider) GetFullBlock(_ context.Context, q provider.BlockQuery) (*rpctypes.Block, error) {
	block, err := p.begin("GetFullBlock", q.BlockNo)
	if err != nil {
		return nil, err
	}
	out := &rpctypes.Block{
		Header:      block.Header(),
		Withdrawals: block.Withdrawals(),
		Hash:        block.Hash(),
	}
	for _, tx := range block.Transactions() {
		enc, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		ptx := new(primitives.Transaction)
		if err := ptx.UnmarshalBinary(enc); err != nil {
			return nil, err
		}
		out.Transactions = append(out.Transactions, ptx)
	}
	return out, nil
}

func (p *Provider) GetPartialBlock(_ context.Context, q provider.BlockQuery) (*types.Header, error) {
	block, err := p.begin("GetPartialBlock", q.BlockNo)
	if err != nil {
		return nil, err
	}
	return block.Header(), nil
}

func (p *Provider) GetProof(_ context.Context, q provider.ProofQuery) (*rpctypes.AccountResult, error) {
	block, err := p.begin("GetProof", q.BlockNo)
	if err != nil {
		return nil, err
	}
	sdb, err := p.state(block)
	if err != nil {
		return nil, err
	}
	tdb := p.chain.Triedb()

	accountProof, err := prove(tdb, trie.StateTrieID(block.Root()), crypto.Keccak256(q.Address.Bytes()))
	if err != nil {
		return nil, err
	}
	storageRoot := sdb.GetStorageRoot(q.Address)
	if storageRoot == (common.Hash{}) {
		storageRoot = types.EmptyRootHash
	}
	codeHash := sdb.GetCodeHash(q.Address)
	if codeHash == (common.Hash{}) {
		codeHash = types.EmptyCodeHash
	}
	res := &rpctypes.AccountResult{
		Address:      q.Address,
		AccountProof: accountProof,
		Balance:      (*hexutil.Big)(sdb.GetBalance(q.Address).ToBig()),
		CodeHash:     codeHash,
		Nonce:        hexutil.Uint64(sdb.GetNonce(q.Address)),
		StorageHash:  storageRoot,
		StorageProof: []rpctypes.StorageResult{},
	}
	for _, slot := range q.Indices {
		sr := rpctypes.StorageResult{
			Key:   slot,
			Value: (*hexutil.Big)(sdb.GetState(q.Address, slot).Big()),
			Proof: []hexutil.Bytes{},
		}
		if storageRoot != types.EmptyRootHash {
			id := trie.StorageTrieID(block.Root(), crypto.Keccak256Hash(q.Address.Bytes()), storageRoot)
			if sr.Proof, err = prove(tdb, id, crypto.Keccak256(slot.Bytes())); err != nil {
				return nil, err
			}
		}
		res.StorageProof = append(res.StorageProof, sr)
	}
	return res, nil
}

func (p *Provider) GetTransactionCount(_ context.Context, q provider.AccountQuery) (uint64, error) {
	block, err := p.begin("GetTransactionCount", q.BlockNo)
	if err != nil {
		return 0, err
	}
	sdb, err := p.state(block)
	if err != nil {
		return 0, err
	}
	return sdb.GetNonce(q.Address), nil
}

func (p *Provider) GetBalance(_ context.Context, q provider.AccountQuery) (*uint256.Int, error) {
	block, err := p.begin("GetBalance", q.BlockNo)
	if err != nil {
		return nil, err
	}
	sdb, err := p.state(block)
	if err != nil {
		return nil, err
	}
	return sdb.GetBalance(q.Address).Clone(), nil
}

func (p *Provider) GetCode(_ context.Context, q provider.AccountQuery) ([]byte, error) {
	block, err := p.begin("GetCode", q.BlockNo)
	if err != nil {
		return nil, err
	}
	sdb, err := p.state(block)
	if err != nil {
		return nil, err
	}
	return common.CopyBytes(sdb.GetCode(q.Address)), nil
}

func (p *Provider) GetStorage(_ context.Context, q provider.StorageQuery) (common.Hash, error) {
	block, err := p.begin("GetStorage", q.BlockNo)
	if err != nil {
		return common.Hash{}, err
	}
	sdb, err := p.state(block)
	if err != nil {
		return common.Hash{}, err
	}
	return sdb.GetState(q.Address, q.Index), nil
}

func (p *Provider) GetPrestate(_ context.Context, q provider.BlockQuery) ([]rpctypes.TxPrestate, error) {
	if _, err := p.begin("GetPrestate", q.BlockNo); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	traces, ok := p.prestate[q.BlockNo]
	if !ok {
		return nil, fmt.Errorf("prestate of %d: %w", q.BlockNo, provider.ErrNotFound)
	}
	return traces, nil
}

func (p *Provider) Save() error { return nil }

func prove(tdb *triedb.Database, id *trie.ID, key []byte) ([]hexutil.Bytes, error) {
	tr, err := trie.New(id, tdb)
	if err != nil {
		return nil, err
	}
	var proof mpt.ProofList
	if err := tr.Prove(key, &proof); err != nil {
		return nil, err
	}
	out := make([]hexutil.Bytes, len(proof))
	for i, n := range proof {
		out[i] = n
	}
	return out, nil
}
