package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/klauspost/compress/gzip"

	"github.com/smallyunet/ethwitness/pkg/types"
)

// SnapshotPath is the cache file of one block: <dir>/<chainID>/<block>.json.gz.
func SnapshotPath(dir string, chainID, blockNo uint64) string {
	return filepath.Join(dir, fmt.Sprint(chainID), fmt.Sprintf("%d.json.gz", blockNo))
}

type snapshot struct {
	FullBlocks        map[string]*types.Block         `json:"fullBlocks"`
	PartialBlocks     map[string]*gethtypes.Header    `json:"partialBlocks"`
	Proofs            map[string]*types.AccountResult `json:"proofs"`
	TransactionCounts map[string]hexutil.Uint64       `json:"transactionCounts"`
	Balances          map[string]*hexutil.Big         `json:"balances"`
	Codes             map[string]hexutil.Bytes        `json:"codes"`
	Storage           map[string]common.Hash          `json:"storage"`
	Prestates         map[string][]types.TxPrestate   `json:"prestates,omitempty"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		FullBlocks:        make(map[string]*types.Block),
		PartialBlocks:     make(map[string]*gethtypes.Header),
		Proofs:            make(map[string]*types.AccountResult),
		TransactionCounts: make(map[string]hexutil.Uint64),
		Balances:          make(map[string]*hexutil.Big),
		Codes:             make(map[string]hexutil.Bytes),
		Storage:           make(map[string]common.Hash),
		Prestates:         make(map[string][]types.TxPrestate),
	}
}

// FileProvider serves queries from a gzip JSON snapshot. Anything it was
// never given is reported as ErrNotFound.
type FileProvider struct {
	mu    sync.RWMutex
	path  string
	data  *snapshot
	dirty bool
}

// NewFileProvider opens the snapshot at path. A missing file yields an empty
// provider.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path, data: newSnapshot()}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer zr.Close()
	if err := json.NewDecoder(zr).Decode(p.data); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	slog.Default().With("component", "file-provider").Debug("Loaded snapshot", "path", path,
		"proofs", len(p.data.Proofs), "headers", len(p.data.PartialBlocks))
	return p, nil
}

func lookup[V any](p *FileProvider, m map[string]V, key string) (V, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := m[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func insert[V any](p *FileProvider, m map[string]V, key string, v V) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m[key] = v
	p.dirty = true
}

func (p *FileProvider) GetFullBlock(_ context.Context, q BlockQuery) (*types.Block, error) {
	return lookup(p, p.data.FullBlocks, q.key())
}

func (p *FileProvider) GetPartialBlock(_ context.Context, q BlockQuery) (*gethtypes.Header, error) {
	return lookup(p, p.data.PartialBlocks, q.key())
}

func (p *FileProvider) GetProof(_ context.Context, q ProofQuery) (*types.AccountResult, error) {
	return lookup(p, p.data.Proofs, q.key())
}

func (p *FileProvider) GetTransactionCount(_ context.Context, q AccountQuery) (uint64, error) {
	n, err := lookup(p, p.data.TransactionCounts, q.key())
	return uint64(n), err
}

func (p *FileProvider) GetBalance(_ context.Context, q AccountQuery) (*uint256.Int, error) {
	b, err := lookup(p, p.data.Balances, q.key())
	if err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig((*big.Int)(b))
	if overflow {
		return nil, fmt.Errorf("balance of %s overflows 256 bits", q.Address)
	}
	return v, nil
}

func (p *FileProvider) GetCode(_ context.Context, q AccountQuery) ([]byte, error) {
	return lookup(p, p.data.Codes, q.key())
}

func (p *FileProvider) GetStorage(_ context.Context, q StorageQuery) (common.Hash, error) {
	return lookup(p, p.data.Storage, q.key())
}

func (p *FileProvider) GetPrestate(_ context.Context, q BlockQuery) ([]types.TxPrestate, error) {
	return lookup(p, p.data.Prestates, q.key())
}

func (p *FileProvider) InsertFullBlock(q BlockQuery, b *types.Block) {
	insert(p, p.data.FullBlocks, q.key(), b)
}

func (p *FileProvider) InsertPartialBlock(q BlockQuery, h *gethtypes.Header) {
	insert(p, p.data.PartialBlocks, q.key(), h)
}

func (p *FileProvider) InsertProof(q ProofQuery, r *types.AccountResult) {
	insert(p, p.data.Proofs, q.key(), r)
}

func (p *FileProvider) InsertTransactionCount(q AccountQuery, n uint64) {
	insert(p, p.data.TransactionCounts, q.key(), hexutil.Uint64(n))
}

func (p *FileProvider) InsertBalance(q AccountQuery, v *uint256.Int) {
	insert(p, p.data.Balances, q.key(), (*hexutil.Big)(v.ToBig()))
}

func (p *FileProvider) InsertCode(q AccountQuery, code []byte) {
	insert(p, p.data.Codes, q.key(), hexutil.Bytes(code))
}

func (p *FileProvider) InsertStorage(q StorageQuery, v common.Hash) {
	insert(p, p.data.Storage, q.key(), v)
}

func (p *FileProvider) InsertPrestate(q BlockQuery, traces []types.TxPrestate) {
	insert(p, p.data.Prestates, q.key(), traces)
}

// Save writes the snapshot if anything was inserted since it was loaded.
func (p *FileProvider) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	err = json.NewEncoder(zw).Encode(p.data)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, p.path)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save snapshot %s: %w", p.path, err)
	}
	p.dirty = false
	return nil
}
