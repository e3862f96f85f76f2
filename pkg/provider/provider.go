// Package provider fetches the chain data the host needs to assemble an
// input, either from a node or from an on-disk snapshot.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/ethereum"
	"github.com/smallyunet/ethwitness/pkg/types"
)

var (
	// ErrNotFound is returned when the data does not exist or, for a
	// snapshot, was never recorded.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the backing node cannot be reached.
	ErrUnavailable = ethereum.ErrUnavailable
)

// BlockQuery selects a block by number.
type BlockQuery struct {
	BlockNo uint64
}

func (q BlockQuery) key() string { return fmt.Sprintf("%d", q.BlockNo) }

// AccountQuery selects an account at the state after BlockNo.
type AccountQuery struct {
	BlockNo uint64
	Address common.Address
}

func (q AccountQuery) key() string { return fmt.Sprintf("%d/%s", q.BlockNo, q.Address.Hex()) }

// StorageQuery selects one storage slot at the state after BlockNo.
type StorageQuery struct {
	BlockNo uint64
	Address common.Address
	Index   common.Hash
}

func (q StorageQuery) key() string {
	return fmt.Sprintf("%d/%s/%s", q.BlockNo, q.Address.Hex(), q.Index.Hex())
}

// ProofQuery selects an account proof together with the given storage keys.
type ProofQuery struct {
	BlockNo uint64
	Address common.Address
	Indices []common.Hash
}

func (q ProofQuery) key() string {
	keys := make([]string, len(q.Indices))
	for i, idx := range q.Indices {
		keys[i] = idx.Hex()
	}
	return fmt.Sprintf("%d/%s/%s", q.BlockNo, q.Address.Hex(), strings.Join(keys, ","))
}

// Provider is the host's source of chain data. Implementations must be safe
// for concurrent use.
type Provider interface {
	GetFullBlock(ctx context.Context, q BlockQuery) (*types.Block, error)
	GetPartialBlock(ctx context.Context, q BlockQuery) (*gethtypes.Header, error)
	GetProof(ctx context.Context, q ProofQuery) (*types.AccountResult, error)
	GetTransactionCount(ctx context.Context, q AccountQuery) (uint64, error)
	GetBalance(ctx context.Context, q AccountQuery) (*uint256.Int, error)
	GetCode(ctx context.Context, q AccountQuery) ([]byte, error)
	GetStorage(ctx context.Context, q StorageQuery) (common.Hash, error)
	// Save persists whatever the provider recorded. It is a no-op for
	// providers without storage.
	Save() error
}

// PrestateProvider is implemented by providers that can return the
// prestateTracer output of every transaction in a block.
type PrestateProvider interface {
	GetPrestate(ctx context.Context, q BlockQuery) ([]types.TxPrestate, error)
}
