package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/types"
)

// Caller is the part of the JSON-RPC client the provider uses.
type Caller interface {
	CallResult(ctx context.Context, out any, method string, params ...any) (bool, error)
}

// RPCProvider reads from an execution node.
type RPCProvider struct {
	client Caller
	logger *slog.Logger
}

func NewRPCProvider(client Caller) *RPCProvider {
	return &RPCProvider{
		client: client,
		logger: slog.Default().With("component", "rpc-provider"),
	}
}

func blockTag(n uint64) string { return hexutil.EncodeUint64(n) }

func (p *RPCProvider) call(ctx context.Context, out any, method string, params ...any) error {
	found, err := p.client.CallResult(ctx, out, method, params...)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !found {
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	}
	return nil
}

func (p *RPCProvider) GetFullBlock(ctx context.Context, q BlockQuery) (*types.Block, error) {
	p.logger.Debug("Querying RPC for full block", "number", q.BlockNo)
	var block types.Block
	if err := p.call(ctx, &block, "eth_getBlockByNumber", blockTag(q.BlockNo), true); err != nil {
		return nil, err
	}
	return &block, nil
}

func (p *RPCProvider) GetPartialBlock(ctx context.Context, q BlockQuery) (*gethtypes.Header, error) {
	p.logger.Debug("Querying RPC for partial block", "number", q.BlockNo)
	var header gethtypes.Header
	if err := p.call(ctx, &header, "eth_getBlockByNumber", blockTag(q.BlockNo), false); err != nil {
		return nil, err
	}
	return &header, nil
}

func (p *RPCProvider) GetProof(ctx context.Context, q ProofQuery) (*types.AccountResult, error) {
	p.logger.Debug("Querying RPC for proof", "number", q.BlockNo, "address", q.Address, "slots", len(q.Indices))
	indices := q.Indices
	if indices == nil {
		indices = []common.Hash{}
	}
	var res types.AccountResult
	if err := p.call(ctx, &res, "eth_getProof", q.Address, indices, blockTag(q.BlockNo)); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *RPCProvider) GetTransactionCount(ctx context.Context, q AccountQuery) (uint64, error) {
	var n hexutil.Uint64
	if err := p.call(ctx, &n, "eth_getTransactionCount", q.Address, blockTag(q.BlockNo)); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *RPCProvider) GetBalance(ctx context.Context, q AccountQuery) (*uint256.Int, error) {
	var balance hexutil.Big
	if err := p.call(ctx, &balance, "eth_getBalance", q.Address, blockTag(q.BlockNo)); err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig((*big.Int)(&balance))
	if overflow {
		return nil, fmt.Errorf("balance of %s overflows 256 bits", q.Address)
	}
	return v, nil
}

func (p *RPCProvider) GetCode(ctx context.Context, q AccountQuery) ([]byte, error) {
	var code hexutil.Bytes
	if err := p.call(ctx, &code, "eth_getCode", q.Address, blockTag(q.BlockNo)); err != nil {
		return nil, err
	}
	return code, nil
}

func (p *RPCProvider) GetStorage(ctx context.Context, q StorageQuery) (common.Hash, error) {
	var value common.Hash
	if err := p.call(ctx, &value, "eth_getStorageAt", q.Address, q.Index, blockTag(q.BlockNo)); err != nil {
		return common.Hash{}, err
	}
	return value, nil
}

// GetPrestate traces the block with the prestateTracer.
func (p *RPCProvider) GetPrestate(ctx context.Context, q BlockQuery) ([]types.TxPrestate, error) {
	p.logger.Debug("Tracing block prestate", "number", q.BlockNo)
	var traces []types.TxPrestate
	cfg := map[string]any{"tracer": "prestateTracer"}
	if err := p.call(ctx, &traces, "debug_traceBlockByNumber", blockTag(q.BlockNo), cfg); err != nil {
		return nil, err
	}
	return traces, nil
}

func (p *RPCProvider) Save() error { return nil }
