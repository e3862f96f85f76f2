package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/metrics"
	"github.com/smallyunet/ethwitness/pkg/types"
)

// CachedProvider answers from a snapshot first and falls back to a remote
// provider, recording every remote answer in the snapshot. With a nil remote
// it works offline.
type CachedProvider struct {
	cache  *FileProvider
	remote Provider
	logger *slog.Logger
}

func NewCachedProvider(cache *FileProvider, remote Provider) *CachedProvider {
	return &CachedProvider{
		cache:  cache,
		remote: remote,
		logger: slog.Default().With("component", "cached-provider"),
	}
}

// cached runs get against the cache, then fetch against the remote, storing
// the remote result with put.
func cached[V any](p *CachedProvider, get func() (V, error), fetch func(Provider) (V, error), put func(V)) (V, error) {
	v, err := get()
	if err == nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return v, err
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	if p.remote == nil {
		return v, fmt.Errorf("offline: %w", err)
	}
	v, err = fetch(p.remote)
	if err != nil {
		return v, err
	}
	put(v)
	return v, nil
}

func (p *CachedProvider) GetFullBlock(ctx context.Context, q BlockQuery) (*types.Block, error) {
	return cached(p,
		func() (*types.Block, error) { return p.cache.GetFullBlock(ctx, q) },
		func(r Provider) (*types.Block, error) { return r.GetFullBlock(ctx, q) },
		func(v *types.Block) { p.cache.InsertFullBlock(q, v) })
}

func (p *CachedProvider) GetPartialBlock(ctx context.Context, q BlockQuery) (*gethtypes.Header, error) {
	return cached(p,
		func() (*gethtypes.Header, error) { return p.cache.GetPartialBlock(ctx, q) },
		func(r Provider) (*gethtypes.Header, error) { return r.GetPartialBlock(ctx, q) },
		func(v *gethtypes.Header) { p.cache.InsertPartialBlock(q, v) })
}

func (p *CachedProvider) GetProof(ctx context.Context, q ProofQuery) (*types.AccountResult, error) {
	return cached(p,
		func() (*types.AccountResult, error) { return p.cache.GetProof(ctx, q) },
		func(r Provider) (*types.AccountResult, error) { return r.GetProof(ctx, q) },
		func(v *types.AccountResult) { p.cache.InsertProof(q, v) })
}

func (p *CachedProvider) GetTransactionCount(ctx context.Context, q AccountQuery) (uint64, error) {
	return cached(p,
		func() (uint64, error) { return p.cache.GetTransactionCount(ctx, q) },
		func(r Provider) (uint64, error) { return r.GetTransactionCount(ctx, q) },
		func(v uint64) { p.cache.InsertTransactionCount(q, v) })
}

func (p *CachedProvider) GetBalance(ctx context.Context, q AccountQuery) (*uint256.Int, error) {
	return cached(p,
		func() (*uint256.Int, error) { return p.cache.GetBalance(ctx, q) },
		func(r Provider) (*uint256.Int, error) { return r.GetBalance(ctx, q) },
		func(v *uint256.Int) { p.cache.InsertBalance(q, v) })
}

func (p *CachedProvider) GetCode(ctx context.Context, q AccountQuery) ([]byte, error) {
	return cached(p,
		func() ([]byte, error) { return p.cache.GetCode(ctx, q) },
		func(r Provider) ([]byte, error) { return r.GetCode(ctx, q) },
		func(v []byte) { p.cache.InsertCode(q, v) })
}

func (p *CachedProvider) GetStorage(ctx context.Context, q StorageQuery) (common.Hash, error) {
	return cached(p,
		func() (common.Hash, error) { return p.cache.GetStorage(ctx, q) },
		func(r Provider) (common.Hash, error) { return r.GetStorage(ctx, q) },
		func(v common.Hash) { p.cache.InsertStorage(q, v) })
}

// GetPrestate is served only when the remote can trace or the trace was
// cached before.
func (p *CachedProvider) GetPrestate(ctx context.Context, q BlockQuery) ([]types.TxPrestate, error) {
	return cached(p,
		func() ([]types.TxPrestate, error) { return p.cache.GetPrestate(ctx, q) },
		func(r Provider) ([]types.TxPrestate, error) {
			tracer, ok := r.(PrestateProvider)
			if !ok {
				return nil, fmt.Errorf("prestate: %w", ErrNotFound)
			}
			return tracer.GetPrestate(ctx, q)
		},
		func(v []types.TxPrestate) { p.cache.InsertPrestate(q, v) })
}

func (p *CachedProvider) Save() error {
	if err := p.cache.Save(); err != nil {
		return err
	}
	p.logger.Debug("Saved provider cache", "path", p.cache.path)
	return nil
}
