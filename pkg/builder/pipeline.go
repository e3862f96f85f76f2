package builder

import (
	"github.com/smallyunet/ethwitness/pkg/engine"
	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/memdb"
)

// VerifyBlock runs the Ethereum pipeline over a MemDB with the given engine,
// or the go-ethereum EVM when factory is nil.
func VerifyBlock(chain *ChainSpec, in *input.Input, factory engine.Factory) (*Output, error) {
	b, err := New[*memdb.MemDB](chain, in).InitializeDatabase(MemDBInit{})
	if err != nil {
		return nil, err
	}
	if b, err = b.PrepareHeader(EthHeaderPrep[*memdb.MemDB]{}); err != nil {
		return nil, err
	}
	if b, err = b.ExecuteTransactions(EthTxExec{Engine: factory}); err != nil {
		return nil, err
	}
	return b.Build(BuildFromMemDB{})
}
