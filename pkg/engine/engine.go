// Package engine adapts an EVM implementation to the block builder. The
// builder owns the account database; an engine only executes one transaction
// at a time and reports what changed.
package engine

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// ErrTransaction wraps a consensus error raised while applying a transaction.
var ErrTransaction = errors.New("transaction rejected by engine")

// BlockEnv is the block-level context every transaction executes in.
type BlockEnv struct {
	Number   uint64
	Time     uint64
	Coinbase common.Address
	GasLimit uint64
	BaseFee  *big.Int
	Random   common.Hash
}

// Witness carries the verified parent state: trie nodes of the state trie and
// all storage tries under Root, plus contract code.
type Witness struct {
	Root  common.Hash
	Nodes [][]byte
	Codes [][]byte
}

// StateReader is the loaded account database. Engines must consult it before
// touching any account, slot or block hash.
type StateReader interface {
	Account(addr common.Address) (*memdb.DbAccount, error)
	Storage(addr common.Address, slot common.Hash) (*uint256.Int, error)
	BlockHash(number uint64) (common.Hash, error)
	Addresses() []common.Address
}

// Result is the outcome of one transaction.
type Result struct {
	GasUsed uint64
	// Failed is set when execution reverted. The transaction is still
	// included and pays for gas.
	Failed  bool
	Logs    []*types.Log
	Changes []memdb.AccountChange
}

// Engine executes transactions in order against one block.
type Engine interface {
	Transact(tx *primitives.Transaction, sender common.Address, index int) (*Result, error)
}

// Factory creates an engine for a block.
type Factory func(chain *params.ChainConfig, env *BlockEnv, w *Witness, db StateReader) (Engine, error)
