package engine

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// GethEngine runs transactions on go-ethereum's EVM over a state database
// backed only by the witness nodes.
type GethEngine struct {
	chain    *params.ChainConfig
	env      *BlockEnv
	baseFee  *uint256.Int
	db       StateReader
	state    *guardedState
	blockCtx vm.BlockContext
	gasPool  *core.GasPool
	logger   *slog.Logger
}

var _ Factory = NewGeth

// NewGeth builds a stateless go-ethereum state from the witness.
func NewGeth(chain *params.ChainConfig, env *BlockEnv, w *Witness, db StateReader) (Engine, error) {
	kv := rawdb.NewMemoryDatabase()
	for _, n := range w.Nodes {
		rawdb.WriteLegacyTrieNode(kv, crypto.Keccak256Hash(n), n)
	}
	for _, c := range w.Codes {
		rawdb.WriteCode(kv, crypto.Keccak256Hash(c), c)
	}
	sdb, err := state.New(w.Root, state.NewDatabase(triedb.NewDatabase(kv, triedb.HashDefaults), nil))
	if err != nil {
		return nil, fmt.Errorf("open witness state: %w", err)
	}
	baseFee, overflow := uint256.FromBig(env.BaseFee)
	if overflow {
		return nil, fmt.Errorf("base fee overflows 256 bits")
	}
	e := &GethEngine{
		chain:   chain,
		env:     env,
		baseFee: baseFee,
		db:      db,
		state:   newGuardedState(sdb, db),
		gasPool: new(core.GasPool).AddGas(env.GasLimit),
		logger:  slog.Default().With("component", "engine"),
	}
	random := env.Random
	e.blockCtx = vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     e.state.blockHash,
		Coinbase:    env.Coinbase,
		GasLimit:    env.GasLimit,
		BlockNumber: new(big.Int).SetUint64(env.Number),
		Time:        env.Time,
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int).Set(env.BaseFee),
		Random:      &random,
	}
	return e, nil
}

func (e *GethEngine) message(tx *primitives.Transaction, sender common.Address) *core.Message {
	return &core.Message{
		To:         tx.To(),
		From:       sender,
		Nonce:      tx.Nonce(),
		Value:      tx.Value().ToBig(),
		GasLimit:   tx.Gas(),
		GasPrice:   tx.EffectiveGasPrice(e.baseFee).ToBig(),
		GasFeeCap:  tx.GasFeeCap().ToBig(),
		GasTipCap:  tx.GasTipCap().ToBig(),
		Data:       tx.Data(),
		AccessList: tx.AccessList().Geth(),
	}
}

// Transact applies one transaction and returns the accounts it changed.
func (e *GethEngine) Transact(tx *primitives.Transaction, sender common.Address, index int) (*Result, error) {
	// accounts written without a preceding read
	for _, addr := range []common.Address{sender, e.env.Coinbase} {
		if _, err := e.db.Account(addr); err != nil {
			return nil, err
		}
	}
	if to := tx.To(); to != nil {
		if _, err := e.db.Account(*to); err != nil {
			return nil, err
		}
	}

	inner := e.state.StateDB
	addrs := e.db.Addresses()
	existed := make(map[common.Address]bool, len(addrs))
	for _, addr := range addrs {
		existed[addr] = inner.Exist(addr)
	}

	msg := e.message(tx, sender)
	txHash := tx.Hash()
	inner.SetTxContext(txHash, index)
	evm := vm.NewEVM(e.blockCtx, e.state, e.chain, vm.Config{})
	evm.SetTxContext(core.NewEVMTxContext(msg))

	res, err := core.ApplyMessage(evm, msg, e.gasPool)
	if v := e.state.violation(); v != nil {
		return nil, fmt.Errorf("transaction %s accessed unloaded state: %w", txHash, v)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransaction, txHash, err)
	}
	inner.Finalise(true)
	if err := inner.Error(); err != nil {
		return nil, fmt.Errorf("witness state: %w", err)
	}

	var logs []*types.Log
	for _, l := range inner.Logs() {
		if l.TxHash == txHash {
			logs = append(logs, l)
		}
	}
	changes := e.changes(addrs, existed)
	e.logger.Debug("Applied transaction", "hash", txHash, "gas", res.UsedGas, "failed", res.Failed(), "changed", len(changes))

	return &Result{
		GasUsed: res.UsedGas,
		Failed:  res.Failed(),
		Logs:    logs,
		Changes: changes,
	}, nil
}

// changes diffs the EVM state against the loaded database.
func (e *GethEngine) changes(addrs []common.Address, existed map[common.Address]bool) []memdb.AccountChange {
	inner := e.state.StateDB
	var out []memdb.AccountChange
	for _, addr := range addrs {
		acc, err := e.db.Account(addr)
		if err != nil {
			continue
		}
		before, after := existed[addr], inner.Exist(addr)
		switch {
		case !before && !after:
			continue
		case before && !after:
			out = append(out, memdb.AccountChange{Address: addr})
			continue
		}
		created := !before
		info := memdb.AccountInfo{
			Balance:  new(uint256.Int).Set(inner.GetBalance(addr)),
			Nonce:    inner.GetNonce(addr),
			CodeHash: inner.GetCodeHash(addr),
			Code:     inner.GetCode(addr),
		}
		storage := make(map[common.Hash]*uint256.Int)
		for _, slot := range e.slots(addr, acc) {
			v := new(uint256.Int).SetBytes(inner.GetState(addr, slot).Bytes())
			old, ok := acc.Storage[slot]
			if created || !ok || !v.Eq(old) {
				storage[slot] = v
			}
		}
		if !created && len(storage) == 0 && sameInfo(&acc.Info, &info) {
			continue
		}
		out = append(out, memdb.AccountChange{
			Address: addr,
			Exists:  true,
			Created: created,
			Info:    info,
			Storage: storage,
		})
	}
	return out
}

// slots returns the loaded slots of addr plus any slot execution accessed.
func (e *GethEngine) slots(addr common.Address, acc *memdb.DbAccount) []common.Hash {
	out := acc.Slots()
	for slot := range e.state.slots[addr] {
		if _, ok := acc.Storage[slot]; !ok {
			out = append(out, slot)
		}
	}
	return out
}

func sameInfo(a, b *memdb.AccountInfo) bool {
	return a.Nonce == b.Nonce && a.CodeHash == b.CodeHash && a.Balance.Eq(b.Balance)
}
