package builder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/engine"
	"github.com/smallyunet/ethwitness/pkg/memdb"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// EthTxExec executes the transactions in order through an engine created for
// the block on first use. A nil Engine selects the go-ethereum EVM.
type EthTxExec struct {
	Engine engine.Factory
}

var _ TxExecStrategy[*memdb.MemDB] = EthTxExec{}

func (s EthTxExec) ExecuteTransactions(b *BlockBuilder[*memdb.MemDB]) error {
	header := b.Header
	db := b.DB
	txs := primitives.Transactions(b.Input.Transactions)
	b.Input.Transactions = nil

	newEngine := s.Engine
	if newEngine == nil {
		newEngine = engine.NewGeth
	}
	baseFee, overflow := uint256.FromBig(header.BaseFee)
	if overflow {
		return fmt.Errorf("base fee %s overflows 256 bits", header.BaseFee)
	}

	var (
		evm      engine.Engine
		receipts = make(types.Receipts, 0, len(txs))
		gasUsed  uint64
		logIndex uint
	)
	for i, tx := range txs {
		txHash := tx.Hash()
		sender, err := tx.Recover()
		if err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i, txHash, err)
		}
		if err := checkTransaction(b.Chain, db, tx, sender, baseFee, header.GasLimit-gasUsed); err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i, txHash, err)
		}

		if evm == nil {
			evm, err = newEngine(b.Chain.Config, blockEnv(header), witness(b), db)
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}
		}
		res, err := evm.Transact(tx, sender, i)
		if err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i, txHash, err)
		}
		if err := db.Commit(res.Changes); err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i, txHash, err)
		}
		gasUsed += res.GasUsed

		receipt := &types.Receipt{
			Type:              tx.Type(),
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: gasUsed,
			TxHash:            txHash,
			GasUsed:           res.GasUsed,
			Logs:              res.Logs,
			BlockNumber:       new(big.Int).Set(header.Number),
			TransactionIndex:  uint(i),
		}
		if res.Failed {
			receipt.Status = types.ReceiptStatusFailed
		}
		if receipt.Logs == nil {
			receipt.Logs = []*types.Log{}
		}
		for _, l := range receipt.Logs {
			l.BlockNumber = header.Number.Uint64()
			l.TxHash = txHash
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}
		receipt.Bloom = logsBloom(receipt.Logs)
		receipts = append(receipts, receipt)
	}

	var bloom types.Bloom
	for _, r := range receipts {
		for i := range bloom {
			bloom[i] |= r.Bloom[i]
		}
	}
	header.GasUsed = gasUsed
	header.Bloom = bloom
	header.TxHash = types.DeriveSha(txs, trie.NewStackTrie(nil))
	header.ReceiptHash = types.DeriveSha(receipts, trie.NewStackTrie(nil))
	b.Receipts = receipts
	return nil
}

// checkTransaction enforces the validity rules a block producer must have
// applied before including tx.
func checkTransaction(chain *ChainSpec, db *memdb.MemDB, tx *primitives.Transaction, sender common.Address, baseFee *uint256.Int, gasLeft uint64) error {
	if id := tx.ChainID(); (id != 0 || tx.Type() != primitives.LegacyTxType) && id != chain.ChainID() {
		return fmt.Errorf("%w: have %d, want %d", ErrInvalidChainID, id, chain.ChainID())
	}
	if tx.Gas() > gasLeft {
		return fmt.Errorf("%w: gas %d, remaining %d", ErrGasLimitExceeded, tx.Gas(), gasLeft)
	}
	acc, err := db.Account(sender)
	if err != nil {
		return fmt.Errorf("sender %s: %w", sender, err)
	}
	if acc.Info.Nonce != tx.Nonce() {
		return fmt.Errorf("%w: sender %s has nonce %d, transaction %d", ErrNonceMismatch, sender, acc.Info.Nonce, tx.Nonce())
	}
	feeCap, tip := tx.GasFeeCap(), tx.GasTipCap()
	if feeCap.Lt(baseFee) {
		return fmt.Errorf("%w: fee cap %s, base fee %s", ErrFeeCapTooLow, feeCap, baseFee)
	}
	if tip.Gt(feeCap) {
		return fmt.Errorf("%w: tip %s, fee cap %s", ErrTipAboveFeeCap, tip, feeCap)
	}

	cost, overflow := new(uint256.Int).MulOverflow(feeCap, uint256.NewInt(tx.Gas()))
	if !overflow {
		cost, overflow = cost.AddOverflow(cost, tx.Value())
	}
	if overflow || acc.Info.Balance.Lt(cost) {
		return fmt.Errorf("%w: sender %s has %s", ErrInsufficientFunds, sender, acc.Info.Balance)
	}
	return nil
}

func blockEnv(h *types.Header) *engine.BlockEnv {
	return &engine.BlockEnv{
		Number:   h.Number.Uint64(),
		Time:     h.Time,
		Coinbase: h.Coinbase,
		GasLimit: h.GasLimit,
		BaseFee:  new(big.Int).Set(h.BaseFee),
		Random:   h.MixDigest,
	}
}

// witness collects the verified trie nodes and the loaded contract code.
func witness(b *BlockBuilder[*memdb.MemDB]) *engine.Witness {
	in := b.Input
	w := &engine.Witness{Root: in.ParentStateTrie.Hash()}
	w.Nodes = append(w.Nodes, in.ParentStateTrie.Nodes...)
	for _, addr := range sortedAddresses(in.ParentStorage) {
		if t := in.ParentStorage[addr].Trie; t != nil {
			w.Nodes = append(w.Nodes, t.Nodes...)
		}
	}
	seen := make(map[common.Hash]struct{})
	for _, addr := range b.DB.Addresses() {
		acc, _ := b.DB.Account(addr)
		if len(acc.Info.Code) == 0 {
			continue
		}
		if _, ok := seen[acc.Info.CodeHash]; ok {
			continue
		}
		seen[acc.Info.CodeHash] = struct{}{}
		w.Codes = append(w.Codes, acc.Info.Code)
	}
	return w
}

func logsBloom(logs []*types.Log) types.Bloom {
	var bloom types.Bloom
	for _, l := range logs {
		bloom.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

// IsContainmentError reports whether err was caused by execution reaching
// state that was not part of the input.
func IsContainmentError(err error) bool {
	return errors.Is(err, memdb.ErrAccountNotFound) ||
		errors.Is(err, memdb.ErrSlotNotFound) ||
		errors.Is(err, memdb.ErrBlockHashNotFound)
}
