// Package types holds the JSON-RPC objects the host exchanges with an
// execution node and stores in its cache.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// Block is a block as returned by eth_getBlockByNumber with full
// transaction objects.
type Block struct {
	Header       *gethtypes.Header
	Transactions []*primitives.Transaction
	Withdrawals  []*gethtypes.Withdrawal
	Hash         common.Hash
}

type blockBody struct {
	Transactions []*primitives.Transaction `json:"transactions"`
	Withdrawals  []*gethtypes.Withdrawal   `json:"withdrawals,omitempty"`
	Hash         common.Hash               `json:"hash"`
}

// UnmarshalJSON decodes the header fields and the body from the same object.
func (b *Block) UnmarshalJSON(input []byte) error {
	var header gethtypes.Header
	if err := json.Unmarshal(input, &header); err != nil {
		return fmt.Errorf("decode block header: %w", err)
	}
	var body blockBody
	if err := json.Unmarshal(input, &body); err != nil {
		return fmt.Errorf("decode block body: %w", err)
	}
	b.Header = &header
	b.Transactions = body.Transactions
	b.Withdrawals = body.Withdrawals
	b.Hash = body.Hash
	return nil
}

func (b *Block) MarshalJSON() ([]byte, error) {
	enc, err := json.Marshal(b.Header)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(enc, &fields); err != nil {
		return nil, err
	}
	body, err := json.Marshal(blockBody{Transactions: b.Transactions, Withdrawals: b.Withdrawals, Hash: b.Hash})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if b.Transactions == nil {
		fields["transactions"] = json.RawMessage("[]")
	}
	return json.Marshal(fields)
}

// AccountResult is the response of eth_getProof.
type AccountResult struct {
	Address      common.Address  `json:"address"`
	AccountProof []hexutil.Bytes `json:"accountProof"`
	Balance      *hexutil.Big    `json:"balance"`
	CodeHash     common.Hash     `json:"codeHash"`
	Nonce        hexutil.Uint64  `json:"nonce"`
	StorageHash  common.Hash     `json:"storageHash"`
	StorageProof []StorageResult `json:"storageProof"`
}

// StorageResult is the proof of one storage slot.
type StorageResult struct {
	Key   common.Hash     `json:"key"`
	Value *hexutil.Big    `json:"value"`
	Proof []hexutil.Bytes `json:"proof"`
}

// Proof returns the account proof as raw nodes.
func (r *AccountResult) Proof() [][]byte {
	return rawNodes(r.AccountProof)
}

// StorageProofs returns the storage proofs as raw nodes, one list per key.
func (r *AccountResult) StorageProofs() [][][]byte {
	out := make([][][]byte, len(r.StorageProof))
	for i, sp := range r.StorageProof {
		out[i] = rawNodes(sp.Proof)
	}
	return out
}

// Exists reports whether the proof shows an account. Nodes return a zero
// account for absent addresses.
func (r *AccountResult) Exists() bool {
	return r.Nonce != 0 ||
		(r.Balance != nil && (*big.Int)(r.Balance).Sign() != 0) ||
		(r.CodeHash != common.Hash{} && r.CodeHash != gethtypes.EmptyCodeHash) ||
		(r.StorageHash != common.Hash{} && r.StorageHash != gethtypes.EmptyRootHash)
}

// StateAccount converts the result into the account as stored in the trie.
func (r *AccountResult) StateAccount() (*gethtypes.StateAccount, error) {
	balance := new(uint256.Int)
	if r.Balance != nil {
		if overflow := balance.SetFromBig((*big.Int)(r.Balance)); overflow {
			return nil, fmt.Errorf("balance of %s overflows 256 bits", r.Address)
		}
	}
	acc := &gethtypes.StateAccount{
		Nonce:    uint64(r.Nonce),
		Balance:  balance,
		Root:     r.StorageHash,
		CodeHash: r.CodeHash.Bytes(),
	}
	if acc.Root == (common.Hash{}) {
		acc.Root = gethtypes.EmptyRootHash
	}
	if r.CodeHash == (common.Hash{}) {
		acc.CodeHash = gethtypes.EmptyCodeHash.Bytes()
	}
	return acc, nil
}

func rawNodes(nodes []hexutil.Bytes) [][]byte {
	out := make([][]byte, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

// PrestateAccount is one entry of the prestateTracer output.
type PrestateAccount struct {
	Balance *hexutil.Big                `json:"balance,omitempty"`
	Nonce   uint64                      `json:"nonce,omitempty"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// TxPrestate is the prestate of one transaction as returned by
// debug_traceBlockByNumber.
type TxPrestate struct {
	TxHash common.Hash                         `json:"txHash"`
	Result map[common.Address]*PrestateAccount `json:"result"`
}
