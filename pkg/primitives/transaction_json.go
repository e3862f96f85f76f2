package primitives

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// txJSON is the JSON-RPC transaction object. Fields that do not belong to
// the transaction's type are ignored on decode and omitted on encode.
type txJSON struct {
	Type                 hexutil.Uint64  `json:"type"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	To                   *common.Address `json:"to"`
	Value                *hexutil.Big    `json:"value"`
	Input                hexutil.Bytes   `json:"input"`
	AccessList           *AccessList     `json:"accessList,omitempty"`
	V                    *hexutil.Big    `json:"v"`
	R                    *hexutil.Big    `json:"r"`
	S                    *hexutil.Big    `json:"s"`
	Hash                 *common.Hash    `json:"hash,omitempty"`
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	enc := txJSON{
		Type:  hexutil.Uint64(tx.Type()),
		Nonce: hexutil.Uint64(tx.Nonce()),
		Gas:   hexutil.Uint64(tx.Gas()),
		To:    tx.To(),
		Value: (*hexutil.Big)(tx.Value().ToBig()),
		Input: tx.Data(),
		V:     (*hexutil.Big)(new(big.Int).SetUint64(tx.Signature.V)),
		R:     (*hexutil.Big)(orZero(tx.Signature.R).ToBig()),
		S:     (*hexutil.Big)(orZero(tx.Signature.S).ToBig()),
	}
	hash := tx.Hash()
	enc.Hash = &hash
	if id := tx.ChainID(); id != 0 {
		enc.ChainID = (*hexutil.Big)(new(big.Int).SetUint64(id))
	}
	switch tx.Type() {
	case DynamicFeeTxType:
		enc.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap().ToBig())
		enc.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap().ToBig())
	default:
		enc.GasPrice = (*hexutil.Big)(tx.GasPrice().ToBig())
	}
	if tx.Type() != LegacyTxType {
		al := accessListOrEmpty(tx.AccessList())
		enc.AccessList = &al
	}
	return json.Marshal(&enc)
}

func (tx *Transaction) UnmarshalJSON(input []byte) error {
	var dec txJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return fmt.Errorf("%w: transaction json: %v", ErrDecode, err)
	}
	if dec.V == nil || dec.R == nil || dec.S == nil {
		return fmt.Errorf("%w: transaction json: missing signature", ErrDecode)
	}
	v := (*big.Int)(dec.V)
	if !v.IsUint64() {
		return fmt.Errorf("%w: transaction json: v out of range", ErrDecode)
	}
	r, err := u256FromBig((*big.Int)(dec.R))
	if err != nil {
		return err
	}
	s, err := u256FromBig((*big.Int)(dec.S))
	if err != nil {
		return err
	}
	value, err := u256FromBig((*big.Int)(dec.Value))
	if err != nil {
		return err
	}
	var chainID uint64
	if dec.ChainID != nil {
		id := (*big.Int)(dec.ChainID)
		if !id.IsUint64() {
			return fmt.Errorf("%w: transaction json: chain id out of range", ErrDecode)
		}
		chainID = id.Uint64()
	}
	var al AccessList
	if dec.AccessList != nil {
		al = *dec.AccessList
	}

	switch byte(dec.Type) {
	case LegacyTxType:
		price, err := u256FromBig((*big.Int)(dec.GasPrice))
		if err != nil {
			return err
		}
		// the chain id of a legacy transaction lives in v
		chainID = 0
		if v.Uint64() >= 35 {
			chainID = (v.Uint64() - 35) / 2
		}
		tx.Essence = &LegacyEssence{
			ChainID:  chainID,
			Nonce:    uint64(dec.Nonce),
			GasPrice: price,
			GasLimit: uint64(dec.Gas),
			To:       dec.To,
			Value:    value,
			Data:     dec.Input,
		}
	case AccessListTxType:
		price, err := u256FromBig((*big.Int)(dec.GasPrice))
		if err != nil {
			return err
		}
		tx.Essence = &AccessListEssence{
			ChainID:    chainID,
			Nonce:      uint64(dec.Nonce),
			GasPrice:   price,
			GasLimit:   uint64(dec.Gas),
			To:         dec.To,
			Value:      value,
			Data:       dec.Input,
			AccessList: al,
		}
	case DynamicFeeTxType:
		tip, err := u256FromBig((*big.Int)(dec.MaxPriorityFeePerGas))
		if err != nil {
			return err
		}
		feeCap, err := u256FromBig((*big.Int)(dec.MaxFeePerGas))
		if err != nil {
			return err
		}
		tx.Essence = &DynamicFeeEssence{
			ChainID:              chainID,
			Nonce:                uint64(dec.Nonce),
			MaxPriorityFeePerGas: tip,
			MaxFeePerGas:         feeCap,
			GasLimit:             uint64(dec.Gas),
			To:                   dec.To,
			Value:                value,
			Data:                 dec.Input,
			AccessList:           al,
		}
	default:
		return fmt.Errorf("%w: %w 0x%02x", ErrDecode, ErrUnsupportedType, uint64(dec.Type))
	}
	tx.Signature = TxSignature{V: v.Uint64(), R: r, S: s}

	if dec.Hash != nil {
		if got := tx.Hash(); got != *dec.Hash {
			return fmt.Errorf("%w: transaction hash mismatch: have %s, want %s", ErrDecode, got, dec.Hash)
		}
	}
	return nil
}
