package primitives

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Transaction type discriminants. Legacy transactions carry no prefix byte.
const (
	LegacyTxType     byte = 0x00
	AccessListTxType byte = 0x01
	DynamicFeeTxType byte = 0x02
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsupportedType  = errors.New("unsupported transaction type")
)

// TxEssence is the signed part of a transaction. The set of implementations
// is closed: LegacyEssence, AccessListEssence and DynamicFeeEssence.
type TxEssence interface {
	Type() byte

	chainID() uint64
	nonce() uint64
	gas() uint64
	gasPrice() *uint256.Int
	gasFeeCap() *uint256.Int
	gasTipCap() *uint256.Int
	to() *common.Address
	value() *uint256.Int
	data() []byte
	accessList() AccessList

	// fields returns the RLP list items shared by the signing payload and
	// the full encoding.
	fields() []any
}

// LegacyEssence is a pre-EIP-2718 transaction. A zero ChainID means the
// signature carries no replay protection.
type LegacyEssence struct {
	ChainID  uint64
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
	To       *common.Address // nil means contract creation
	Value    *uint256.Int
	Data     []byte
}

func (e *LegacyEssence) Type() byte              { return LegacyTxType }
func (e *LegacyEssence) chainID() uint64         { return e.ChainID }
func (e *LegacyEssence) nonce() uint64           { return e.Nonce }
func (e *LegacyEssence) gas() uint64             { return e.GasLimit }
func (e *LegacyEssence) gasPrice() *uint256.Int  { return orZero(e.GasPrice) }
func (e *LegacyEssence) gasFeeCap() *uint256.Int { return orZero(e.GasPrice) }
func (e *LegacyEssence) gasTipCap() *uint256.Int { return orZero(e.GasPrice) }
func (e *LegacyEssence) to() *common.Address     { return e.To }
func (e *LegacyEssence) value() *uint256.Int     { return orZero(e.Value) }
func (e *LegacyEssence) data() []byte            { return e.Data }
func (e *LegacyEssence) accessList() AccessList  { return nil }

func (e *LegacyEssence) fields() []any {
	return []any{e.Nonce, e.gasPrice(), e.GasLimit, addressBytes(e.To), e.value(), e.Data}
}

// AccessListEssence is an EIP-2930 transaction.
type AccessListEssence struct {
	ChainID    uint64
	Nonce      uint64
	GasPrice   *uint256.Int
	GasLimit   uint64
	To         *common.Address
	Value      *uint256.Int
	Data       []byte
	AccessList AccessList
}

func (e *AccessListEssence) Type() byte              { return AccessListTxType }
func (e *AccessListEssence) chainID() uint64         { return e.ChainID }
func (e *AccessListEssence) nonce() uint64           { return e.Nonce }
func (e *AccessListEssence) gas() uint64             { return e.GasLimit }
func (e *AccessListEssence) gasPrice() *uint256.Int  { return orZero(e.GasPrice) }
func (e *AccessListEssence) gasFeeCap() *uint256.Int { return orZero(e.GasPrice) }
func (e *AccessListEssence) gasTipCap() *uint256.Int { return orZero(e.GasPrice) }
func (e *AccessListEssence) to() *common.Address     { return e.To }
func (e *AccessListEssence) value() *uint256.Int     { return orZero(e.Value) }
func (e *AccessListEssence) data() []byte            { return e.Data }
func (e *AccessListEssence) accessList() AccessList  { return e.AccessList }

func (e *AccessListEssence) fields() []any {
	return []any{e.ChainID, e.Nonce, e.gasPrice(), e.GasLimit, addressBytes(e.To), e.value(), e.Data, accessListOrEmpty(e.AccessList)}
}

// DynamicFeeEssence is an EIP-1559 transaction.
type DynamicFeeEssence struct {
	ChainID              uint64
	Nonce                uint64
	MaxPriorityFeePerGas *uint256.Int
	MaxFeePerGas         *uint256.Int
	GasLimit             uint64
	To                   *common.Address
	Value                *uint256.Int
	Data                 []byte
	AccessList           AccessList
}

func (e *DynamicFeeEssence) Type() byte              { return DynamicFeeTxType }
func (e *DynamicFeeEssence) chainID() uint64         { return e.ChainID }
func (e *DynamicFeeEssence) nonce() uint64           { return e.Nonce }
func (e *DynamicFeeEssence) gas() uint64             { return e.GasLimit }
func (e *DynamicFeeEssence) gasPrice() *uint256.Int  { return orZero(e.MaxFeePerGas) }
func (e *DynamicFeeEssence) gasFeeCap() *uint256.Int { return orZero(e.MaxFeePerGas) }
func (e *DynamicFeeEssence) gasTipCap() *uint256.Int { return orZero(e.MaxPriorityFeePerGas) }
func (e *DynamicFeeEssence) to() *common.Address     { return e.To }
func (e *DynamicFeeEssence) value() *uint256.Int     { return orZero(e.Value) }
func (e *DynamicFeeEssence) data() []byte            { return e.Data }
func (e *DynamicFeeEssence) accessList() AccessList  { return e.AccessList }

func (e *DynamicFeeEssence) fields() []any {
	return []any{e.ChainID, e.Nonce, e.gasTipCap(), e.gasFeeCap(), e.GasLimit, addressBytes(e.To), e.value(), e.Data, accessListOrEmpty(e.AccessList)}
}

// TxSignature is the ECDSA signature. V is the raw value as it appears in the
// encoding: 27/28 or 35+2*chainID (+1) for legacy, the y-parity otherwise.
type TxSignature struct {
	V uint64
	R *uint256.Int
	S *uint256.Int
}

// Transaction is an essence together with the signature over its signing hash.
type Transaction struct {
	Essence   TxEssence
	Signature TxSignature
}

func (tx *Transaction) Type() byte              { return tx.Essence.Type() }
func (tx *Transaction) ChainID() uint64         { return tx.Essence.chainID() }
func (tx *Transaction) Nonce() uint64           { return tx.Essence.nonce() }
func (tx *Transaction) Gas() uint64             { return tx.Essence.gas() }
func (tx *Transaction) GasPrice() *uint256.Int  { return tx.Essence.gasPrice() }
func (tx *Transaction) GasFeeCap() *uint256.Int { return tx.Essence.gasFeeCap() }
func (tx *Transaction) GasTipCap() *uint256.Int { return tx.Essence.gasTipCap() }
func (tx *Transaction) To() *common.Address     { return tx.Essence.to() }
func (tx *Transaction) Value() *uint256.Int     { return tx.Essence.value() }
func (tx *Transaction) Data() []byte            { return tx.Essence.data() }
func (tx *Transaction) AccessList() AccessList  { return tx.Essence.accessList() }

// EffectiveGasPrice is the price per gas the sender pays at the given base fee.
func (tx *Transaction) EffectiveGasPrice(baseFee *uint256.Int) *uint256.Int {
	if tx.Type() != DynamicFeeTxType || baseFee == nil {
		return new(uint256.Int).Set(tx.GasPrice())
	}
	price := new(uint256.Int).Add(baseFee, tx.GasTipCap())
	if price.Gt(tx.GasFeeCap()) {
		price.Set(tx.GasFeeCap())
	}
	return price
}

// SigningPayload is the byte string the sender signed.
func (tx *Transaction) SigningPayload() []byte {
	items := tx.Essence.fields()
	if tx.Type() == LegacyTxType {
		if id := tx.ChainID(); id != 0 {
			items = append(items, id, uint(0), uint(0))
		}
		return mustEncode(items)
	}
	return append([]byte{tx.Type()}, mustEncode(items)...)
}

// SigningHash is keccak256 of SigningPayload.
func (tx *Transaction) SigningHash() common.Hash {
	return Keccak(tx.SigningPayload())
}

// MarshalBinary returns the canonical network encoding.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	return tx.encode(), nil
}

// Hash returns the transaction hash, keccak256 of the canonical encoding.
func (tx *Transaction) Hash() common.Hash {
	return Keccak(tx.encode())
}

// encode cannot fail: essence fields are integers, byte strings, addresses
// and access lists.
func (tx *Transaction) encode() []byte {
	items := append(tx.Essence.fields(), tx.Signature.V, orZero(tx.Signature.R), orZero(tx.Signature.S))
	enc := mustEncode(items)
	if tx.Type() == LegacyTxType {
		return enc
	}
	return append([]byte{tx.Type()}, enc...)
}

// yParity validates V against the essence and returns the recovery id.
func (tx *Transaction) yParity() (byte, error) {
	v := tx.Signature.V
	if tx.Type() != LegacyTxType {
		if v > 1 {
			return 0, fmt.Errorf("%w: y-parity %d", ErrInvalidSignature, v)
		}
		return byte(v), nil
	}
	switch {
	case v == 27 || v == 28:
		if tx.ChainID() != 0 {
			return 0, fmt.Errorf("%w: v %d without chain id", ErrInvalidSignature, v)
		}
		return byte(v - 27), nil
	case v >= 35:
		if (v-35)/2 != tx.ChainID() {
			return 0, fmt.Errorf("%w: v %d does not match chain id %d", ErrInvalidSignature, v, tx.ChainID())
		}
		return byte((v - 35) % 2), nil
	default:
		return 0, fmt.Errorf("%w: v %d", ErrInvalidSignature, v)
	}
}

// Recover returns the address that produced the signature.
func (tx *Transaction) Recover() (common.Address, error) {
	parity, err := tx.yParity()
	if err != nil {
		return common.Address{}, err
	}
	r, s := orZero(tx.Signature.R), orZero(tx.Signature.S)
	if !crypto.ValidateSignatureValues(parity, r.ToBig(), s.ToBig(), true) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignature)
	}
	rb, sb := r.Bytes32(), s.Bytes32()
	sig := make([]byte, crypto.SignatureLength)
	copy(sig[:32], rb[:])
	copy(sig[32:64], sb[:])
	sig[64] = parity

	hash := tx.SigningHash()
	pub, err := crypto.Ecrecover(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(pub) != 65 || pub[0] != 4 {
		return common.Address{}, fmt.Errorf("%w: malformed public key", ErrInvalidSignature)
	}
	return common.BytesToAddress(crypto.Keccak256(pub[1:])[12:]), nil
}

type legacyRLP struct {
	Nonce    uint64
	GasPrice *uint256.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *uint256.Int
	Data     []byte
	V        *big.Int
	R, S     *uint256.Int
}

type accessListRLP struct {
	ChainID    uint64
	Nonce      uint64
	GasPrice   *uint256.Int
	Gas        uint64
	To         *common.Address `rlp:"nil"`
	Value      *uint256.Int
	Data       []byte
	AccessList AccessList
	V          uint64
	R, S       *uint256.Int
}

type dynamicFeeRLP struct {
	ChainID    uint64
	Nonce      uint64
	GasTipCap  *uint256.Int
	GasFeeCap  *uint256.Int
	Gas        uint64
	To         *common.Address `rlp:"nil"`
	Value      *uint256.Int
	Data       []byte
	AccessList AccessList
	V          uint64
	R, S       *uint256.Int
}

// UnmarshalBinary decodes the canonical network encoding.
func (tx *Transaction) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrDecode)
	}
	if b[0] >= 0xc0 {
		var dec legacyRLP
		if err := rlp.DecodeBytes(b, &dec); err != nil {
			return fmt.Errorf("%w: legacy transaction: %v", ErrDecode, err)
		}
		if !dec.V.IsUint64() {
			return fmt.Errorf("%w: legacy v out of range", ErrDecode)
		}
		v := dec.V.Uint64()
		var chainID uint64
		if v >= 35 {
			chainID = (v - 35) / 2
		}
		tx.Essence = &LegacyEssence{
			ChainID:  chainID,
			Nonce:    dec.Nonce,
			GasPrice: dec.GasPrice,
			GasLimit: dec.Gas,
			To:       dec.To,
			Value:    dec.Value,
			Data:     dec.Data,
		}
		tx.Signature = TxSignature{V: v, R: dec.R, S: dec.S}
		return nil
	}
	switch b[0] {
	case AccessListTxType:
		var dec accessListRLP
		if err := rlp.DecodeBytes(b[1:], &dec); err != nil {
			return fmt.Errorf("%w: access list transaction: %v", ErrDecode, err)
		}
		tx.Essence = &AccessListEssence{
			ChainID:    dec.ChainID,
			Nonce:      dec.Nonce,
			GasPrice:   dec.GasPrice,
			GasLimit:   dec.Gas,
			To:         dec.To,
			Value:      dec.Value,
			Data:       dec.Data,
			AccessList: dec.AccessList,
		}
		tx.Signature = TxSignature{V: dec.V, R: dec.R, S: dec.S}
	case DynamicFeeTxType:
		var dec dynamicFeeRLP
		if err := rlp.DecodeBytes(b[1:], &dec); err != nil {
			return fmt.Errorf("%w: dynamic fee transaction: %v", ErrDecode, err)
		}
		tx.Essence = &DynamicFeeEssence{
			ChainID:              dec.ChainID,
			Nonce:                dec.Nonce,
			MaxPriorityFeePerGas: dec.GasTipCap,
			MaxFeePerGas:         dec.GasFeeCap,
			GasLimit:             dec.Gas,
			To:                   dec.To,
			Value:                dec.Value,
			Data:                 dec.Data,
			AccessList:           dec.AccessList,
		}
		tx.Signature = TxSignature{V: dec.V, R: dec.R, S: dec.S}
	default:
		return fmt.Errorf("%w: %w 0x%02x", ErrDecode, ErrUnsupportedType, b[0])
	}
	return nil
}

// Transactions implements types.DerivableList so the transactions root can
// be computed with types.DeriveSha.
type Transactions []*Transaction

func (s Transactions) Len() int { return len(s) }

func (s Transactions) EncodeIndex(i int, w *bytes.Buffer) {
	enc, err := s[i].MarshalBinary()
	if err != nil {
		panic(err)
	}
	w.Write(enc)
}

func addressBytes(a *common.Address) []byte {
	if a == nil {
		return []byte{}
	}
	return a.Bytes()
}

func accessListOrEmpty(al AccessList) AccessList {
	if al == nil {
		return AccessList{}
	}
	return al
}

func mustEncode(v any) []byte {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(err)
	}
	return enc
}
