// Package primitives holds the canonical encodings and hashes that every other
// package builds on: keccak content addressing, RLP helpers and the
// transaction model.
package primitives

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ErrDecode is wrapped by every failure to parse canonical bytes.
var ErrDecode = errors.New("decode error")

// Keccak returns the keccak256 digest of the concatenated inputs.
func Keccak(data ...[]byte) common.Hash {
	return crypto.Keccak256Hash(data...)
}

// DecodeStorageValue parses the RLP string stored in a storage trie leaf.
func DecodeStorageValue(enc []byte) (*uint256.Int, error) {
	_, content, rest, err := rlp.Split(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: storage value: %v", ErrDecode, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: storage value: trailing bytes", ErrDecode)
	}
	if len(content) > 32 {
		return nil, fmt.Errorf("%w: storage value: %d bytes", ErrDecode, len(content))
	}
	return new(uint256.Int).SetBytes(content), nil
}

// EncodeStorageValue is the inverse of DecodeStorageValue. Zero values are
// never stored in a trie, callers delete the key instead.
func EncodeStorageValue(v *uint256.Int) []byte {
	enc, _ := rlp.EncodeToBytes(common.TrimLeftZeroes(v.Bytes()))
	return enc
}

func u256FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative integer", ErrDecode)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: integer overflows 256 bits", ErrDecode)
	}
	return v, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
