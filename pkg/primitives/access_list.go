package primitives

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AccessListItem is one EIP-2930 entry: an address and the slots it pre-warms.
type AccessListItem struct {
	Address     common.Address `json:"address"`
	StorageKeys []common.Hash  `json:"storageKeys"`
}

// AccessList encodes as an RLP list of [address, [keys...]] pairs.
type AccessList []AccessListItem

// StorageKeys returns the number of slots across all entries.
func (al AccessList) StorageKeys() int {
	n := 0
	for _, item := range al {
		n += len(item.StorageKeys)
	}
	return n
}

// Geth converts the list for the execution engine.
func (al AccessList) Geth() types.AccessList {
	if len(al) == 0 {
		return nil
	}
	out := make(types.AccessList, len(al))
	for i, item := range al {
		out[i] = types.AccessTuple{Address: item.Address, StorageKeys: item.StorageKeys}
	}
	return out
}
