package mpt

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// nodeRefs validates the shape of an RLP encoded trie node and appends the
// hashes of every child it references. Embedded children are validated
// recursively.
func nodeRefs(enc []byte, refs []common.Hash) ([]common.Hash, error) {
	elems, rest, err := rlp.SplitList(enc)
	if err != nil {
		return refs, err
	}
	if len(rest) != 0 {
		return refs, errors.New("trailing bytes after node")
	}
	n, err := rlp.CountValues(elems)
	if err != nil {
		return refs, err
	}
	switch n {
	case 2:
		return shortRefs(elems, refs)
	case 17:
		return branchRefs(elems, refs)
	default:
		return refs, fmt.Errorf("node has %d items", n)
	}
}

func shortRefs(elems []byte, refs []common.Hash) ([]common.Hash, error) {
	kind, key, rest, err := rlp.Split(elems)
	if err != nil {
		return refs, err
	}
	// single bytes below 0x80 split as rlp.Byte
	if kind == rlp.List || len(key) == 0 {
		return refs, errors.New("invalid short node key")
	}
	flag := key[0] >> 4
	if flag > 3 || (flag&1 == 0 && key[0]&0x0f != 0) {
		return refs, fmt.Errorf("invalid hex-prefix flag %#x", key[0])
	}
	if flag >= 2 {
		kind, _, rest, err = rlp.Split(rest)
		if err != nil {
			return refs, err
		}
		if kind == rlp.List || len(rest) != 0 {
			return refs, errors.New("invalid leaf value")
		}
		return refs, nil
	}
	refs, empty, rest, err := childRef(rest, refs)
	if err != nil {
		return refs, err
	}
	if empty {
		return refs, errors.New("extension without child")
	}
	if len(rest) != 0 {
		return refs, errors.New("trailing bytes in extension")
	}
	return refs, nil
}

func branchRefs(elems []byte, refs []common.Hash) ([]common.Hash, error) {
	var err error
	rest := elems
	for i := 0; i < 16; i++ {
		refs, _, rest, err = childRef(rest, refs)
		if err != nil {
			return refs, fmt.Errorf("branch child %d: %w", i, err)
		}
	}
	kind, _, rest, err := rlp.Split(rest)
	if err != nil {
		return refs, err
	}
	if kind == rlp.List || len(rest) != 0 {
		return refs, errors.New("invalid branch value")
	}
	return refs, nil
}

// childRef decodes one child reference: empty, a 32 byte hash or an embedded
// node shorter than 32 bytes.
func childRef(buf []byte, refs []common.Hash) ([]common.Hash, bool, []byte, error) {
	kind, val, rest, err := rlp.Split(buf)
	if err != nil {
		return refs, false, nil, err
	}
	switch {
	case kind == rlp.List:
		raw := buf[:len(buf)-len(rest)]
		if len(raw) >= 32 {
			return refs, false, nil, errors.New("embedded node too large")
		}
		refs, err = nodeRefs(raw, refs)
		return refs, false, rest, err
	case kind == rlp.String && len(val) == 0:
		return refs, true, rest, nil
	case kind == rlp.String && len(val) == common.HashLength:
		return append(refs, common.BytesToHash(val)), false, rest, nil
	default:
		return refs, false, nil, fmt.Errorf("invalid child reference of %d bytes", len(val))
	}
}
