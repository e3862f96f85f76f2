package mpt

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// OrphanCandidates derives nodes that may have existed in the parent trie
// from a proof against the child trie. When a deletion collapses a branch,
// the remaining sibling is merged into the short node that replaces the
// branch, so the sibling itself only shows up in the child proof with a
// longer path. Every suffix of the last short node's path is returned as a
// candidate. Feed the result to Extend, which keeps only the referenced ones.
func OrphanCandidates(proof [][]byte) [][]byte {
	if len(proof) == 0 {
		return nil
	}
	last := proof[len(proof)-1]
	elems, _, err := rlp.SplitList(last)
	if err != nil {
		return nil
	}
	if n, err := rlp.CountValues(elems); err != nil || n != 2 {
		return nil
	}
	key, val, err := rlp.SplitString(elems) // val is the raw second item
	if err != nil || len(key) == 0 {
		return nil
	}
	nibbles, leaf := compactToNibbles(key)
	if nibbles == nil {
		return nil
	}
	// an extension needs at least one nibble, a leaf may end up empty
	end := len(nibbles)
	if !leaf {
		end--
	}
	var out [][]byte
	for i := 1; i <= end; i++ {
		keyEnc, err := rlp.EncodeToBytes(nibblesToCompact(nibbles[i:], leaf))
		if err != nil {
			continue
		}
		node, err := rlp.EncodeToBytes([]rlp.RawValue{keyEnc, val})
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out
}

func compactToNibbles(key []byte) ([]byte, bool) {
	flag := key[0] >> 4
	if flag > 3 {
		return nil, false
	}
	nibbles := make([]byte, 0, 2*len(key))
	if flag&1 == 1 {
		nibbles = append(nibbles, key[0]&0x0f)
	}
	for _, b := range key[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles, flag >= 2
}

func nibblesToCompact(nibbles []byte, leaf bool) []byte {
	var flag byte
	if leaf {
		flag = 2
	}
	buf := make([]byte, len(nibbles)/2+1)
	if len(nibbles)%2 == 1 {
		buf[0] = (flag|1)<<4 | nibbles[0]
		nibbles = nibbles[1:]
	} else {
		buf[0] = flag << 4
	}
	for i := 0; i < len(nibbles); i += 2 {
		buf[i/2+1] = nibbles[i]<<4 | nibbles[i+1]
	}
	return buf
}
