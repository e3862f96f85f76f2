// Package input defines the self-contained payload for verifying one block
// and its on-disk encoding.
package input

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/klauspost/compress/gzip"

	"github.com/smallyunet/ethwitness/pkg/mpt"
	"github.com/smallyunet/ethwitness/pkg/primitives"
)

// StorageEntry is the storage proof of one account and the slots that
// execution will read or write.
type StorageEntry struct {
	Trie  *mpt.PartialTrie `json:"trie"`
	Slots []common.Hash    `json:"slots"`
}

// Input is everything needed to rebuild and verify the block on top of
// ParentHeader. Stages take ownership of fields as they consume them.
type Input struct {
	ParentHeader *types.Header `json:"parentHeader"`

	// Fields of the new header chosen by the block proposer.
	Beneficiary common.Address `json:"beneficiary"`
	GasLimit    hexutil.Uint64 `json:"gasLimit"`
	Timestamp   hexutil.Uint64 `json:"timestamp"`
	ExtraData   hexutil.Bytes  `json:"extraData"`
	MixHash     common.Hash    `json:"mixHash"`

	Transactions []*primitives.Transaction `json:"transactions"`
	Withdrawals  []*types.Withdrawal       `json:"withdrawals"`

	ParentStateTrie *mpt.PartialTrie                 `json:"parentStateTrie"`
	ParentStorage   map[common.Address]*StorageEntry `json:"parentStorage"`
	Contracts       []hexutil.Bytes                  `json:"contracts"`
	// AncestorHeaders lists the headers before ParentHeader, newest first.
	AncestorHeaders []*types.Header `json:"ancestorHeaders"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// Decode reads one Input. Gzip-compressed streams are detected by their magic
// bytes.
func Decode(r io.Reader) (*Input, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		return decodeJSON(zr)
	}
	return decodeJSON(br)
}

func decodeJSON(r io.Reader) (*Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: input: %v", primitives.ErrDecode, err)
	}
	if in.ParentHeader == nil {
		return nil, fmt.Errorf("%w: input: missing parent header", primitives.ErrDecode)
	}
	if in.ParentStateTrie == nil {
		in.ParentStateTrie = &mpt.PartialTrie{}
	}
	for i, tx := range in.Transactions {
		if tx == nil {
			return nil, fmt.Errorf("%w: input: nil transaction %d", primitives.ErrDecode, i)
		}
	}
	for i, w := range in.Withdrawals {
		if w == nil {
			return nil, fmt.Errorf("%w: input: nil withdrawal %d", primitives.ErrDecode, i)
		}
	}
	for addr, entry := range in.ParentStorage {
		if entry == nil {
			return nil, fmt.Errorf("%w: input: nil storage entry for %s", primitives.ErrDecode, addr)
		}
		if entry.Trie == nil {
			entry.Trie = &mpt.PartialTrie{}
		}
	}
	return &in, nil
}

// Encode writes the input as JSON, gzip-compressed when compress is set.
func Encode(w io.Writer, in *Input, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(in)
	}
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(in); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Load reads an input file.
func Load(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Save writes an input file atomically, compressing when the name ends in
// ".gz".
func Save(path string, in *Input) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Encode(f, in, strings.HasSuffix(path, ".gz")); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Empty returns a copy of in reduced to an empty block on top of the same
// parent: no transactions or withdrawals, and state known only by its root.
func (in *Input) Empty() *Input {
	return &Input{
		ParentHeader:    in.ParentHeader,
		Beneficiary:     in.Beneficiary,
		GasLimit:        in.GasLimit,
		Timestamp:       in.Timestamp,
		ExtraData:       in.ExtraData,
		MixHash:         in.MixHash,
		ParentStateTrie: mpt.FromDigest(in.ParentStateTrie.Hash()),
		ParentStorage:   map[common.Address]*StorageEntry{},
	}
}
