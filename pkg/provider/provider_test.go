package provider

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// fakeNode answers JSON-RPC methods with canned results.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]string
	calls   map[string]int
	params  map[string][]any
}

func newFakeNode(results map[string]string) *fakeNode {
	return &fakeNode{results: results, calls: map[string]int{}, params: map[string][]any{}}
}

func (n *fakeNode) CallResult(_ context.Context, out any, method string, params ...any) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	n.params[method] = params
	res, ok := n.results[method]
	if !ok || res == "null" {
		return false, nil
	}
	return true, json.Unmarshal([]byte(res), out)
}

const (
	testHeader = `{
		"parentHash": "0x0000000000000000000000000000000000000000000000000000000000000001",
		"sha3Uncles": "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"miner": "0x0000000000000000000000000000000000000005",
		"stateRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"transactionsRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"receiptsRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"logsBloom": "0x00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000",
		"difficulty": "0x0",
		"number": "0x10",
		"gasLimit": "0x1c9c380",
		"gasUsed": "0x0",
		"timestamp": "0x64",
		"extraData": "0x",
		"mixHash": "0x0000000000000000000000000000000000000000000000000000000000000000",
		"nonce": "0x0000000000000000",
		"baseFeePerGas": "0x7",
		"withdrawalsRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"transactions": [],
		"withdrawals": []
	}`
	testProof = `{
		"address": "0x0000000000000000000000000000000000000001",
		"accountProof": ["0xc0"],
		"balance": "0x2a",
		"codeHash": "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		"nonce": "0x1",
		"storageHash": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"storageProof": []
	}`
)

func testNode() *fakeNode {
	return newFakeNode(map[string]string{
		"eth_getBlockByNumber":    testHeader,
		"eth_getProof":            testProof,
		"eth_getTransactionCount": `"0x1"`,
		"eth_getBalance":          `"0x2a"`,
		"eth_getCode":             `"0x6000"`,
		"eth_getStorageAt":        `"0x000000000000000000000000000000000000000000000000000000000000002a"`,
		"debug_traceBlockByNumber": `[{"txHash": "0x0000000000000000000000000000000000000000000000000000000000000009",
			"result": {"0x0000000000000000000000000000000000000001": {"balance": "0x2a", "storage": {
				"0x0000000000000000000000000000000000000000000000000000000000000003": "0x0000000000000000000000000000000000000000000000000000000000000004"}}}}]`,
	})
}

var testAddr = common.HexToAddress("0x01")

func TestRPCProvider(t *testing.T) {
	node := testNode()
	p := NewRPCProvider(node)
	ctx := context.Background()

	block, err := p.GetFullBlock(ctx, BlockQuery{BlockNo: 16})
	require.NoError(t, err)
	require.Equal(t, uint64(16), block.Header.Number.Uint64())
	require.Equal(t, []any{"0x10", true}, node.params["eth_getBlockByNumber"])

	header, err := p.GetPartialBlock(ctx, BlockQuery{BlockNo: 16})
	require.NoError(t, err)
	require.Equal(t, block.Header.Hash(), header.Hash())

	proof, err := p.GetProof(ctx, ProofQuery{BlockNo: 16, Address: testAddr})
	require.NoError(t, err)
	require.True(t, proof.Exists())
	require.Equal(t, []any{testAddr, []common.Hash{}, "0x10"}, node.params["eth_getProof"])

	nonce, err := p.GetTransactionCount(ctx, AccountQuery{BlockNo: 16, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	balance, err := p.GetBalance(ctx, AccountQuery{BlockNo: 16, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance.Uint64())

	code, err := p.GetCode(ctx, AccountQuery{BlockNo: 16, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x00}, code)

	value, err := p.GetStorage(ctx, StorageQuery{BlockNo: 16, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x2a"), value)

	traces, err := p.GetPrestate(ctx, BlockQuery{BlockNo: 16})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Contains(t, traces[0].Result[testAddr].Storage, common.HexToHash("0x03"))

	node.results["eth_getBlockByNumber"] = "null"
	_, err = p.GetFullBlock(ctx, BlockQuery{BlockNo: 99})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachedProvider(t *testing.T) {
	node := testNode()
	path := SnapshotPath(t.TempDir(), 1, 16)
	require.Equal(t, "16.json.gz", filepath.Base(path))

	cache, err := NewFileProvider(path)
	require.NoError(t, err)
	p := NewCachedProvider(cache, NewRPCProvider(node))
	ctx := context.Background()

	q := ProofQuery{BlockNo: 15, Address: testAddr, Indices: []common.Hash{{1}}}
	for i := 0; i < 3; i++ {
		_, err := p.GetProof(ctx, q)
		require.NoError(t, err)
		_, err = p.GetFullBlock(ctx, BlockQuery{BlockNo: 16})
		require.NoError(t, err)
		_, err = p.GetPrestate(ctx, BlockQuery{BlockNo: 16})
		require.NoError(t, err)
	}
	require.Equal(t, 1, node.calls["eth_getProof"])
	require.Equal(t, 1, node.calls["eth_getBlockByNumber"])
	require.Equal(t, 1, node.calls["debug_traceBlockByNumber"])

	// a different key set is a different query
	_, err = p.GetProof(ctx, ProofQuery{BlockNo: 15, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, 2, node.calls["eth_getProof"])

	_, err = p.GetBalance(ctx, AccountQuery{BlockNo: 15, Address: testAddr})
	require.NoError(t, err)
	require.NoError(t, p.Save())

	// reopened offline, everything recorded is still served
	reopened, err := NewFileProvider(path)
	require.NoError(t, err)
	offline := NewCachedProvider(reopened, nil)
	proof, err := offline.GetProof(ctx, q)
	require.NoError(t, err)
	require.Equal(t, uint64(1), uint64(proof.Nonce))
	balance, err := offline.GetBalance(ctx, AccountQuery{BlockNo: 15, Address: testAddr})
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance.Uint64())
	block, err := offline.GetFullBlock(ctx, BlockQuery{BlockNo: 16})
	require.NoError(t, err)
	require.Equal(t, uint64(16), block.Header.Number.Uint64())

	_, err = offline.GetCode(ctx, AccountQuery{BlockNo: 15, Address: testAddr})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileProviderMissing(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "none.json.gz"))
	require.NoError(t, err)
	_, err = p.GetPartialBlock(context.Background(), BlockQuery{BlockNo: 1})
	require.ErrorIs(t, err, ErrNotFound)
	// nothing to write
	require.NoError(t, p.Save())
	require.NoFileExists(t, p.path)
}
