package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallyunet/ethwitness/pkg/config"
)

func testConfig(endpoint string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ethereum.Endpoint = endpoint
	cfg.Ethereum.Timeout = 2
	cfg.Ethereum.Retries = 2
	return cfg
}

// rpcServer answers every request with handle's result or error.
func rpcServer(t *testing.T, handle func(method string, params []json.RawMessage) (any, *RPCError)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost:8545"))
	require.NoError(t, err)
	require.NotNil(t, client)

	_, err = NewClient(testConfig(""))
	require.Error(t, err)

	cfg := testConfig("http://localhost:8545")
	cfg.Ethereum.JWTSecret = "/nonexistent/jwt.hex"
	_, err = NewClient(cfg)
	require.Error(t, err)
}

func TestCall(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		switch method {
		case "eth_chainId":
			return "0x539", nil
		case "eth_getBlockByNumber":
			return nil, nil
		default:
			return nil, &RPCError{Code: -32601, Message: "method not found"}
		}
	})
	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	ctx := context.Background()

	id, err := client.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1337), id)

	var block map[string]any
	found, err := client.CallResult(ctx, &block, "eth_getBlockByNumber", "0x1", false)
	require.NoError(t, err)
	require.False(t, found)

	_, err = client.Call(ctx, "eth_nope")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
	require.False(t, errors.Is(err, ErrUnavailable))

	msg, err := client.CheckConnection(ctx)
	require.NoError(t, err)
	require.Contains(t, msg, "eth_chainId")
}

func TestCallRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	raw, err := client.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	require.JSONEq(t, `"0x1"`, string(raw))
	require.Equal(t, int32(3), calls.Load())
}

func TestCall_InvalidEndpoint(t *testing.T) {
	cfg := testConfig("http://invalid-endpoint.invalid:8545")
	cfg.Ethereum.Retries = 0
	client, err := NewClient(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Call(ctx, "eth_blockNumber")
	require.ErrorIs(t, err, ErrUnavailable)
}
