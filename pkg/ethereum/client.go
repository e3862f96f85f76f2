package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smallyunet/ethwitness/pkg/config"
	"github.com/smallyunet/ethwitness/pkg/jwt"
	"github.com/smallyunet/ethwitness/pkg/metrics"
)

// ErrUnavailable marks failures of the transport or the remote node, as
// opposed to well-formed error responses. Such calls are retried.
var ErrUnavailable = errors.New("ethereum endpoint unavailable")

// RPCError is an error object returned by the endpoint.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client for an Ethereum execution node
type Client struct {
	endpoint   string
	httpClient *http.Client
	retries    int
	logger     *slog.Logger
}

// NewClient creates a new Ethereum client
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.Ethereum.Endpoint == "" {
		return nil, fmt.Errorf("ethereum endpoint cannot be empty")
	}
	logger := slog.Default().With("component", "ethereum")

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Ethereum.JWTSecret != "" {
		secret, err := jwt.ReadSecret(cfg.Ethereum.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("load JWT secret: %w", err)
		}
		transport = jwt.NewRoundTripper(transport, secret)
		logger.Debug("JWT authentication enabled")
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger.Info("Initializing Ethereum client", "endpoint", cfg.Ethereum.Endpoint)
	return &Client{
		endpoint:   cfg.Ethereum.Endpoint,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		retries:    cfg.Ethereum.Retries,
		logger:     logger,
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// Call makes a JSON-RPC call, retrying with exponential backoff while the
// endpoint is unavailable.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	op := func() error {
		var err error
		result, err = c.call(ctx, method, body)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(c.retries, 0))), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Retrying request", "method", method, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.roundTrip(ctx, body)
	metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case errors.Is(err, ErrUnavailable):
		outcome = "unavailable"
	case err != nil:
		outcome = "error"
	}
	metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	c.logger.Debug("Called Ethereum method", "method", method, "outcome", outcome, "elapsed", time.Since(start))
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP request failed with status code: %d", resp.StatusCode)
	}

	var response jsonRPCResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, truncate(respBody, 256))
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

// CallResult makes a call and decodes its result into out. It reports
// whether the result was non-null.
func (c *Client) CallResult(ctx context.Context, out any, method string, params ...any) (bool, error) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s result: %w", method, err)
	}
	return true, nil
}

// ChainID returns the endpoint's chain id.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if _, err := c.CallResult(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CheckConnection verifies connectivity to the Ethereum client
func (c *Client) CheckConnection(ctx context.Context) (string, error) {
	methods := []string{"eth_chainId", "eth_blockNumber", "web3_clientVersion"}

	var lastError error
	for _, method := range methods {
		if _, err := c.Call(ctx, method); err == nil {
			return fmt.Sprintf("Connected using %s", method), nil
		} else {
			lastError = err
			c.logger.Debug("Connection check failed", "method", method, "err", err)
		}
	}
	return "", fmt.Errorf("all connection methods failed, last error: %w", lastError)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
