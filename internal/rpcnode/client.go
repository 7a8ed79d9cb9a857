package rpcnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pavelgr/dexrelay/internal/balancer"
)

const maxAccountBatchLen = 100

// Method identifies a supported node operation. The set is closed:
// anything else is rejected before a network call happens.
type Method string

const (
	MethodGetBalance          Method = "getBalance"
	MethodGetAccountInfo      Method = "getAccountInfo"
	MethodGetMultipleAccounts Method = "getMultipleAccounts"
	MethodGetSlot             Method = "getSlot"
)

// ParseMethod validates a method name against the supported set.
func ParseMethod(name string) (Method, error) {
	switch Method(name) {
	case MethodGetBalance, MethodGetAccountInfo, MethodGetMultipleAccounts, MethodGetSlot:
		return Method(name), nil
	default:
		return "", fmt.Errorf("unsupported rpc method %q", name)
	}
}

// RPCError is a JSON-RPC level error returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client issues raw JSON-RPC calls against a given endpoint address.
// It carries no endpoint of its own; the load balancer picks one per call.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new raw JSON-RPC client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// CallEndpoint performs a single JSON-RPC call against one endpoint.
func (c *Client) CallEndpoint(ctx context.Context, endpoint string, method Method, params []any) (json.RawMessage, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  string(method),
		Params:  params,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("rpc response missing result")
	}
	return rpcResp.Result, nil
}

// ProbeFor returns a balancer liveness probe backed by getSlot, the
// cheapest call the node answers.
func (c *Client) ProbeFor() balancer.Probe {
	return func(ctx context.Context, endpoint string) error {
		_, err := c.CallEndpoint(ctx, endpoint, MethodGetSlot, nil)
		return err
	}
}

// Node routes JSON-RPC calls through the load balancer.
type Node struct {
	client *Client
	lb     *balancer.Balancer
}

// NewNode creates a Node on top of a raw client and a balancer.
func NewNode(client *Client, lb *balancer.Balancer) *Node {
	return &Node{client: client, lb: lb}
}

// Call dispatches a whitelisted method through the balancer.
func (n *Node) Call(ctx context.Context, method Method, params []any) (json.RawMessage, error) {
	var result json.RawMessage
	err := n.lb.Execute(ctx, func(ctx context.Context, endpoint string) error {
		res, err := n.client.CallEndpoint(ctx, endpoint, method, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalance returns the lamport balance for an address.
func (n *Node) GetBalance(ctx context.Context, address string) (json.RawMessage, error) {
	return n.Call(ctx, MethodGetBalance, []any{
		address,
		map[string]string{"commitment": "confirmed"},
	})
}

// GetAccountInfo returns account data for an address.
func (n *Node) GetAccountInfo(ctx context.Context, address string) (json.RawMessage, error) {
	return n.Call(ctx, MethodGetAccountInfo, []any{
		address,
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	})
}

// GetMultipleAccounts returns account data for a batch of addresses,
// chunked at the node's batch ceiling. Results are returned as one
// JSON array per chunk.
func (n *Node) GetMultipleAccounts(ctx context.Context, addresses []string) ([]json.RawMessage, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	var chunks []json.RawMessage
	for start := 0; start < len(addresses); start += maxAccountBatchLen {
		end := min(start+maxAccountBatchLen, len(addresses))
		res, err := n.Call(ctx, MethodGetMultipleAccounts, []any{
			addresses[start:end],
			map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
		})
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		chunks = append(chunks, res)
	}
	return chunks, nil
}

// GetSlot returns the current slot.
func (n *Node) GetSlot(ctx context.Context) (json.RawMessage, error) {
	return n.Call(ctx, MethodGetSlot, nil)
}
