package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pavelgr/dexrelay/internal/balancer"
	"github.com/pavelgr/dexrelay/internal/rpcnode"
)

const maxRelayBodyBytes = 64 << 10

// relayRequest is the client-facing shape of a node RPC call. Only the
// whitelisted method set is dispatched; params are method-specific.
type relayRequest struct {
	Method string      `json:"method"`
	Params relayParams `json:"params"`
}

type relayParams struct {
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

type relayResponse struct {
	Result json.RawMessage `json:"result"`
}

// relayHandler dispatches whitelisted JSON-RPC methods to the node pool.
type relayHandler struct {
	node   *rpcnode.Node
	logger *slog.Logger
}

func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body", err.Error())
		return
	}

	var req relayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	method, err := rpcnode.ParseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported method", err.Error())
		return
	}

	result, err := h.dispatch(r, method, req.Params)
	if err != nil {
		h.writeRelayError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse{Result: result})
}

func (h *relayHandler) dispatch(r *http.Request, method rpcnode.Method, params relayParams) (json.RawMessage, error) {
	ctx := r.Context()

	switch method {
	case rpcnode.MethodGetBalance:
		if params.Address == "" {
			return nil, errMissingAddress
		}
		return h.node.GetBalance(ctx, params.Address)
	case rpcnode.MethodGetAccountInfo:
		if params.Address == "" {
			return nil, errMissingAddress
		}
		return h.node.GetAccountInfo(ctx, params.Address)
	case rpcnode.MethodGetMultipleAccounts:
		if len(params.Addresses) == 0 {
			return nil, errMissingAddresses
		}
		chunks, err := h.node.GetMultipleAccounts(ctx, params.Addresses)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chunks)
	case rpcnode.MethodGetSlot:
		return h.node.GetSlot(ctx)
	}
	return nil, errors.New("unreachable method " + string(method))
}

var (
	errMissingAddress   = errors.New("params.address is required")
	errMissingAddresses = errors.New("params.addresses is required")
)

func (h *relayHandler) writeRelayError(w http.ResponseWriter, method rpcnode.Method, err error) {
	switch {
	case errors.Is(err, errMissingAddress), errors.Is(err, errMissingAddresses):
		writeError(w, http.StatusBadRequest, "invalid params", err.Error())
	case errors.Is(err, balancer.ErrNoHealthyEndpoints):
		writeError(w, http.StatusServiceUnavailable, "node pool unavailable", err.Error())
	default:
		var rpcErr *rpcnode.RPCError
		if errors.As(err, &rpcErr) {
			writeError(w, http.StatusBadGateway, "node error", rpcErr.Error())
			return
		}
		h.logger.Error("relay call failed", "method", method, "error", err)
		writeError(w, http.StatusBadGateway, "node unreachable", err.Error())
	}
}
