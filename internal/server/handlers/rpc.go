package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/requestctx"
)

// JSON-RPC 2.0 error codes.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

var nullID = json.RawMessage("null")

// RPC bridges JSON-RPC 2.0 calls to hook dispatches: the method is the hook
// name and params the event. Hook-level failures are part of the result.
func (h *Handlers) RPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nullID, RPCParseError, "Parse error")
		return
	}

	id := req.ID
	if len(id) == 0 {
		id = nullID
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, id, RPCInvalidRequest, `Invalid Request: jsonrpc must be "2.0" and method is required`)
		return
	}

	params := hooks.Event{}
	if trimmed := bytes.TrimSpace(req.Params); len(trimmed) > 0 && !bytes.Equal(trimmed, nullID) {
		if err := json.Unmarshal(trimmed, &params); err != nil {
			writeRPCError(w, id, RPCInvalidParams, "Invalid params: expected an object")
			return
		}
	}

	if !h.hasHandlers(req.Method) {
		requestctx.Logger(r.Context()).Debug().Str("method", req.Method).Msg("RPC method not found")
		writeRPCError(w, id, RPCMethodNotFound, "Method not found: "+req.Method)
		return
	}

	out := h.engine.Dispatch(r.Context(), req.Method, params)

	// Notifications get no response body.
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := json.Marshal(out); err != nil {
		writeRPCError(w, id, RPCInternalError, "Internal error: result is not serializable")
		return
	}

	JSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Result: out, ID: id})
}

func (h *Handlers) hasHandlers(hook string) bool {
	for _, info := range h.engine.Hooks() {
		if info.Name == hook {
			return len(info.Handlers) > 0
		}
	}
	return false
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	JSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message},
		ID:      id,
	})
}
