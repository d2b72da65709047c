package edge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/paygate/mcpgate/internal/rpcerrors"
	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// handleMCP is the single entry point for JSON-RPC traffic: a lone request
// object, a JSON-RPC batch array, or the proxy-specific "tools/call_batch"
// method carried inside a single request.
func (h *handlers) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		rpcerrors.WriteProtocolError(w, nil, rpcerrors.CodeParseError, "reading request body", nil)
		return
	}

	apiKey := extractAPIKey(r)
	clientIP := extractClientIP(r)
	clientCountry := extractCountry(r)
	scopedTokenTools := h.resolveScopedTokenTools(r)
	keyID, _ := h.deps.KeyStore.ResolveByAliasOrId(apiKey)
	if keyID == "" {
		keyID = apiKey
	}

	if jsonrpc.IsBatchEnvelope(body) {
		var requests []jsonrpc.Request
		if err := json.Unmarshal(body, &requests); err != nil {
			rpcerrors.WriteProtocolError(w, nil, rpcerrors.CodeParseError, "invalid JSON-RPC batch", nil)
			return
		}
		responses := make([]*jsonrpc.Response, 0, len(requests))
		for i := range requests {
			req := requests[i]
			if req.IsNotification() {
				continue
			}
			responses = append(responses, h.dispatch(r, &req, keyID, clientIP, clientCountry, scopedTokenTools))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(responses)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		rpcerrors.WriteProtocolError(w, nil, rpcerrors.CodeParseError, "invalid JSON-RPC request", nil)
		return
	}

	resp := h.dispatch(r, &req, keyID, clientIP, clientCountry, scopedTokenTools)
	if req.IsNotification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rpcerrors.WriteJSON(w, resp)
}

func (h *handlers) resolveScopedTokenTools(r *http.Request) []string {
	if h.deps.ScopedTokens == nil {
		return nil
	}
	token := extractScopedToken(r)
	if token == "" {
		return nil
	}
	claims, err := h.deps.ScopedTokens.Validate(token)
	if err != nil {
		return []string{}
	}
	return claims.Tools
}

func (h *handlers) dispatch(r *http.Request, req *jsonrpc.Request, keyID, clientIP, clientCountry string, scopedTokenTools []string) *jsonrpc.Response {
	ctx := r.Context()

	switch req.Method {
	case "tools/list":
		filter := h.deps.Gate.ToolACLFilter(keyID, scopedTokenTools)
		result, err := h.deps.Router.ListTools(ctx, filter)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcerrors.CodeInternalError, "aggregating tools/list", nil)
		}
		return jsonrpc.NewResponse(req.ID, result)

	case "tools/call":
		var params jsonrpc.ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcerrors.CodeInvalidParams, "invalid tools/call params", nil)
		}
		return h.deps.Router.CallTool(ctx, keyID, req.ID, params, clientIP, clientCountry, scopedTokenTools)

	case "tools/call_batch":
		var params jsonrpc.ToolCallBatchParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcerrors.CodeInvalidParams, "invalid tools/call_batch params", nil)
		}
		return h.deps.Router.CallToolBatch(ctx, keyID, req.ID, params.Calls, clientIP, clientCountry, scopedTokenTools)

	default:
		if h.deps.Gate.IsFreeMethod(req.Method) {
			resp, err := h.deps.Router.ForwardFree(ctx, req)
			if err != nil {
				return jsonrpc.NewErrorResponse(req.ID, rpcerrors.CodeInternalError, "forwarding free method", nil)
			}
			return resp
		}
		return jsonrpc.NewErrorResponse(req.ID, rpcerrors.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}
