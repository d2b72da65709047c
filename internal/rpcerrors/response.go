package rpcerrors

import (
	"encoding/json"
	"net/http"

	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// WriteJSON writes a JSON-RPC response envelope to w. Per spec the HTTP
// status is always 200; the JSON-RPC `error.code` field carries the real
// outcome.
func WriteJSON(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteDenial writes a payment-required (or content-policy) error response
// for a single request id.
func WriteDenial(w http.ResponseWriter, id json.RawMessage, reason Reason, data PaymentRequiredData) {
	resp := jsonrpc.NewErrorResponse(id, reason.RPCCode(), reason.Message(), data)
	WriteJSON(w, resp)
}

// WriteProtocolError writes a standard JSON-RPC error (parse error, invalid
// request, method not found, invalid params, internal error) with no
// payment-related data payload.
func WriteProtocolError(w http.ResponseWriter, id json.RawMessage, code int, message string, data interface{}) {
	resp := jsonrpc.NewErrorResponse(id, code, message, data)
	WriteJSON(w, resp)
}
