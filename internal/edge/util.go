package edge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/paygate/mcpgate/pkg/responders"
)

// maxRequestBytes caps the size of an inbound /mcp body, protecting against
// a caller streaming an unbounded payload at the gate before any admission
// check runs.
const maxRequestBytes = 2 * 1024 * 1024

func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	return dec.Decode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	responders.JSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	responders.JSON(w, status, payload)
}
