// Package backend implements the two BackendProxy transports that front a
// downstream MCP tool server: a child process speaking newline-delimited
// JSON-RPC over stdio, and a remote HTTP/SSE endpoint. Both satisfy the
// same Proxy interface so the router can treat them identically.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// RequestTimeout bounds how long a single forwarded call waits for a
// correlated response before failing.
const RequestTimeout = 30 * time.Second

// ErrNotRunning is returned by Forward/ForwardUngated when the backend
// process or connection has not been started, or has exited.
var ErrNotRunning = errors.New("backend: proxy is not running")

// ErrTimeout is returned when a request receives no correlated response
// within RequestTimeout.
var ErrTimeout = errors.New("backend: timed out waiting for response")

// Proxy is the shared operation set for a downstream MCP tool server,
// regardless of transport.
type Proxy interface {
	// Forward sends a gated tool call and waits for its correlated response.
	Forward(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// ForwardUngated sends a free-method or already-admitted call.
	ForwardUngated(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// Start brings the transport up (spawns the child process, or is a
	// no-op for HTTP backends with no persistent connection).
	Start(ctx context.Context) error
	// Stop tears the transport down, rejecting any pending requests.
	Stop(ctx context.Context) error
	// IsRunning reports whether the transport is currently usable.
	IsRunning() bool
}
