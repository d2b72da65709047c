package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/paygate/mcpgate/internal/httputil"
	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// maxBodyBytes caps how much of a backend response this proxy will read,
// protecting against a misbehaving or malicious downstream server.
const maxBodyBytes = 10 * 1024 * 1024

// sessionHeader is the header a remote MCP server uses to hand back a
// session id that must be echoed on subsequent requests.
const sessionHeader = "Mcp-Session-Id"

// HttpProxy forwards JSON-RPC requests to a remote MCP server over HTTP,
// optionally speaking SSE for streamed responses.
type HttpProxy struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	sessionID string
}

// NewHttpProxy creates an HttpProxy targeting url.
func NewHttpProxy(url string) *HttpProxy {
	return &HttpProxy{
		url:    url,
		client: httputil.NewClient(RequestTimeout),
	}
}

// Start is a no-op: HTTP backends hold no persistent connection.
func (p *HttpProxy) Start(ctx context.Context) error {
	return nil
}

// IsRunning always reports true once constructed; connectivity is only
// verified per-request.
func (p *HttpProxy) IsRunning() bool {
	return true
}

// Stop sends a best-effort DELETE to close the remote session, if one was
// established.
func (p *HttpProxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	deleteCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(deleteCtx, http.MethodDelete, p.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sessionID)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// Forward sends req and returns its correlated response.
func (p *HttpProxy) Forward(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return p.do(ctx, req)
}

// ForwardUngated is identical to Forward; the HTTP transport has no
// separate gated path.
func (p *HttpProxy) ForwardUngated(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return p.Forward(ctx, req)
}

func (p *HttpProxy) do(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("backend: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend: http request: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		p.mu.Lock()
		p.sessionID = sid
		p.mu.Unlock()
	}

	if req.IsNotification() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return jsonrpc.NewResponse(req.ID, json.RawMessage(`{}`)), nil
	}

	limited := io.LimitReader(resp.Body, maxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("backend: reading response: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("backend: response exceeded %d byte cap", maxBodyBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var rpcResp jsonrpc.Response
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return nil, fmt.Errorf("backend: parsing json response: %w", err)
		}
		return &rpcResp, nil
	case strings.Contains(contentType, "text/event-stream"):
		return parseSSE(data, req.ID)
	default:
		var rpcResp jsonrpc.Response
		if err := json.Unmarshal(data, &rpcResp); err == nil {
			return &rpcResp, nil
		}
		return nil, fmt.Errorf("backend: unrecognized content-type %q", contentType)
	}
}

// parseSSE scans a server-sent-events body for the frame whose JSON-RPC
// payload correlates with wantID, per the frame-reassembly algorithm: each
// frame is a run of lines terminated by a blank line, and only `data: `
// lines contribute to its payload.
func parseSSE(body []byte, wantID json.RawMessage) (*jsonrpc.Response, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)

	var frame bytes.Buffer
	flush := func() (*jsonrpc.Response, bool) {
		if frame.Len() == 0 {
			return nil, false
		}
		payload := frame.Bytes()
		frame.Reset()
		return matchFrame(payload, wantID)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			frame.WriteString(data)
			frame.WriteByte('\n')
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}

	return jsonrpc.NewErrorResponse(wantID, -32603, "No matching response in SSE stream", nil), nil
}

func matchFrame(payload []byte, wantID json.RawMessage) (*jsonrpc.Response, bool) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, false
	}

	if payload[0] == '[' {
		var batch []jsonrpc.Response
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, false
		}
		for i := range batch {
			if idsEqual(batch[i].ID, wantID) {
				return &batch[i], true
			}
		}
		return nil, false
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false
	}
	if resp.JSONRPC != jsonrpc.Version {
		return nil, false
	}
	if idsEqual(resp.ID, wantID) {
		return &resp, true
	}
	return nil, false
}

func idsEqual(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
