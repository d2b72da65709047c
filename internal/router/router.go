// Package router implements the MultiServerRouter: prefix-based fan-out to
// multiple backend MCP servers sharing a single gate.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paygate/mcpgate/internal/backend"
	"github.com/paygate/mcpgate/internal/circuitbreaker"
	"github.com/paygate/mcpgate/internal/gate"
	"github.com/paygate/mcpgate/internal/metrics"
	"github.com/paygate/mcpgate/internal/rpcerrors"
	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// ErrInvalidPrefix covers every prefix-configuration invariant violation:
// empty, containing the separator, or duplicated.
var ErrInvalidPrefix = errors.New("router: invalid backend prefix")

// Backend pairs a routing prefix with its proxy.
type Backend struct {
	Prefix string
	Proxy  backend.Proxy
}

// Config controls router-wide policy.
type Config struct {
	Separator       string
	RefundOnFailure bool
}

// ToolCallEvent is emitted after every tools/call for observability.
type ToolCallEvent struct {
	Prefix   string
	Tool     string
	KeyID    string
	Refunded bool
	Err      error
}

// Router fans calls out to the configured backends by tool-name prefix.
type Router struct {
	backends []Backend
	byPrefix map[string]backend.Proxy
	cfg      Config
	gate     *gate.Gate
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	onEvent  func(ToolCallEvent)
}

// New validates backends (non-empty, separator-free, unique prefixes) and
// builds a Router. breakers may be nil, in which case calls bypass circuit
// breaking entirely.
func New(backends []Backend, g *gate.Gate, breakers *circuitbreaker.Manager, cfg Config) (*Router, error) {
	if cfg.Separator == "" {
		cfg.Separator = ":"
	}

	byPrefix := make(map[string]backend.Proxy, len(backends))
	for _, b := range backends {
		if b.Prefix == "" {
			return nil, fmt.Errorf("%w: empty prefix", ErrInvalidPrefix)
		}
		if strings.Contains(b.Prefix, cfg.Separator) {
			return nil, fmt.Errorf("%w: prefix %q contains separator %q", ErrInvalidPrefix, b.Prefix, cfg.Separator)
		}
		if _, dup := byPrefix[b.Prefix]; dup {
			return nil, fmt.Errorf("%w: duplicate prefix %q", ErrInvalidPrefix, b.Prefix)
		}
		byPrefix[b.Prefix] = b.Proxy
	}

	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	}

	return &Router{backends: backends, byPrefix: byPrefix, cfg: cfg, gate: g, breakers: breakers}, nil
}

// OnToolCallEvent registers an observability callback invoked after every
// tools/call, whether it succeeded, was denied, or was refunded.
func (r *Router) OnToolCallEvent(fn func(ToolCallEvent)) {
	r.onEvent = fn
}

// SetMetrics attaches a metrics sink; nil disables backend-call metrics.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Router) emit(evt ToolCallEvent) {
	if r.onEvent != nil {
		r.onEvent(evt)
	}
}

// ListTools forwards "tools/list" to every backend ungated, renames each
// tool to "<prefix><sep><name>", prefixes descriptions with "[<prefix>] ",
// and filters the merged result against the calling key's ACL.
func (r *Router) ListTools(ctx context.Context, aclFilter func(toolName string) bool) (json.RawMessage, error) {
	type toolsListResult struct {
		Tools []json.RawMessage `json:"tools"`
	}

	var merged []json.RawMessage

	for _, b := range r.backends {
		req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`"list"`), Method: "tools/list"}
		resp, err := b.Proxy.ForwardUngated(ctx, req)
		if err != nil || resp.Error != nil {
			continue
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			continue
		}

		for _, raw := range result.Tools {
			var item map[string]interface{}
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			name, _ := item["name"].(string)
			prefixed := b.Prefix + r.cfg.Separator + name
			if aclFilter != nil && !aclFilter(prefixed) {
				continue
			}
			item["name"] = prefixed
			if desc, ok := item["description"].(string); ok {
				item["description"] = fmt.Sprintf("[%s] %s", b.Prefix, desc)
			} else {
				item["description"] = fmt.Sprintf("[%s]", b.Prefix)
			}
			rewritten, err := json.Marshal(item)
			if err != nil {
				continue
			}
			merged = append(merged, rewritten)
		}
	}

	return json.Marshal(toolsListResult{Tools: merged})
}

// SplitPrefixed splits a prefixed tool name into its backend prefix and the
// unprefixed tool name understood by that backend.
func (r *Router) SplitPrefixed(name string) (prefix, tool string, ok bool) {
	idx := strings.Index(name, r.cfg.Separator)
	if idx < 0 {
		return "", "", false
	}
	prefix = name[:idx]
	tool = name[idx+len(r.cfg.Separator):]
	if _, known := r.byPrefix[prefix]; !known {
		return "", "", false
	}
	return prefix, tool, true
}

// Prefixes returns the configured backend prefixes, in configuration order.
func (r *Router) Prefixes() []string {
	out := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.Prefix)
	}
	return out
}

// CallTool handles a "tools/call" request: split the prefix, evaluate the
// gate against the prefixed name, and forward the unprefixed call to the
// selected backend.
func (r *Router) CallTool(ctx context.Context, keyID string, reqID json.RawMessage, params jsonrpc.ToolCallParams, clientIP, clientCountry string, scopedTokenTools []string) *jsonrpc.Response {
	prefix, toolName, ok := r.SplitPrefixed(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(reqID, rpcerrors.CodeInvalidParams,
			fmt.Sprintf("unknown or missing backend prefix in tool name %q", params.Name),
			map[string]interface{}{"validPrefixes": r.Prefixes()})
	}

	prefixedCall := jsonrpc.ToolCall{Name: params.Name, Arguments: params.Arguments}
	decision := r.gate.Evaluate(keyID, prefixedCall, clientIP, clientCountry, scopedTokenTools)
	if !decision.Allowed {
		data := rpcerrors.NewPaymentRequiredData(decision.CreditsRequired, decision.RemainingCredits, nil)
		return jsonrpc.NewErrorResponse(reqID, decision.DenyReason.RPCCode(), decision.DenyReason.Message(), data)
	}

	resp, err := r.forwardToBackend(ctx, prefix, toolName, reqID, params.Arguments)

	refunded := false
	if (err != nil || (resp != nil && resp.Error != nil)) && r.cfg.RefundOnFailure && decision.CreditsCharged > 0 {
		if refundErr := r.gate.Refund(keyID, decision.CreditsCharged, toolName); refundErr == nil {
			refunded = true
		}
	}

	r.emit(ToolCallEvent{Prefix: prefix, Tool: toolName, KeyID: keyID, Refunded: refunded, Err: err})

	if err != nil {
		return jsonrpc.NewErrorResponse(reqID, rpcerrors.CodeInternalError, fmt.Sprintf("backend error: %v", err), nil)
	}
	return resp
}

// forwardToBackend sends an already-admitted call to prefix's proxy, through
// its circuit breaker, and records backend-call metrics. The caller is
// responsible for gate evaluation; this never charges or denies.
func (r *Router) forwardToBackend(ctx context.Context, prefix, toolName string, reqID json.RawMessage, arguments json.RawMessage) (*jsonrpc.Response, error) {
	proxy := r.byPrefix[prefix]
	backendReq := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      reqID,
		Method:  "tools/call",
		Params:  mustMarshalParams(toolName, arguments),
	}

	backendStart := time.Now()
	result, err := r.breakers.Execute(prefix, func() (interface{}, error) {
		return proxy.ForwardUngated(ctx, backendReq)
	})
	if r.metrics != nil {
		r.metrics.ObserveBackendCall(prefix, toolName, time.Since(backendStart), err)
	}
	var resp *jsonrpc.Response
	if result != nil {
		resp, _ = result.(*jsonrpc.Response)
	}
	return resp, err
}

// BatchItemResult is one call's outcome within a tools/call_batch response.
type BatchItemResult struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc.Error  `json:"error,omitempty"`
}

// BatchCallResponse is the Result payload of a successful tools/call_batch.
type BatchCallResponse struct {
	Results        []BatchItemResult `json:"results"`
	TotalCharged   int64             `json:"totalCharged"`
	RemainingAfter int64             `json:"remainingCredits"`
}

// CallToolBatch handles "tools/call_batch": every call is admitted and
// charged together by the gate, or none are; each individually-forwarded
// call that fails its backend is refunded on its own if RefundOnFailure is
// set, without undoing the other calls in the batch.
func (r *Router) CallToolBatch(ctx context.Context, keyID string, reqID json.RawMessage, calls []jsonrpc.ToolCallParams, clientIP, clientCountry string, scopedTokenTools []string) *jsonrpc.Response {
	if len(calls) == 0 {
		return jsonrpc.NewErrorResponse(reqID, rpcerrors.CodeInvalidParams, "tools/call_batch: calls must not be empty", nil)
	}

	prefixed := make([]string, len(calls))
	toolCalls := make([]jsonrpc.ToolCall, len(calls))
	for i, c := range calls {
		if _, _, ok := r.SplitPrefixed(c.Name); !ok {
			return jsonrpc.NewErrorResponse(reqID, rpcerrors.CodeInvalidParams,
				fmt.Sprintf("unknown or missing backend prefix in tool name %q", c.Name),
				map[string]interface{}{"validPrefixes": r.Prefixes(), "failedIndex": i})
		}
		prefixed[i] = c.Name
		toolCalls[i] = jsonrpc.ToolCall{Name: c.Name, Arguments: c.Arguments}
	}

	batch := r.gate.EvaluateBatch(keyID, toolCalls, clientIP, clientCountry, scopedTokenTools)
	if !batch.Allowed {
		idx := batch.FailedIndex
		data := rpcerrors.NewPaymentRequiredData(batch.CreditsRequired, batch.RemainingAfter, &idx)
		return jsonrpc.NewErrorResponse(reqID, batch.DenyReason.RPCCode(), batch.DenyReason.Message(), data)
	}

	results := make([]BatchItemResult, len(calls))
	for i, c := range calls {
		prefix, toolName, _ := r.SplitPrefixed(c.Name)
		resp, err := r.forwardToBackend(ctx, prefix, toolName, reqID, c.Arguments)

		refunded := false
		if (err != nil || (resp != nil && resp.Error != nil)) && r.cfg.RefundOnFailure && batch.PerCallCharged[i] > 0 {
			if refundErr := r.gate.Refund(keyID, batch.PerCallCharged[i], toolName); refundErr == nil {
				refunded = true
			}
		}
		r.emit(ToolCallEvent{Prefix: prefix, Tool: toolName, KeyID: keyID, Refunded: refunded, Err: err})

		item := BatchItemResult{Name: prefixed[i]}
		switch {
		case err != nil:
			item.Error = &jsonrpc.Error{Code: rpcerrors.CodeInternalError, Message: fmt.Sprintf("backend error: %v", err)}
		case resp != nil && resp.Error != nil:
			item.Error = resp.Error
		case resp != nil:
			item.Result = resp.Result
		}
		results[i] = item
	}

	payload, marshalErr := json.Marshal(BatchCallResponse{Results: results, TotalCharged: batch.TotalCharged, RemainingAfter: batch.RemainingAfter})
	if marshalErr != nil {
		return jsonrpc.NewErrorResponse(reqID, rpcerrors.CodeInternalError, "encoding batch response", nil)
	}
	return jsonrpc.NewResponse(reqID, payload)
}

func mustMarshalParams(toolName string, arguments json.RawMessage) json.RawMessage {
	params := jsonrpc.ToolCallParams{Name: toolName, Arguments: arguments}
	data, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// ForwardFree forwards a free or unknown method to the first configured
// backend, ungated.
func (r *Router) ForwardFree(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if len(r.backends) == 0 {
		return nil, errors.New("router: no backends configured")
	}
	return r.backends[0].Proxy.ForwardUngated(ctx, req)
}

// StartAll starts every configured backend, stopping on the first error.
func (r *Router) StartAll(ctx context.Context) error {
	for _, b := range r.backends {
		if err := b.Proxy.Start(ctx); err != nil {
			return fmt.Errorf("router: starting backend %q: %w", b.Prefix, err)
		}
	}
	return nil
}

// StopAll stops every configured backend, collecting but not failing fast
// on individual errors.
func (r *Router) StopAll(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	for _, b := range r.backends {
		if err := b.Proxy.Stop(stopCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
