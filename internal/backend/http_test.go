package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHttpProxy_JSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, string(req.ID))
	}))
	defer server.Close()

	proxy := NewHttpProxy(server.URL)
	resp, err := proxy.Forward(context.Background(), requestFixture("7", "tools/call"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(resp.ID) != `"7"` {
		t.Fatalf("expected id \"7\", got %s", resp.ID)
	}
}

func TestHttpProxy_CapturesSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "session-abc")
		var req jsonrpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if got := r.Header.Get("Mcp-Session-Id"); r.Method == http.MethodPost && got != "" && got != "session-abc" {
			t.Errorf("unexpected inbound session header %q", got)
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, string(req.ID))
	}))
	defer server.Close()

	proxy := NewHttpProxy(server.URL)
	if _, err := proxy.Forward(context.Background(), requestFixture("1", "ping")); err != nil {
		t.Fatalf("first Forward: %v", err)
	}
	if proxy.sessionID != "session-abc" {
		t.Fatalf("expected captured session id, got %q", proxy.sessionID)
	}

	if _, err := proxy.Forward(context.Background(), requestFixture("2", "ping")); err != nil {
		t.Fatalf("second Forward: %v", err)
	}
}

func TestHttpProxy_SSEResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"streamed\":true}}\n\n", string(req.ID))
	}))
	defer server.Close()

	proxy := NewHttpProxy(server.URL)
	resp, err := proxy.Forward(context.Background(), requestFixture("9", "tools/call"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(resp.ID) != `"9"` {
		t.Fatalf("expected id \"9\", got %s", resp.ID)
	}
}

func TestHttpProxy_SSENoMatchReturnsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"other\",\"result\":{}}\n\n")
	}))
	defer server.Close()

	proxy := NewHttpProxy(server.URL)
	resp, err := proxy.Forward(context.Background(), requestFixture("9", "tools/call"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32603 {
		t.Fatalf("expected -32603 protocol error, got %+v", resp)
	}
}

func TestHttpProxy_NotificationFireAndForget(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	proxy := NewHttpProxy(server.URL)
	resp, err := proxy.Forward(context.Background(), notificationFixture("notifications/progress"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected synthetic success, got %+v", resp.Error)
	}
	select {
	case <-received:
	default:
		t.Fatalf("expected notification to reach the server")
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}
