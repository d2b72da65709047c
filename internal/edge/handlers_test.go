package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paygate/mcpgate/internal/config"
	"github.com/paygate/mcpgate/internal/gate"
	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/ledger"
	"github.com/paygate/mcpgate/internal/pricing"
	"github.com/paygate/mcpgate/internal/quota"
	"github.com/paygate/mcpgate/internal/ratelimit"
	"github.com/paygate/mcpgate/internal/router"
	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// fakeProxy is a minimal in-memory backend.Proxy for edge tests.
type fakeProxy struct {
	listResult   json.RawMessage
	callResponse *jsonrpc.Response
}

func (f *fakeProxy) Forward(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return f.ForwardUngated(ctx, req)
}

func (f *fakeProxy) ForwardUngated(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.Method == "tools/list" {
		return jsonrpc.NewResponse(req.ID, f.listResult), nil
	}
	return f.callResponse, nil
}

func (f *fakeProxy) Start(ctx context.Context) error { return nil }
func (f *fakeProxy) Stop(ctx context.Context) error  { return nil }
func (f *fakeProxy) IsRunning() bool                 { return true }

func newTestServer(t *testing.T) (*chi.Mux, *keystore.KeyStore) {
	t.Helper()
	led := ledger.New(50)
	store := keystore.New(keystore.Options{Ledger: led})
	g := gate.New(store, quota.New(), ratelimit.New(ratelimit.Ceilings{Window: time.Minute}),
		pricing.NewResolver(map[string]pricing.Rule{"search": {BasePrice: 5}}), gate.Config{})

	proxy := &fakeProxy{
		listResult:   json.RawMessage(`{"tools":[{"name":"search","description":"find stuff"}]}`),
		callResponse: jsonrpc.NewResponse(json.RawMessage(`1`), json.RawMessage(`{"ok":true}`)),
	}
	rtr, err := router.New([]router.Backend{{Prefix: "web", Proxy: proxy}}, g, nil, router.Config{})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	cfg := &config.Config{}
	cfg.Admin.Enabled = true
	cfg.Admin.Token = "admin-secret"
	cfg.Server.ReadTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Server.WriteTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Server.IdleTimeout = config.Duration{Duration: 30 * time.Second}

	r := chi.NewRouter()
	ConfigureRouter(r, Deps{
		Config:   cfg,
		Router:   rtr,
		Gate:     g,
		KeyStore: store,
		Ledger:   led,
	})
	return r, store
}

func TestHealthz(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMCP_ToolsCall_ChargesAndForwards(t *testing.T) {
	r, store := newTestServer(t)
	keyID, _, _ := store.Create(keystore.CreateParams{Name: "k", Credits: 100})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"web:search"}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("X-API-Key", keyID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp jsonrpc.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v, body=%s", err, w.Body.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	rec, _ := store.Get(keyID)
	if rec.Snapshot().Credits != 95 {
		t.Fatalf("expected 95 credits remaining, got %d", rec.Snapshot().Credits)
	}
}

func TestMCP_ToolsCall_DeniesUnknownKey(t *testing.T) {
	r, _ := newTestServer(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"web:search"}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("X-API-Key", "no-such-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp jsonrpc.Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != -32402 {
		t.Fatalf("expected -32402 payment required, got %+v", resp)
	}
}

func TestMCP_ToolsList_Unauthenticated(t *testing.T) {
	r, _ := newTestServer(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp jsonrpc.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestAdmin_CreateKeyRequiresToken(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewBufferString(`{"name":"a","credits":10}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin token, got %d", w.Code)
	}
}

func TestAdmin_CreateKeyAndTopup(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewBufferString(`{"name":"a","credits":10}`))
	req.Header.Set("X-Admin-Token", "admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}

	var created createKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	topupReq := httptest.NewRequest(http.MethodPost, "/admin/keys/"+created.KeyID+"/topup", bytes.NewBufferString(`{"amount":50}`))
	topupReq.Header.Set("X-Admin-Token", "admin-secret")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, topupReq)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w2.Code, w2.Body.String())
	}
}
