// Package gate implements the admission pipeline: given a key, a tool
// call, the caller's IP, and an optional scoped-token whitelist, it decides
// whether the call is allowed, and if so, charges it. It is the
// composition root that ties keystore, quota, ratelimit, and pricing
// together into one decision.
package gate

import (
	"net"
	"strings"
	"time"

	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/metrics"
	"github.com/paygate/mcpgate/internal/pricing"
	"github.com/paygate/mcpgate/internal/quota"
	"github.com/paygate/mcpgate/internal/ratelimit"
	"github.com/paygate/mcpgate/internal/rpcerrors"
	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// AdmissionDecision is the result of evaluating one tool call.
type AdmissionDecision struct {
	Allowed          bool
	DenyReason       rpcerrors.Reason
	CreditsCharged   int64
	CreditsRequired  int64
	RemainingCredits int64
	Shadow           bool
}

// Config controls gate-wide policy independent of any single key.
type Config struct {
	FreeMethods     map[string]struct{}
	ShadowMode      bool
	RefundOnFailure bool
	QuotaDefaults   quota.Defaults
	RateCeilings    ratelimit.Ceilings
}

// DefaultFreeMethods is the set of JSON-RPC methods the gate never charges
// for; tools/list is included but its results still get ACL-filtered by the
// router.
func DefaultFreeMethods() map[string]struct{} {
	return setOf([]string{
		"initialize", "initialized", "ping",
		"notifications/initialized", "notifications/cancelled", "notifications/progress",
		"tools/list", "resources/list", "prompts/list",
	})
}

func setOf(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Gate evaluates admission decisions against a KeyStore.
type Gate struct {
	store    *keystore.KeyStore
	quota    *quota.Tracker
	limiter  *ratelimit.Limiter
	pricing  *pricing.Resolver
	cfg      Config
	metrics  *metrics.Metrics
	onShadow func(keyID string, reason rpcerrors.Reason)
}

// New creates a Gate wired to its collaborators.
func New(store *keystore.KeyStore, quotaTracker *quota.Tracker, limiter *ratelimit.Limiter, resolver *pricing.Resolver, cfg Config) *Gate {
	if cfg.FreeMethods == nil {
		cfg.FreeMethods = DefaultFreeMethods()
	}
	return &Gate{store: store, quota: quotaTracker, limiter: limiter, pricing: resolver, cfg: cfg}
}

// OnShadowDenial registers a callback invoked whenever shadow mode would
// have denied a real request. Used for observability only.
func (g *Gate) OnShadowDenial(fn func(keyID string, reason rpcerrors.Reason)) {
	g.onShadow = fn
}

// SetMetrics attaches a metrics sink; nil disables admission metrics.
func (g *Gate) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// Refund reverses a prior charge, used by callers (the router's
// refund-on-failure policy) when a downstream call failed after credits
// were already deducted.
func (g *Gate) Refund(keyID string, amount int64, tool string) error {
	return g.store.Refund(keyID, amount, tool)
}

// ToolACLFilter builds a predicate over prefixed tool names reflecting
// keyID's AllowedTools/DeniedTools and, when present, a scoped token's tool
// whitelist. Used by the router to filter a tools/list aggregation so a key
// never sees tools it could not actually call. An unknown key denies
// everything.
func (g *Gate) ToolACLFilter(keyID string, scopedTokenTools []string) func(toolName string) bool {
	rec, found := g.store.Get(keyID)
	if !found {
		return func(string) bool { return false }
	}
	snap := rec.Snapshot()
	return func(toolName string) bool {
		if scopedTokenTools != nil && !contains(scopedTokenTools, toolName) {
			return false
		}
		if len(snap.AllowedTools) > 0 && !contains(snap.AllowedTools, toolName) {
			return false
		}
		if contains(snap.DeniedTools, toolName) {
			return false
		}
		return true
	}
}

// IsFreeMethod reports whether method bypasses the gate entirely.
func (g *Gate) IsFreeMethod(method string) bool {
	if strings.HasPrefix(method, "notifications/") {
		return true
	}
	_, ok := g.cfg.FreeMethods[method]
	return ok
}

// Evaluate runs the admission pipeline for a single tool call. clientCountry
// is the trusted two-letter country code the edge extracted from the
// request (empty if unknown), used against a key's country allow/deny list.
func (g *Gate) Evaluate(keyID string, call jsonrpc.ToolCall, clientIP, clientCountry string, scopedTokenTools []string) AdmissionDecision {
	start := time.Now()
	decision := g.evaluate(keyID, call, clientIP, clientCountry, scopedTokenTools)
	if g.metrics != nil {
		g.metrics.ObserveAdmission("tools/call", call.Name, decision.Allowed, string(decision.DenyReason), time.Since(start))
	}
	return decision
}

func (g *Gate) evaluate(keyID string, call jsonrpc.ToolCall, clientIP, clientCountry string, scopedTokenTools []string) AdmissionDecision {
	rec, reason, ok := g.checkPredicates(keyID, call, clientIP, clientCountry, scopedTokenTools)
	if !ok {
		return g.deny(keyID, reason, 0)
	}

	price := g.pricing.Resolve(call.Name, call.Arguments)

	if allowedRate, scope := g.limiter.Check(keyID, call.Name); !allowedRate {
		_ = scope
		return g.deny(keyID, rpcerrors.ReasonRateLimited, price)
	}

	override := overrideFromRecord(rec)
	if allowedQuota, _ := g.quota.Check(keyID, override, g.cfg.QuotaDefaults, price); !allowedQuota {
		return g.deny(keyID, rpcerrors.ReasonQuotaExceeded, price)
	}

	snap := rec.Snapshot()
	if snap.SpendingLimit > 0 && snap.TotalSpent+price > snap.SpendingLimit {
		return g.deny(keyID, rpcerrors.ReasonSpendingLimit, price)
	}

	if g.cfg.ShadowMode {
		if snap.Credits < price {
			return g.deny(keyID, rpcerrors.ReasonInsufficientCredits, price)
		}
		return AdmissionDecision{Allowed: true, CreditsCharged: 0, RemainingCredits: snap.Credits, Shadow: true}
	}

	charged, remaining, err := g.store.DeductCredits(keyID, price, call.Name)
	if err != nil || !charged {
		return g.deny(keyID, rpcerrors.ReasonInsufficientCredits, price)
	}

	g.quota.Record(keyID, price)
	g.limiter.Record(keyID, call.Name)
	_ = g.store.MaybeAutoTopup(keyID)

	return AdmissionDecision{Allowed: true, CreditsCharged: price, RemainingCredits: remaining}
}

// BatchResult is the outcome of EvaluateBatch.
type BatchResult struct {
	Allowed         bool
	DenyReason      rpcerrors.Reason
	FailedIndex     int // valid only when !Allowed
	CreditsRequired int64
	TotalCharged    int64
	PerCallCharged  []int64
	RemainingAfter  int64
}

// EvaluateBatch runs every call's predicates and price resolution against a
// hypothetical running balance before committing anything: either every
// call in the batch is admitted and charged, or none are.
func (g *Gate) EvaluateBatch(keyID string, calls []jsonrpc.ToolCall, clientIP, clientCountry string, scopedTokenTools []string) BatchResult {
	start := time.Now()
	result := g.evaluateBatch(keyID, calls, clientIP, clientCountry, scopedTokenTools)
	if g.metrics != nil {
		g.metrics.ObserveAdmission("tools/call_batch", "", result.Allowed, string(result.DenyReason), time.Since(start))
	}
	return result
}

func (g *Gate) evaluateBatch(keyID string, calls []jsonrpc.ToolCall, clientIP, clientCountry string, scopedTokenTools []string) BatchResult {
	rec, ok := g.store.Get(keyID)
	if !ok {
		return BatchResult{DenyReason: rpcerrors.ReasonInvalidKey, FailedIndex: 0}
	}

	snap := rec.Snapshot()
	hypotheticalBalance := snap.Credits
	hypotheticalSpent := snap.TotalSpent
	prices := make([]int64, len(calls))

	for i, call := range calls {
		if _, reason, predicatesOk := g.checkPredicates(keyID, call, clientIP, clientCountry, scopedTokenTools); !predicatesOk {
			return BatchResult{DenyReason: reason, FailedIndex: i, RemainingAfter: hypotheticalBalance}
		}

		price := g.pricing.Resolve(call.Name, call.Arguments)
		prices[i] = price

		if allowedRate, _ := g.limiter.Check(keyID, call.Name); !allowedRate {
			return BatchResult{DenyReason: rpcerrors.ReasonRateLimited, FailedIndex: i, CreditsRequired: price, RemainingAfter: hypotheticalBalance}
		}
		override := overrideFromRecord(rec)
		if allowedQuota, _ := g.quota.Check(keyID, override, g.cfg.QuotaDefaults, price); !allowedQuota {
			return BatchResult{DenyReason: rpcerrors.ReasonQuotaExceeded, FailedIndex: i, CreditsRequired: price, RemainingAfter: hypotheticalBalance}
		}
		if snap.SpendingLimit > 0 && hypotheticalSpent+price > snap.SpendingLimit {
			return BatchResult{DenyReason: rpcerrors.ReasonSpendingLimit, FailedIndex: i, CreditsRequired: price, RemainingAfter: hypotheticalBalance}
		}
		if hypotheticalBalance < price {
			return BatchResult{DenyReason: rpcerrors.ReasonInsufficientCredits, FailedIndex: i, CreditsRequired: price, RemainingAfter: hypotheticalBalance}
		}
		hypotheticalBalance -= price
		hypotheticalSpent += price
	}

	if g.cfg.ShadowMode {
		return BatchResult{Allowed: true, PerCallCharged: make([]int64, len(calls)), RemainingAfter: snap.Credits}
	}

	var total int64
	for i, call := range calls {
		okDeduct, remaining, err := g.store.DeductCredits(keyID, prices[i], call.Name)
		if err != nil || !okDeduct {
			// Should not happen: the hypothetical pass already proved
			// sufficiency. Refund whatever this batch already deducted.
			for j := 0; j < i; j++ {
				_ = g.store.Refund(keyID, prices[j], calls[j].Name)
			}
			return BatchResult{DenyReason: rpcerrors.ReasonInsufficientCredits, FailedIndex: i, CreditsRequired: prices[i], RemainingAfter: snap.Credits}
		}
		total += prices[i]
		g.quota.Record(keyID, prices[i])
		g.limiter.Record(keyID, call.Name)
		if i == len(calls)-1 {
			_ = g.store.MaybeAutoTopup(keyID)
		}
		hypotheticalBalance = remaining
	}

	return BatchResult{
		Allowed:        true,
		TotalCharged:   total,
		PerCallCharged: prices,
		RemainingAfter: hypotheticalBalance,
	}
}

// checkPredicates runs admission steps 1-5: key validity, lifecycle state,
// IP allowlist, country allow/deny list, scoped-token scope, and tool ACL.
// It never charges credits.
func (g *Gate) checkPredicates(keyID string, call jsonrpc.ToolCall, clientIP, clientCountry string, scopedTokenTools []string) (*keystore.KeyRecord, rpcerrors.Reason, bool) {
	rec, found := g.store.Get(keyID)
	if !found {
		return nil, rpcerrors.ReasonInvalidKey, false
	}

	snap := rec.Snapshot()
	if !snap.Active {
		return nil, rpcerrors.ReasonKeyRevoked, false
	}
	if snap.Suspended {
		return nil, rpcerrors.ReasonKeySuspended, false
	}
	if snap.ExpiresAt != nil && time.Now().UTC().After(*snap.ExpiresAt) {
		return nil, rpcerrors.ReasonKeyExpired, false
	}

	if len(snap.IPAllowlist) > 0 && !ipAllowed(snap.IPAllowlist, clientIP) {
		return nil, rpcerrors.ReasonIPNotAllowed, false
	}

	if clientCountry != "" {
		if len(snap.AllowedCountries) > 0 && !contains(snap.AllowedCountries, clientCountry) {
			return nil, rpcerrors.ReasonCountryNotAllowed, false
		}
		if contains(snap.DeniedCountries, clientCountry) {
			return nil, rpcerrors.ReasonCountryDenied, false
		}
	}

	if scopedTokenTools != nil && !contains(scopedTokenTools, call.Name) {
		return nil, rpcerrors.ReasonTokenScope, false
	}

	if len(snap.AllowedTools) > 0 && !contains(snap.AllowedTools, call.Name) {
		return nil, rpcerrors.ReasonToolNotAllowed, false
	}
	if contains(snap.DeniedTools, call.Name) {
		return nil, rpcerrors.ReasonToolDenied, false
	}

	return rec, "", true
}

func (g *Gate) deny(keyID string, reason rpcerrors.Reason, price int64) AdmissionDecision {
	if rec, ok := g.store.Get(keyID); ok {
		snap := rec.Snapshot()
		if g.cfg.ShadowMode {
			if g.onShadow != nil {
				g.onShadow(keyID, reason)
			}
			return AdmissionDecision{Allowed: true, CreditsCharged: 0, RemainingCredits: snap.Credits, Shadow: true}
		}
		return AdmissionDecision{Allowed: false, DenyReason: reason, CreditsRequired: price, RemainingCredits: snap.Credits}
	}
	return AdmissionDecision{Allowed: false, DenyReason: reason, CreditsRequired: price}
}

func overrideFromRecord(rec *keystore.KeyRecord) *quota.Override {
	snap := rec.Snapshot()
	if snap.Quota == nil {
		return nil
	}
	return &quota.Override{
		DailyCalls:     snap.Quota.DailyCalls,
		DailyCredits:   snap.Quota.DailyCredits,
		MonthlyCalls:   snap.Quota.MonthlyCalls,
		MonthlyCredits: snap.Quota.MonthlyCredits,
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func ipAllowed(allowlist []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entry == clientIP {
			return true
		}
	}
	return false
}
