package edge

import (
	"net"
	"net/http"
	"strings"
)

// extractAPIKey pulls the caller's API key from X-API-Key or a Bearer
// Authorization header, preferring X-API-Key when both are present.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// extractScopedToken pulls the caller's scoped tool-call token, if any.
func extractScopedToken(r *http.Request) string {
	return r.Header.Get("X-Scoped-Token")
}

// extractCountry reads the trusted country header set by the deployment's
// edge (a CDN or load balancer); the gate trusts it verbatim, so stripping
// or validating it upstream of this process is a deployment decision.
func extractCountry(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.Header.Get("X-Country")))
}

// extractClientIP returns the first hop of X-Forwarded-For, falling back to
// X-Real-IP and then to the transport-level remote address, stripped of its
// port so it parses cleanly against a key's CIDR allowlist.
func extractClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
