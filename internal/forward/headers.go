// Hop-by-hop header hygiene and X-Forwarded-* synthesis.
//
// Grounded 1:1 on original_source/waf_proxy/proxy/headers.py.
package forward

import (
	"net/http"
	"strings"
)

// HopByHopHeaders are dropped between hops per spec §4.5.
var HopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// connectionTokens parses the Connection header's comma-separated token
// list of additional header names to drop.
func connectionTokens(h http.Header) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				tokens[tok] = struct{}{}
			}
		}
	}
	return tokens
}

// FilterHeaders returns a copy of h with hop-by-hop headers and any
// header named in the Connection header removed. Used for both request
// and response hygiene per spec §4.5.
func FilterHeaders(h http.Header) http.Header {
	drop := connectionTokens(h)
	out := make(http.Header, len(h))
	for key, values := range h {
		lower := strings.ToLower(key)
		if _, hop := HopByHopHeaders[lower]; hop {
			continue
		}
		if _, listed := drop[lower]; listed {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// AddForwardingHeaders sets X-Forwarded-For to clientIP (spec: never
// trust/relay an inbound X-Forwarded-For that arrived over an untrusted
// peer — callers must have already dropped it from h before calling
// this), and sets X-Forwarded-Proto/X-Forwarded-Host from the inbound
// request.
func AddForwardingHeaders(h http.Header, clientIP, scheme, originalHost string) {
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", originalHost)
}

// DropInboundXFF removes an inbound X-Forwarded-For header that arrived
// over an untrusted peer, per spec §4.5: "Never trust or relay an
// inbound X-Forwarded-For that arrived over an untrusted peer — it is
// dropped first."
func DropInboundXFF(h http.Header) {
	h.Del("X-Forwarded-For")
}
