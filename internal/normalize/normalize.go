// Package normalize implements the Normalizer component of the WAF
// pipeline: client IP resolution under a trust model for forwarded-IP
// headers, path/query normalization, and canonical header-subset
// extraction, all bounded by an inspection-byte budget.
//
// Grounded on original_source/waf_proxy/waf/normalize.py, generalized
// into Go idiom using net/netip for CIDR containment.
package normalize

import (
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strings"
)

// HeaderSubsetNames are the fixed set of headers the rule engine may
// reference. Access is case-insensitive via http.Header.Get.
var HeaderSubsetNames = []string{"host", "user-agent", "referer", "cookie", "content-type"}

// ClientIP resolves the authoritative client IP for peer under the
// trust model of spec §4.1: if peer falls in any trusted prefix, the
// left-most valid IP in X-Forwarded-For is used; otherwise (or on any
// parse failure) peer is used. X-Real-IP is never consulted.
func ClientIP(peer string, xff string, trusted []netip.Prefix) string {
	if !IsTrustedPeer(peer, trusted) || xff == "" {
		return peer
	}
	for _, part := range strings.Split(xff, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if _, err := netip.ParseAddr(candidate); err == nil {
			return candidate
		}
		// spec: take the left-most entry that parses; malformed
		// left-most entries are skipped in favor of the next one.
		continue
	}
	return peer
}

// IsTrustedPeer reports whether peer falls in any of the trusted CIDR
// prefixes, i.e. whether its X-Forwarded-For may be honored at all.
func IsTrustedPeer(peer string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// multiURLDecode percent-decodes s up to times times, stopping early if
// a pass doesn't change the string or fails to decode.
func multiURLDecode(s string, times int) string {
	out := s
	for i := 0; i < times; i++ {
		decoded, err := url.QueryUnescape(out)
		if err != nil || decoded == out {
			break
		}
		out = decoded
	}
	return out
}

// NormalizePath percent-decodes once, collapses repeated slashes, and
// resolves "." / ".." segments without allowing escape above root. A
// request that would resolve above "/" is returned unrewritten (the
// caller keeps using the raw path for rule evaluation in that case, per
// spec §4.1, to preserve detectability of the traversal attempt).
func NormalizePath(raw string) string {
	if raw == "" {
		return "/"
	}
	decoded := multiURLDecode(raw, 1)
	decoded = strings.ReplaceAll(decoded, "\x00", "")
	decoded = strings.ReplaceAll(decoded, "\\", "/")

	collapsed := collapseSlashes(decoded)
	if !strings.HasPrefix(collapsed, "/") {
		collapsed = "/" + collapsed
	}

	cleaned := path.Clean(collapsed)
	if cleaned == "." {
		cleaned = "/"
	}
	if escapesRoot(collapsed) {
		// path.Clean would have rewritten "/../etc/passwd" to
		// "/etc/passwd"; spec requires the original to survive so
		// rules can still see the traversal attempt.
		return collapsed
	}
	return cleaned
}

// escapesRoot reports whether resolving ".."/"." segments in p (already
// slash-collapsed and slash-prefixed) would try to climb above root.
func escapesRoot(p string) bool {
	depth := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	lastSlash := false
	for _, r := range p {
		if r == '/' {
			if lastSlash {
				continue
			}
			lastSlash = true
		} else {
			lastSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeQuery percent-decodes keys and values once while preserving
// repetition and order; it never re-sorts, since rules may depend on
// order (e.g. "UNION.*SELECT").
func NormalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q := multiURLDecode(raw, 1)
	return strings.ReplaceAll(q, "\x00", "")
}

// HeaderSubset extracts the canonical, lower-cased header subset the
// rule engine may reference.
func HeaderSubset(h http.Header) map[string]string {
	out := make(map[string]string, len(HeaderSubsetNames))
	for _, name := range HeaderSubsetNames {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// Truncate bounds s to maxBytes, the inspection budget that keeps regex
// cost predictable. When maxBytes <= 0, s is returned unchanged.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}
