package normalize

import (
	"net/http"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trustedFor(t *testing.T, cidrs ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestClientIP_UntrustedPeerIgnoresXFF(t *testing.T) {
	trusted := trustedFor(t, "10.0.0.0/8")
	got := ClientIP("203.0.113.9", "198.51.100.1", trusted)
	assert.Equal(t, "203.0.113.9", got)
}

func TestClientIP_TrustedPeerUsesLeftmostValidXFF(t *testing.T) {
	trusted := trustedFor(t, "10.0.0.0/8")
	got := ClientIP("10.1.2.3", "198.51.100.1, 203.0.113.9", trusted)
	assert.Equal(t, "198.51.100.1", got)
}

func TestClientIP_TrustedPeerSkipsMalformedLeftmostEntry(t *testing.T) {
	trusted := trustedFor(t, "10.0.0.0/8")
	got := ClientIP("10.1.2.3", "not-an-ip, 203.0.113.9", trusted)
	assert.Equal(t, "203.0.113.9", got)
}

func TestClientIP_TrustedPeerNoXFFFallsBackToPeer(t *testing.T) {
	trusted := trustedFor(t, "10.0.0.0/8")
	got := ClientIP("10.1.2.3", "", trusted)
	assert.Equal(t, "10.1.2.3", got)
}

func TestIsTrustedPeer(t *testing.T) {
	trusted := trustedFor(t, "10.0.0.0/8", "192.168.0.0/16")
	assert.True(t, IsTrustedPeer("10.5.5.5", trusted))
	assert.True(t, IsTrustedPeer("192.168.1.1", trusted))
	assert.False(t, IsTrustedPeer("8.8.8.8", trusted))
	assert.False(t, IsTrustedPeer("garbage", trusted))
	assert.False(t, IsTrustedPeer("8.8.8.8", nil))
}

func TestNormalizePath_TraversalAboveRootPreservesLiteral(t *testing.T) {
	got := NormalizePath("/../etc/passwd")
	assert.Contains(t, got, "../")
}

func TestNormalizePath_CollapsesDoubleSlashesAndResolvesDotSegments(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizePath("/a//./b"))
	assert.Equal(t, "/b", NormalizePath("/a/../b"))
}

func TestNormalizePath_BackslashToSlash(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizePath(`/a\b`))
}

func TestNormalizePath_NullByteRemoved(t *testing.T) {
	got := NormalizePath("/a\x00b")
	assert.NotContains(t, got, "\x00")
}

func TestNormalizePath_Empty(t *testing.T) {
	assert.Equal(t, "/", NormalizePath(""))
}

func TestNormalizePath_PercentDecodedOnce(t *testing.T) {
	// %252e%252e -> %2e%2e after one decode pass, not ".." (idempotence
	// against double-encoding evasion is a rule-engine concern, not a
	// normalizer one; the normalizer only decodes once).
	got := NormalizePath("/%252e%252e/etc")
	assert.Equal(t, "/%2e%2e/etc", got)
}

func TestNormalizePath_IsIdempotentWhenAlreadyClean(t *testing.T) {
	once := NormalizePath("/api/v1/users")
	twice := NormalizePath(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeQuery_PreservesOrderAndRepetition(t *testing.T) {
	got := NormalizeQuery("a=1&a=2&b=3")
	assert.Equal(t, "a=1&a=2&b=3", got)
}

func TestNormalizeQuery_Empty(t *testing.T) {
	assert.Equal(t, "", NormalizeQuery(""))
}

func TestHeaderSubset_OnlyCanonicalNames(t *testing.T) {
	h := http.Header{}
	h.Set("User-Agent", "curl/8.0")
	h.Set("X-Custom", "ignored")
	h.Set("Cookie", "session=abc")

	got := HeaderSubset(h)
	assert.Equal(t, "curl/8.0", got["user-agent"])
	assert.Equal(t, "session=abc", got["cookie"])
	_, hasCustom := got["x-custom"]
	assert.False(t, hasCustom)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}
