package forward

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterHeaders_DropsHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Custom", "keep-me")

	out := FilterHeaders(h)
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Keep-Alive"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Equal(t, "keep-me", out.Get("X-Custom"))
}

func TestFilterHeaders_DropsConnectionListedTokens(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Session-Token")
	h.Set("X-Session-Token", "secret")
	h.Set("X-Other", "kept")

	out := FilterHeaders(h)
	assert.Empty(t, out.Get("X-Session-Token"))
	assert.Equal(t, "kept", out.Get("X-Other"))
}

func TestFilterHeaders_DoesNotMutateInput(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close")
	_ = FilterHeaders(h)
	assert.Equal(t, "close", h.Get("Connection"))
}

func TestAddForwardingHeaders_SetsAllThree(t *testing.T) {
	h := http.Header{}
	AddForwardingHeaders(h, "203.0.113.9", "https", "example.com")
	assert.Equal(t, "203.0.113.9", h.Get("X-Forwarded-For"))
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))
	assert.Equal(t, "example.com", h.Get("X-Forwarded-Host"))
}

func TestAddForwardingHeaders_AppendsToExistingXFF(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.1")
	AddForwardingHeaders(h, "203.0.113.9", "http", "example.com")
	assert.Equal(t, "198.51.100.1, 203.0.113.9", h.Get("X-Forwarded-For"))
}

func TestDropInboundXFF(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.1")
	DropInboundXFF(h)
	assert.Empty(t, h.Get("X-Forwarded-For"))
}
