package waferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(UpstreamConnect, "forward.Forward", cause)
	assert.ErrorIs(t, err, cause)
}

func TestError_IsComparesKindOnly(t *testing.T) {
	err := New(RateLimited, "limiter.Allow", errors.New("distinct cause"))
	sentinel := New(RateLimited, "", nil)
	assert.True(t, errors.Is(err, sentinel))

	other := New(ClientAbort, "", nil)
	assert.False(t, errors.Is(err, other))
}

func TestError_IsWorksThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(UpstreamTimeout, "op", nil))
	assert.True(t, errors.Is(err, New(UpstreamTimeout, "", nil)))
}

func TestKindOf_NonWafErrorReturnsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestKindOf_NilErrorReturnsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestError_MessageIncludesOpAndKind(t *testing.T) {
	err := New(ConfigFatal, "config.Load", errors.New("missing file"))
	assert.Contains(t, err.Error(), "config.Load")
	assert.Contains(t, err.Error(), string(ConfigFatal))
	assert.Contains(t, err.Error(), "missing file")
}
