// Package waferrors defines the error taxonomy used throughout the WAF
// pipeline: a small set of kinds, not types, so callers branch on Kind
// rather than on concrete error values.
package waferrors

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for logging, metrics, and response
// status mapping.
type Kind string

const (
	ConfigFatal         Kind = "config_fatal"
	RequestMalformed    Kind = "request_malformed"
	VerdictBlock        Kind = "verdict_block"
	RateLimited         Kind = "rate_limited"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamTimeout     Kind = "upstream_timeout"
	UpstreamConnect     Kind = "upstream_connect"
	UpstreamRead        Kind = "upstream_read"
	ClientAbort         Kind = "client_abort"
)

// Error wraps an underlying cause with a Kind so it survives errors.Is
// and errors.As across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, waferrors.New(waferrors.RateLimited, "", nil)).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a classified error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
