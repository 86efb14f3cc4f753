// Package forward implements the Forward Proxy component: streaming a
// request to an upstream, filtering hop-by-hop headers, synthesizing
// X-Forwarded-* headers, and streaming the response back without
// buffering, under a shared client with pooling and timeouts.
//
// Grounded on original_source/waf_proxy/proxy/proxy_client.py (shared
// client, timeout/pool knobs, streaming) and the teacher's preference
// for explicit stdlib net/http plumbing over framework abstractions.
// httputil.ReverseProxy was considered and rejected: it does not expose
// dial/roundtrip/read failures distinctly enough to classify them into
// the four error kinds spec §4.5 requires (see DESIGN.md).
package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waftypes"
)

// Proxy streams requests to upstream origins using a single shared
// *http.Client.
type Proxy struct {
	client *http.Client
}

// New builds a Proxy from ProxySettings. The underlying transport is
// shared across all requests handled by this Proxy instance.
func New(settings waftypes.ProxySettings) *Proxy {
	timeout := settings.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxConns := settings.MaxConns
	if maxConns <= 0 {
		maxConns = 100
	}
	maxIdle := settings.MaxKeepalive
	if maxIdle <= 0 {
		maxIdle = 20
	}
	idleTimeout := settings.KeepaliveExpiry
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idleTimeout,
	}

	return &Proxy{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Result carries the outcome of a single forward, including the state
// the attempt reached (spec §4.5 state machine), for tests and metrics.
type Result struct {
	State      State
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// State names a point in the forward proxy's state machine.
type State string

const (
	StateDialing        State = "DIALING"
	StateHeadersSent     State = "HEADERS_SENT"
	StateAwaitingHeaders State = "AWAITING_HEADERS"
	StateStreamingResp   State = "STREAMING_RESP"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Forward builds and sends an outbound request to baseURL carrying
// rawPath/rawQuery (the client's raw, unnormalized form, per spec §4.5
// — "upstream must see what the client sent"), with method, headers,
// and body taken from inbound. clientIP is the resolved address to
// append to X-Forwarded-For. scheme/originalHost set X-Forwarded-Proto/
// X-Forwarded-Host.
//
// The returned Result.Body, when non-nil, must be closed by the caller
// after streaming it to the client. Cancellation of ctx propagates to
// the upstream call cooperatively.
func (p *Proxy) Forward(ctx context.Context, baseURL, rawPath, rawQuery, method string, header http.Header, body io.Reader, clientIP, scheme, originalHost string) (*Result, error) {
	target, err := buildUpstreamURL(baseURL, rawPath, rawQuery)
	if err != nil {
		return nil, waferrors.New(waferrors.UpstreamConnect, "forward.Forward", err)
	}

	outHeader := FilterHeaders(header)
	AddForwardingHeaders(outHeader, clientIP, scheme, originalHost)

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, waferrors.New(waferrors.UpstreamConnect, "forward.Forward", err)
	}
	req.Header = outHeader

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}

	return &Result{
		State:      StateAwaitingHeaders,
		StatusCode: resp.StatusCode,
		Header:     FilterHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

// Stream copies src to dst in 8KiB chunks without buffering the full
// body, classifying a mid-stream read failure as UpstreamRead and a
// context cancellation as ClientAbort.
func Stream(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return waferrors.New(waferrors.ClientAbort, "forward.Stream", err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return waferrors.New(waferrors.ClientAbort, "forward.Stream", werr)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return waferrors.New(waferrors.UpstreamRead, "forward.Stream", rerr)
		}
	}
}

func buildUpstreamURL(base, rawPath, rawQuery string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	u.Path = singleJoiningSlash(u.Path, rawPath)
	u.RawQuery = rawQuery
	return u.String(), nil
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	default:
		return a + b
	}
}

// classifyRequestError maps a client.Do failure into one of the three
// synchronous error kinds of spec §4.5: cancel, timeout, or connect.
func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return waferrors.New(waferrors.ClientAbort, "forward.Forward", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return waferrors.New(waferrors.UpstreamTimeout, "forward.Forward", err)
	}
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return waferrors.New(waferrors.UpstreamTimeout, "forward.Forward", err)
	}
	return waferrors.New(waferrors.UpstreamConnect, "forward.Forward", err)
}
