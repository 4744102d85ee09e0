// Package proxy fronts the upstream API with the credential pool. It
// selects a credential per request, injects its secret, classifies the
// upstream response for health tracking, and retries transient
// failures with a different credential under exponential backoff.
package proxy

import (
	"context"
	"errors"
	"net/http"
)

// Errors returned by the coordinator.
var (
	// ErrNoCredentialAvailable indicates every selection attempt came
	// up empty.
	ErrNoCredentialAvailable = errors.New("no credential available for upstream request")

	// ErrUpstreamFailed indicates all retry attempts failed without an
	// upstream response to relay.
	ErrUpstreamFailed = errors.New("upstream request failed")
)

// Request is an upstream-bound request before credential injection.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the upstream response relayed to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport dispatches a request to the upstream with the given
// credential secret attached.
type Transport interface {
	RoundTrip(ctx context.Context, secret string, req *Request) (*Response, error)
}
