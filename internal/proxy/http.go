package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransportConfig configures the upstream HTTP transport.
type HTTPTransportConfig struct {
	// BaseURL is the upstream API root. Request paths are joined to it.
	BaseURL string

	// AuthHeader carries the credential secret.
	AuthHeader string

	// Timeout bounds each upstream call.
	Timeout time.Duration

	// Connection pool bounds, kept separate from the state store pool
	// so upstream slowness cannot starve selection.
	MaxConns        int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultHTTPTransportConfig returns transport defaults.
func DefaultHTTPTransportConfig() HTTPTransportConfig {
	return HTTPTransportConfig{
		AuthHeader:      "x-goog-api-key",
		Timeout:         60 * time.Second,
		MaxConns:        100,
		MaxIdleConns:    20,
		IdleConnTimeout: 30 * time.Second,
	}
}

// HTTPTransport implements Transport over a dedicated HTTP client.
type HTTPTransport struct {
	baseURL    *url.URL
	authHeader string
	client     *http.Client
}

// NewHTTPTransport creates an upstream HTTP transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-goog-api-key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &HTTPTransport{
		baseURL:    base,
		authHeader: cfg.AuthHeader,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, secret string, req *Request) (*Response, error) {
	target := *t.baseURL
	target.Path = joinPath(t.baseURL.Path, req.Path)
	target.RawQuery = req.RawQuery

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	for name, values := range req.Header {
		// The pool owns credential injection; never forward a caller
		// supplied key.
		if strings.EqualFold(name, t.authHeader) {
			continue
		}
		httpReq.Header[name] = values
	}
	httpReq.Header.Set(t.authHeader, secret)

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	upstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
