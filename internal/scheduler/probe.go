// Package scheduler revalidates credential health in the background.
// Periodic jobs probe each status class on its own interval, a bounded
// worker pool keeps probe fan-out under control, and pool censuses are
// snapshotted after every pass.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/proxy"
	"github.com/vyrodovalexey/avkeypool/internal/retry"
)

// ProbeConfig configures the synthetic validation call.
type ProbeConfig struct {
	// Model is the upstream model the probe generates against.
	Model string

	// Timeout bounds one probe.
	Timeout time.Duration
}

// DefaultProbeConfig returns probe defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Model:   "gemini-1.5-flash",
		Timeout: 10 * time.Second,
	}
}

// Prober issues a minimal generation request to test one credential.
type Prober struct {
	transport proxy.Transport
	cfg       ProbeConfig
}

// NewProber creates a prober over the upstream transport.
func NewProber(transport proxy.Transport, cfg ProbeConfig) *Prober {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Prober{transport: transport, cfg: cfg}
}

// probeBody is the cheapest possible generation request.
var probeBody = mustJSON(map[string]interface{}{
	"contents": []map[string]interface{}{
		{"parts": []map[string]string{{"text": "hi"}}},
	},
	"generationConfig": map[string]int{"maxOutputTokens": 1},
})

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Probe tests the credential and returns the health outcome plus a
// human-readable message. A timed-out probe is inconclusive: slow is
// not the same as dead.
func (p *Prober) Probe(ctx context.Context, secret string) (credential.Outcome, string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req := &proxy.Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/models/%s:streamGenerateContent", p.cfg.Model),
		RawQuery: "alt=sse",
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     probeBody,
	}

	resp, err := p.transport.RoundTrip(ctx, secret, req)
	if err != nil {
		if retry.IsTimeout(err) {
			return credential.OutcomeInconclusive, "probe timed out"
		}
		return credential.OutcomeError, fmt.Sprintf("network error: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if bytes.Contains(resp.Body, []byte(`"text"`)) {
			return credential.OutcomeSuccess, "ok"
		}
		return credential.OutcomeError, "response carried no generated text"

	case resp.StatusCode == http.StatusTooManyRequests:
		return credential.OutcomeExhausted, "quota exhausted"

	default:
		return credential.OutcomeError, fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
}
