package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/retry"
)

// Classify maps an upstream result to a health outcome.
//
// Status mapping:
//   - 2xx              success
//   - 429              exhausted
//   - 401/403          error (the credential itself was rejected)
//   - any other non-2xx failure (counts against the failure streak)
//
// Transient transport errors count as failures; a canceled caller
// context or a non-transient local error says nothing about credential
// health.
func Classify(resp *Response, err error) credential.Outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return credential.OutcomeInconclusive
		}
		if retry.IsTransient(err) {
			return credential.OutcomeFailure
		}
		return credential.OutcomeInconclusive
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return credential.OutcomeSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		return credential.OutcomeExhausted
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credential.OutcomeError
	default:
		return credential.OutcomeFailure
	}
}
