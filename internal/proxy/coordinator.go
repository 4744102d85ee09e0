package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/retry"
	"github.com/vyrodovalexey/avkeypool/internal/selector"
)

// CoordinatorConfig holds retry behavior for the proxy path.
type CoordinatorConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// DefaultCoordinatorConfig returns retry defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.2,
	}
}

// Coordinator runs the select-dispatch-classify-retry loop for one
// upstream request. Credentials that fail within a request are excluded
// from later attempts of the same request; the exclusion never outlives
// the request.
type Coordinator struct {
	selector  *selector.Selector
	transport Transport
	tracker   *credential.Tracker
	cfg       CoordinatorConfig
	logger    observability.Logger
}

// NewCoordinator creates a proxy coordinator.
func NewCoordinator(
	sel *selector.Selector,
	transport Transport,
	tracker *credential.Tracker,
	cfg CoordinatorConfig,
	logger observability.Logger,
) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Coordinator{
		selector:  sel,
		transport: transport,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute proxies one request. It returns the upstream response as soon
// as an attempt produces one worth relaying; after the attempt budget
// is spent, the last upstream response is relayed as-is so the caller
// sees what the upstream actually said.
func (c *Coordinator) Execute(ctx context.Context, req *Request) (*Response, error) {
	backoff := retry.NewExponentialBackoff(
		c.cfg.InitialBackoff,
		c.cfg.MaxBackoff,
		c.cfg.BackoffFactor,
		c.cfg.Jitter,
	)

	exclude := make(map[string]struct{})
	var lastResp *Response
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff.Next(attempt-1)); err != nil {
				return nil, err
			}
		}

		cred, err := c.selector.Pick(ctx, 1, exclude)
		if err != nil {
			if errors.Is(err, selector.ErrNoCredentialAvailable) {
				if lastResp != nil {
					return lastResp, nil
				}
				requestsTotal.WithLabelValues("no_credential").Inc()
				return nil, ErrNoCredentialAvailable
			}
			return nil, err
		}

		resp, err := c.transport.RoundTrip(ctx, cred.Secret, req)
		outcome := Classify(resp, err)

		// Health tracking is best-effort: a tracker failure must not
		// fail a request that already has an answer.
		if _, terr := c.tracker.Record(ctx, credential.Report{
			CredentialID: cred.ID,
			Outcome:      outcome,
			CountUsage:   true,
		}); terr != nil {
			c.logger.Warn("outcome tracking failed",
				observability.String("credential_id", cred.ID),
				observability.Error(terr),
			)
		}

		attemptsHist.Observe(float64(attempt + 1))

		switch outcome {
		case credential.OutcomeSuccess:
			requestsTotal.WithLabelValues("success").Inc()
			return resp, nil

		case credential.OutcomeError:
			// The upstream rejected the credential itself. The tracker
			// already pulled it from rotation; the caller still needs to
			// see the rejection, and burning further credentials on the
			// same request helps nobody.
			requestsTotal.WithLabelValues("relayed").Inc()
			return resp, nil

		case credential.OutcomeInconclusive:
			// Local problem; retrying with another credential cannot
			// help.
			if err != nil {
				if errors.Is(err, context.Canceled) {
					requestsTotal.WithLabelValues("canceled").Inc()
				} else {
					requestsTotal.WithLabelValues("failed").Inc()
				}
				return nil, err
			}
			requestsTotal.WithLabelValues("relayed").Inc()
			return resp, nil

		default:
			exclude[cred.ID] = struct{}{}
			lastResp, lastErr = resp, err
			c.logger.Debug("upstream attempt failed, retrying",
				observability.String("credential_id", cred.ID),
				observability.String("outcome", string(outcome)),
				observability.Int("attempt", attempt+1),
				observability.Error(err),
			)
		}
	}

	if lastResp != nil {
		requestsTotal.WithLabelValues("relayed").Inc()
		return lastResp, nil
	}

	requestsTotal.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUpstreamFailed, c.cfg.MaxAttempts, lastErr)
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
