package credential

import (
	"context"
	"time"

	"github.com/vyrodovalexey/avkeypool/internal/observability"
)

// InvalidateFunc drops the cached active-credential set after a status
// transition so selection never reads a stale census.
type InvalidateFunc func(context.Context)

// Report describes the result of one upstream call for health tracking.
type Report struct {
	CredentialID string
	Outcome      Outcome

	// CountUsage controls whether a success increments the usage
	// counter. Validation probes pass false.
	CountUsage bool
}

// Tracker applies upstream call outcomes to credential health state.
//
// Transition rules:
//   - success resets the failure streak and reactivates the credential
//   - exhausted and error outcomes demote immediately
//   - a generic failure only demotes an active credential once the
//     consecutive-failure threshold is crossed
//   - inconclusive outcomes change nothing
type Tracker struct {
	store      Store
	invalidate InvalidateFunc
	maxFailed  int
	logger     observability.Logger
}

// NewTracker creates a health tracker. invalidate may be nil.
func NewTracker(store Store, maxFailed int, invalidate InvalidateFunc, logger observability.Logger) *Tracker {
	if maxFailed <= 0 {
		maxFailed = 3
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Tracker{
		store:      store,
		invalidate: invalidate,
		maxFailed:  maxFailed,
		logger:     logger,
	}
}

// Record applies one outcome to the credential's health state and
// returns the updated credential. Callers on the request path treat
// errors as best-effort: a tracking failure never fails the request
// that produced it.
func (t *Tracker) Record(ctx context.Context, rep Report) (*Credential, error) {
	if rep.Outcome == OutcomeInconclusive {
		outcomesTotal.WithLabelValues(string(OutcomeInconclusive)).Inc()
		return t.store.Get(ctx, rep.CredentialID)
	}

	var prevStatus Status
	updated, err := t.store.Update(ctx, rep.CredentialID, func(c *Credential) error {
		prevStatus = c.Status
		t.apply(c, rep)
		return nil
	})
	if err != nil {
		t.logger.Warn("failed to record credential outcome",
			observability.String("credential_id", rep.CredentialID),
			observability.String("outcome", string(rep.Outcome)),
			observability.Error(err),
		)
		return nil, err
	}

	outcomesTotal.WithLabelValues(string(rep.Outcome)).Inc()

	if updated.Status != prevStatus {
		statusTransitions.WithLabelValues(string(prevStatus), string(updated.Status)).Inc()
		t.logger.Info("credential status changed",
			observability.String("credential_id", updated.ID),
			observability.String("from", string(prevStatus)),
			observability.String("to", string(updated.Status)),
			observability.Int("failed_count", updated.FailedCount),
		)
		if t.invalidate != nil {
			t.invalidate(ctx)
		}
	}

	return updated, nil
}

// apply mutates c according to the outcome.
func (t *Tracker) apply(c *Credential, rep Report) {
	now := time.Now().UTC()

	switch rep.Outcome {
	case OutcomeSuccess:
		c.FailedCount = 0
		c.Status = StatusActive
		c.LastUsedAt = now
		if rep.CountUsage {
			c.UsageCount++
		}

	case OutcomeExhausted:
		c.FailedCount++
		c.Status = StatusExhausted

	case OutcomeError:
		c.FailedCount++
		c.Status = StatusError

	case OutcomeFailure:
		c.FailedCount++
		if c.Status == StatusActive && c.FailedCount >= t.maxFailed {
			c.Status = StatusError
		}
	}
}
