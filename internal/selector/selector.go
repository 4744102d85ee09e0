// Package selector picks credentials for upstream calls. Selection is
// weighted by available bucket tokens over a progressively expanded
// random sample of the active set, so the hot path never scores the
// whole pool and drained credentials are avoided without being starved
// forever.
package selector

import (
	"context"
	"errors"
	"math/rand"

	"github.com/vyrodovalexey/avkeypool/internal/cache"
	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// ErrNoCredentialAvailable indicates no active credential could cover
// the requested tokens.
var ErrNoCredentialAvailable = errors.New("no credential available")

// minWeight floors the draw weight of qualified credentials so a
// nearly-drained qualifier keeps a nonzero chance against token-rich
// peers.
const minWeight = 0.1

// Config holds progressive sampling parameters.
type Config struct {
	// InitialSampleSize is the number of candidates scored on the
	// first attempt.
	InitialSampleSize int

	// MaxSampleSize caps sample growth.
	MaxSampleSize int

	// ExpansionFactor multiplies the sample size between attempts.
	ExpansionFactor int

	// MaxAttempts bounds sampling rounds before giving up.
	MaxAttempts int
}

// DefaultConfig returns sampling defaults.
func DefaultConfig() Config {
	return Config{
		InitialSampleSize: 200,
		MaxSampleSize:     1000,
		ExpansionFactor:   2,
		MaxAttempts:       3,
	}
}

// Selector picks an active credential and charges its token bucket.
type Selector struct {
	store     credential.Store
	activeSet *cache.ActiveSet
	limiter   *ratelimit.Limiter
	cfg       Config
	logger    observability.Logger
}

// New creates a selector.
func New(
	store credential.Store,
	activeSet *cache.ActiveSet,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger observability.Logger,
) *Selector {
	if cfg.InitialSampleSize <= 0 {
		cfg.InitialSampleSize = 200
	}
	if cfg.MaxSampleSize < cfg.InitialSampleSize {
		cfg.MaxSampleSize = cfg.InitialSampleSize
	}
	if cfg.ExpansionFactor < 2 {
		cfg.ExpansionFactor = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Selector{
		store:     store,
		activeSet: activeSet,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Pick selects an active credential not in exclude and consumes
// required tokens from its bucket. Only credentials whose buckets can
// cover required right now qualify for the weighted draw; when no
// sampled credential qualifies the sample expands before giving up.
// When the state store is unreachable it fails open: a uniformly
// random active credential is returned without token gating, trading
// fairness for availability.
func (s *Selector) Pick(ctx context.Context, required int, exclude map[string]struct{}) (*credential.Credential, error) {
	if required <= 0 {
		required = 1
	}
	ids, err := s.activeIDs(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := exclude[id]; !skip {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		selectionsTotal.WithLabelValues("empty").Inc()
		return nil, ErrNoCredentialAvailable
	}

	size := s.cfg.InitialSampleSize
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})

		n := size
		if n > len(candidates) {
			n = len(candidates)
		}
		sample := candidates[:n]

		tokens, err := s.limiter.AvailableBatch(ctx, sample)
		if err != nil {
			if errors.Is(err, statestore.ErrUnavailable) {
				return s.pickFailOpen(ctx, candidates)
			}
			return nil, err
		}

		// Only credentials that can cover the request right now enter
		// the draw; a sample full of drained buckets expands instead of
		// wasting consume attempts on them.
		qualified := make([]string, 0, len(sample))
		for _, id := range sample {
			if tokens[id] >= float64(required) {
				qualified = append(qualified, id)
			}
		}

		// One reselection within the sample before expanding.
		tried := make(map[string]struct{}, 2)
		for reselect := 0; reselect < 2 && len(qualified) > 0; reselect++ {
			id, ok := weightedPick(qualified, tokens, tried)
			if !ok {
				break
			}

			dec, err := s.limiter.Consume(ctx, id, required)
			if err != nil {
				if errors.Is(err, statestore.ErrUnavailable) {
					return s.pickFailOpen(ctx, candidates)
				}
				return nil, err
			}
			if !dec.Allowed {
				tried[id] = struct{}{}
				continue
			}

			cred, err := s.resolveActive(ctx, id)
			if err != nil {
				if errors.Is(err, errStaleEntry) {
					tried[id] = struct{}{}
					continue
				}
				return nil, err
			}

			selectionsTotal.WithLabelValues("weighted").Inc()
			sampleSizeHist.Observe(float64(n))
			return cred, nil
		}

		if n == len(candidates) {
			break
		}
		size *= s.cfg.ExpansionFactor
		if size > s.cfg.MaxSampleSize {
			size = s.cfg.MaxSampleSize
		}
	}

	selectionsTotal.WithLabelValues("exhausted").Inc()
	return nil, ErrNoCredentialAvailable
}

// activeIDs returns the active credential ids, rebuilding the cached
// set from the inventory on a miss.
func (s *Selector) activeIDs(ctx context.Context) ([]string, error) {
	if ids, ok := s.activeSet.Get(ctx); ok {
		return ids, nil
	}

	creds, err := s.store.ListByStatus(ctx, credential.StatusActive)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}
	s.activeSet.Put(ctx, ids)

	return ids, nil
}

// errStaleEntry marks a cached id whose credential is no longer active.
var errStaleEntry = errors.New("stale active set entry")

// resolveActive loads the credential and guards against a stale cached
// id pointing at a demoted or deleted credential.
func (s *Selector) resolveActive(ctx context.Context, id string) (*credential.Credential, error) {
	cred, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			s.activeSet.Invalidate(ctx)
			return nil, errStaleEntry
		}
		return nil, err
	}
	if cred.Status != credential.StatusActive {
		s.activeSet.Invalidate(ctx)
		return nil, errStaleEntry
	}
	return cred, nil
}

// pickFailOpen returns a uniformly random active credential without
// consulting token buckets.
func (s *Selector) pickFailOpen(ctx context.Context, candidates []string) (*credential.Credential, error) {
	s.logger.Warn("state store unavailable, selecting without rate limiting")
	failOpenTotal.Inc()

	// A few tries absorb stale cache entries.
	for i := 0; i < 3 && len(candidates) > 0; i++ {
		id := candidates[rand.Intn(len(candidates))]
		cred, err := s.resolveActive(ctx, id)
		if err == nil {
			selectionsTotal.WithLabelValues("fail_open").Inc()
			return cred, nil
		}
		if !errors.Is(err, errStaleEntry) {
			return nil, err
		}
	}

	return nil, ErrNoCredentialAvailable
}

// weightedPick draws one id with probability proportional to
// max(tokens, minWeight), skipping already-tried ids.
func weightedPick(sample []string, tokens map[string]float64, tried map[string]struct{}) (string, bool) {
	total := 0.0
	weights := make([]float64, len(sample))
	for i, id := range sample {
		if _, skip := tried[id]; skip {
			continue
		}
		w := tokens[id]
		if w < minWeight {
			w = minWeight
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return "", false
	}

	target := rand.Float64() * total
	for i, id := range sample {
		if weights[i] == 0 {
			continue
		}
		target -= weights[i]
		if target <= 0 {
			return id, true
		}
	}

	// Floating point remainder lands on the last eligible id.
	for i := len(sample) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return sample[i], true
		}
	}
	return "", false
}
