// Package ratelimit implements per-credential token bucket rate
// limiting on top of the shared state store. Bucket state lives in the
// store so every replica sees the same token counts; all mutations go
// through Lua scripts so concurrent consumers cannot double-spend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// ErrInvalidLimit indicates a non-positive capacity or refill rate.
var ErrInvalidLimit = errors.New("invalid bucket limit")

// bucketKeyPrefix namespaces bucket keys within the state store.
const bucketKeyPrefix = "bucket:"

// Limit describes a bucket shape.
type Limit struct {
	// Capacity is the maximum token count.
	Capacity int

	// RefillRate is tokens added per second.
	RefillRate float64
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	// Allowed reports whether the requested tokens were granted.
	Allowed bool

	// Remaining is the token count after the attempt.
	Remaining float64

	// RetryAfter is how long until enough tokens accrue, when denied.
	RetryAfter time.Duration
}

// BucketInfo is a read-only view of one bucket.
type BucketInfo struct {
	CredentialID string  `json:"credentialId"`
	Tokens       float64 `json:"tokens"`
	Capacity     int     `json:"capacity"`
	RefillRate   float64 `json:"refillRate"`
}

// Limiter is the distributed token bucket limiter.
type Limiter struct {
	store    *statestore.Store
	defaults Limit
	ttl      time.Duration
	logger   observability.Logger
}

// NewLimiter creates a limiter with the given pool-wide defaults.
// Per-credential overrides installed via Configure take precedence.
func NewLimiter(store *statestore.Store, defaults Limit, ttl time.Duration, logger observability.Logger) (*Limiter, error) {
	if defaults.Capacity <= 0 || defaults.RefillRate <= 0 {
		return nil, ErrInvalidLimit
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Limiter{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// Consume attempts to take n tokens from the credential's bucket.
func (l *Limiter) Consume(ctx context.Context, credentialID string, n int) (*Decision, error) {
	if n <= 0 {
		n = 1
	}

	start := time.Now()
	res, err := l.store.RunScript(ctx, consumeScript,
		[]string{bucketKeyPrefix + credentialID},
		l.defaults.RefillRate,
		l.defaults.Capacity,
		time.Now().UnixMilli(),
		n,
		int(l.ttl.Seconds()),
	)
	consumeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected consume script result: %v", res)
	}

	allowed := toInt64(vals[0]) == 1
	remaining := toFloat64(vals[1])
	retryAfter := time.Duration(toInt64(vals[2])) * time.Millisecond

	if allowed {
		decisionsTotal.WithLabelValues("allowed").Inc()
	} else {
		decisionsTotal.WithLabelValues("denied").Inc()
	}

	return &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}, nil
}

// Available returns the current token count without consuming.
func (l *Limiter) Available(ctx context.Context, credentialID string) (float64, error) {
	info, err := l.Info(ctx, credentialID)
	if err != nil {
		return 0, err
	}
	return info.Tokens, nil
}

// AvailableBatch returns current token counts for many credentials in
// one round trip. Missing buckets report as full.
func (l *Limiter) AvailableBatch(ctx context.Context, credentialIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(credentialIDs))
	if len(credentialIDs) == 0 {
		return out, nil
	}

	now := time.Now().UnixMilli()
	pipe := l.store.Client().Pipeline()

	cmds := make(map[string]*redis.Cmd, len(credentialIDs))
	for _, id := range credentialIDs {
		key := l.store.Key(bucketKeyPrefix + id)
		cmds[id] = peekScript.Eval(ctx, pipe, []string{key},
			l.defaults.RefillRate, l.defaults.Capacity, now, int(l.ttl.Seconds()))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", statestore.ErrUnavailable, err)
	}

	for id, c := range cmds {
		res, err := c.Result()
		if err != nil {
			l.logger.Warn("bucket peek failed",
				observability.String("credential_id", id),
				observability.Error(err),
			)
			out[id] = float64(l.defaults.Capacity)
			continue
		}
		if vals, ok := res.([]interface{}); ok && len(vals) == 3 {
			out[id] = toFloat64(vals[0])
		} else {
			out[id] = float64(l.defaults.Capacity)
		}
	}

	return out, nil
}

// Info returns the bucket state for one credential.
func (l *Limiter) Info(ctx context.Context, credentialID string) (*BucketInfo, error) {
	res, err := l.store.RunScript(ctx, peekScript,
		[]string{bucketKeyPrefix + credentialID},
		l.defaults.RefillRate,
		l.defaults.Capacity,
		time.Now().UnixMilli(),
		int(l.ttl.Seconds()),
	)
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected peek script result: %v", res)
	}

	return &BucketInfo{
		CredentialID: credentialID,
		Tokens:       toFloat64(vals[0]),
		Capacity:     int(toFloat64(vals[1])),
		RefillRate:   toFloat64(vals[2]),
	}, nil
}

// Configure installs a per-credential bucket shape. Banked tokens above
// the new capacity are clamped.
func (l *Limiter) Configure(ctx context.Context, credentialID string, limit Limit) error {
	if limit.Capacity <= 0 || limit.RefillRate <= 0 {
		return ErrInvalidLimit
	}

	_, err := l.store.RunScript(ctx, configureScript,
		[]string{bucketKeyPrefix + credentialID},
		limit.Capacity,
		limit.RefillRate,
		int(l.ttl.Seconds()),
	)
	return err
}

// Reset deletes the bucket. The next consume sees a full bucket with
// pool defaults.
func (l *Limiter) Reset(ctx context.Context, credentialID string) error {
	return l.store.Delete(ctx, bucketKeyPrefix+credentialID)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}
