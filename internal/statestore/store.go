// Package statestore provides the shared low-latency state store backing
// token buckets, the active-set cache, and validation task records. It
// wraps a Redis client with connection retry, a circuit breaker, and a
// uniform error taxonomy so callers can fail open when the store is
// unreachable.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avkeypool/internal/observability"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the key does not exist in the store.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable indicates the store could not be reached. Callers
	// treat this as "no information" and degrade rather than fail.
	ErrUnavailable = errors.New("state store unavailable")
)

// Config holds configuration for the state store.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectRetries is the number of connection attempts at startup.
	ConnectRetries int

	// InitialBackoff and MaxBackoff bound the connect retry backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger observability.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:        "localhost:6379",
		Prefix:         "keypool:",
		PoolSize:       10,
		MinIdleConns:   2,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		ConnectRetries: 5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Store is the Redis-backed state store.
type Store struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a state store, connecting with exponential backoff and
// decorrelated jitter to avoid thundering-herd reconnects.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := connectWithRetry(client, cfg, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &Store{
		client: client,
		prefix: cfg.Prefix,
		logger: logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "statestore",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("state store circuit breaker state change",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			if to == gobreaker.StateOpen {
				storeHealthy.Set(0)
			} else if to == gobreaker.StateClosed {
				storeHealthy.Set(1)
			}
		},
		IsSuccessful: func(err error) bool {
			// Misses and script-level errors are not availability
			// failures; only connectivity problems trip the breaker.
			return err == nil || errors.Is(err, redis.Nil) || !isConnectivityError(err)
		},
	})
	storeHealthy.Set(1)

	return s, nil
}

// connectWithRetry pings the store until it responds or attempts run out.
func connectWithRetry(client *redis.Client, cfg *Config, logger observability.Logger) error {
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}

	current := initial
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		lastErr = client.Ping(ctx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("state store connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		connectionErrors.Inc()

		if attempt >= retries {
			break
		}

		// Decorrelated jitter: sleep = min(cap, rand(base, sleep*3)).
		low := float64(initial)
		high := float64(current) * 3
		wait := time.Duration(low + rand.Float64()*(high-low)) //nolint:gosec // timing jitter
		if wait > maxBackoff {
			wait = maxBackoff
		}
		current = wait

		logger.Debug("state store connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)

		time.Sleep(wait)
	}

	return fmt.Errorf("failed to connect to state store after %d attempts: %w", retries+1, lastErr)
}

// Key returns the prefixed form of key.
func (s *Store) Key(key string) string {
	return s.prefix + key
}

// Client returns the underlying Redis client. Batch callers use it for
// pipelines; the circuit breaker does not cover direct client use.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Get retrieves the value at key. Returns ErrNotFound on a missing key
// and ErrUnavailable when the store cannot be reached.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.execute(ctx, "get", func() error {
		res, err := s.client.Get(ctx, s.Key(key)).Bytes()
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	return val, err
}

// Set stores value at key with the given TTL. A TTL of 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.execute(ctx, "set", func() error {
		return s.client.Set(ctx, s.Key(key), value, ttl).Err()
	})
}

// Delete removes the given keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.Key(k)
	}
	return s.execute(ctx, "delete", func() error {
		return s.client.Del(ctx, prefixed...).Err()
	})
}

// RunScript evaluates a Lua script against the store through the circuit
// breaker. keys are prefixed before evaluation.
func (s *Store) RunScript(
	ctx context.Context,
	script *redis.Script,
	keys []string,
	args ...interface{},
) (interface{}, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.Key(k)
	}

	var result interface{}
	err := s.execute(ctx, "script", func() error {
		res, err := script.Run(ctx, s.client, prefixed, args...).Result()
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// PushBounded prepends value to the list at key, trimming it to max
// entries. Used for rolling snapshot history.
func (s *Store) PushBounded(ctx context.Context, key string, value []byte, max int64) error {
	return s.execute(ctx, "push", func() error {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, s.Key(key), value)
		pipe.LTrim(ctx, s.Key(key), 0, max-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Range returns list entries [start, stop] at key.
func (s *Store) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.execute(ctx, "range", func() error {
		vals, err := s.client.LRange(ctx, s.Key(key), start, stop).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(vals))
		for i, v := range vals {
			out[i] = []byte(v)
		}
		return nil
	})
	return out, err
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.execute(ctx, "ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Healthy reports whether the circuit breaker currently admits requests.
func (s *Store) Healthy() bool {
	return s.breaker.State() != gobreaker.StateOpen
}

// Close closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// execute runs op through the circuit breaker, recording metrics and
// mapping errors to the package taxonomy.
func (s *Store) execute(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		operationsTotal.WithLabelValues(op, "success").Inc()
		return nil
	case errors.Is(err, redis.Nil):
		operationsTotal.WithLabelValues(op, "not_found").Inc()
		return ErrNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		operationsTotal.WithLabelValues(op, "unavailable").Inc()
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	case isConnectivityError(err):
		operationsTotal.WithLabelValues(op, "unavailable").Inc()
		connectionErrors.Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		operationsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("state store %s error: %w", op, err)
	}
}

// isConnectivityError reports whether err indicates the store itself is
// unreachable rather than a per-key condition.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
