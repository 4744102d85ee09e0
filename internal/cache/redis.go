package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// StoreCache backs the Cache interface with the shared state store so
// the active set survives restarts and is shared across replicas.
type StoreCache struct {
	store *statestore.Store
}

// NewStoreCache creates a state-store backed cache.
func NewStoreCache(store *statestore.Store) (*StoreCache, error) {
	if store == nil {
		return nil, ErrInvalidConfig
	}
	return &StoreCache{store: store}, nil
}

// Get implements Cache. Store unavailability surfaces unchanged so
// callers can distinguish a miss from a degraded store.
func (c *StoreCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	val, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		hitsTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return val, nil
	case errors.Is(err, statestore.ErrNotFound):
		missesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		span.RecordError(err)
		return nil, err
	}
}

// Set implements Cache.
func (c *StoreCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Delete implements Cache.
func (c *StoreCache) Delete(ctx context.Context, key string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	if err := c.store.Delete(ctx, key); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close implements Cache. The underlying store is shared and closed by
// its owner.
func (c *StoreCache) Close() error {
	return nil
}
