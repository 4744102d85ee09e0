package ratelimit

import "github.com/redis/go-redis/v9"

// consumeScript atomically refills and drains a token bucket.
//
// KEYS[1] - bucket key
// ARGV[1] - default refill rate (tokens/second)
// ARGV[2] - default capacity
// ARGV[3] - now in milliseconds
// ARGV[4] - tokens requested
// ARGV[5] - bucket TTL in seconds
//
// The hash may carry per-bucket 'capacity' and 'refill_rate' overrides
// set by the configure script; they win over the defaults. A missing
// bucket is a full bucket.
//
// Returns {allowed (0/1), remaining tokens as string, retry after ms}.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local default_rate = tonumber(ARGV[1])
	local default_capacity = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill', 'capacity', 'refill_rate')
	local tokens = tonumber(data[1])
	local last_refill = tonumber(data[2])
	local capacity = tonumber(data[3]) or default_capacity
	local rate = tonumber(data[4]) or default_rate

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	-- Refill based on elapsed time, capped at capacity
	local elapsed = (now - last_refill) / 1000.0
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + (elapsed * rate))
	end

	local allowed = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('EXPIRE', key, ttl)

	local retry_ms = 0
	if allowed == 0 and rate > 0 then
		retry_ms = math.ceil((requested - tokens) / rate * 1000)
	end

	return {allowed, tostring(tokens), retry_ms}
`)

// peekScript returns the current token count, persisting the refill it
// applies so the bucket's banked tokens and TTL stay current even on
// read-heavy paths. Missing buckets are reported full but not created;
// only a consume or configure materializes a bucket.
//
// KEYS[1] - bucket key
// ARGV[1] - default refill rate
// ARGV[2] - default capacity
// ARGV[3] - now in milliseconds
// ARGV[4] - bucket TTL in seconds
//
// Returns {tokens as string, capacity as string, rate as string}.
var peekScript = redis.NewScript(`
	local key = KEYS[1]
	local default_rate = tonumber(ARGV[1])
	local default_capacity = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill', 'capacity', 'refill_rate')
	local tokens = tonumber(data[1])
	local last_refill = tonumber(data[2])
	local capacity = tonumber(data[3]) or default_capacity
	local rate = tonumber(data[4]) or default_rate

	if tokens == nil then
		return {tostring(capacity), tostring(capacity), tostring(rate)}
	end

	local elapsed = (now - last_refill) / 1000.0
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + (elapsed * rate))
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('EXPIRE', key, ttl)

	return {tostring(tokens), tostring(capacity), tostring(rate)}
`)

// configureScript sets per-bucket capacity and refill overrides,
// clamping any banked tokens to the new capacity.
//
// KEYS[1] - bucket key
// ARGV[1] - capacity
// ARGV[2] - refill rate
// ARGV[3] - bucket TTL in seconds
var configureScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])

	redis.call('HSET', key, 'capacity', ARGV[1], 'refill_rate', ARGV[2])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	if tokens and tokens > capacity then
		redis.call('HSET', key, 'tokens', ARGV[1])
	end

	redis.call('EXPIRE', key, ARGV[3])
	return 1
`)
