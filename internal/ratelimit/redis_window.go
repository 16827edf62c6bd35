package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisFixedWindow is a FixedWindow whose counters live in Redis so every
// process behind the load balancer shares them. Redis errors fail open.
type RedisFixedWindow struct {
	name    string
	max     int
	window  time.Duration
	client  redis.Cmdable
	timeout time.Duration
	log     zerolog.Logger
}

func NewRedisFixedWindow(client redis.Cmdable, name string, max int, window time.Duration, log zerolog.Logger) *RedisFixedWindow {
	return &RedisFixedWindow{
		name:    name,
		max:     max,
		window:  window,
		client:  client,
		timeout: 500 * time.Millisecond,
		log:     log.With().Str("component", "ratelimit").Str("policy", name).Logger(),
	}
}

func (r *RedisFixedWindow) Name() string { return r.name }

func (r *RedisFixedWindow) redisKey(identifier string) string {
	return "ratelimit:" + key(r.name, identifier)
}

func (r *RedisFixedWindow) Check(identifier string) Result {
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	k := r.redisKey(identifier)
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("rate limit check failed, allowing request")
		return Result{Allowed: true, Remaining: r.max, ResetTime: now.Add(r.window)}
	}

	count, err := getCmd.Int()
	if err != nil {
		count = 0
	}

	reset := now.Add(r.window)
	if ttl := ttlCmd.Val(); ttl > 0 && count > 0 {
		reset = now.Add(ttl)
	}

	return Result{
		Allowed:       count < r.max,
		Remaining:     maxInt(r.max-count, 0),
		ResetTime:     reset,
		TotalRequests: count,
	}
}

func (r *RedisFixedWindow) Increment(identifier string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := incrementScript.Run(ctx, r.client, []string{r.redisKey(identifier)}, r.window.Milliseconds()).Err()
	if err != nil {
		r.log.Warn().Err(err).Msg("rate limit increment failed")
	}
}

// Sweep is a no-op: Redis expires the counters itself.
func (r *RedisFixedWindow) Sweep(time.Time) int { return 0 }
