package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript keeps {milli_tokens, ts_ms} in a hash. Tokens are scaled by
// 1000 because redis truncates Lua numbers to integers on return.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2]) * 1000
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "mtokens", "ts")
local mtokens = tonumber(data[1])
local ts = tonumber(data[2])

if mtokens == nil then
  mtokens = burst
else
  local delta = math.max(0, now - ts)
  mtokens = math.min(burst, mtokens + delta * rate)
end

local allowed = 0
if mtokens >= 1000 then
  allowed = 1
  mtokens = mtokens - 1000
end

redis.call("HSET", KEYS[1], "mtokens", mtokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(mtokens), now}
`)

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// pollBucket is a redis token bucket refilled at rate tokens per second.
type pollBucket struct {
	client *redis.Client
}

func (b pollBucket) take(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if key == "" {
		return nil, errors.New("rate limit key is empty")
	}
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("rate limit rate and burst must be positive")
	}

	// rate is per second; the script refills per millisecond in milli-tokens.
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		rate,
		burst,
		bucketTTL(rate, burst).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) < 3 {
		return nil, errors.New("invalid rate limit script response")
	}

	result := &RateLimitResult{
		Allowed:   res[0] == 1,
		Limit:     burst,
		Remaining: int(res[1] / 1000),
	}
	if !result.Allowed {
		missing := float64(1000-res[1]) / 1000
		result.RetryAfter = time.Duration(missing / rate * float64(time.Second))
	}
	result.ResetTime = time.UnixMilli(res[2]).Add(result.RetryAfter)
	return result, nil
}

// bucketTTL keeps an idle bucket long enough to refill twice.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
