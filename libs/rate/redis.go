package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "neda:settlement:budget:"

// Each network is a sorted set of transfer ids scored by send time in milliseconds.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local used = redis.call("ZCARD", key)
if used >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local wait = window
  if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
  end
  if wait < 1 then
    wait = 1
  end
  return {0, wait, 0}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, 0, limit - used - 1}
`)

// RedisBudget shares per-network budgets across replicas. Callers pass the clock so every
// replica scores transfers on the same timeline as its own waits.
type RedisBudget struct {
	client redis.Scripter
	quotas Quotas
	prefix string
}

func NewRedisBudget(client redis.Scripter, quotas Quotas, prefix string) (*RedisBudget, error) {
	if err := quotas.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBudget{client: client, quotas: quotas, prefix: prefix}, nil
}

func (b *RedisBudget) Reserve(ctx context.Context, network string, now time.Time) (Decision, error) {
	network = normalize(network)
	quota := b.quotas.For(network)

	res, err := reserveScript.Run(ctx, b.client, []string{b.prefix + network},
		now.UnixMilli(), quota.Window.Milliseconds(), quota.Limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve %s transfer slot: %w", network, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("reserve %s transfer slot: unexpected reply %v", network, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Remaining:  int(res[2]),
	}, nil
}
