package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle caps aggregate dispatch rate across all workers using an
// atomic Redis counter. A plain GET → check → INCR sequence races under
// concurrent workers, so check and increment happen in one Lua script.
type Throttle struct {
	redis   *redis.Client
	ceiling int
	window  time.Duration
	script  *redis.Script
}

// The script increments only when the counter is below the ceiling, and
// stamps the TTL on first increment of each window.
const throttleLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewThrottle creates a send throttle. ceiling <= 0 disables throttling.
func NewThrottle(client *redis.Client, ceiling int, window time.Duration) *Throttle {
	return &Throttle{
		redis:   client,
		ceiling: ceiling,
		window:  window,
		script:  redis.NewScript(throttleLuaScript),
	}
}

// Allow reserves one send slot in the current window. On Redis errors it
// allows the send: the throttle is an aggregate guard, and availability
// wins over strict accounting, same as the rate-limit gate check.
func (t *Throttle) Allow(ctx context.Context) bool {
	if t == nil || t.redis == nil || t.ceiling <= 0 {
		return true
	}

	key := fmt.Sprintf("guidance:send_throttle:%d", time.Now().Unix()/int64(t.window.Seconds()))
	res, err := t.script.Run(ctx, t.redis, []string{key},
		1, t.ceiling, int(t.window.Seconds())).Result()
	if err != nil {
		return true
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return true
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1
}
