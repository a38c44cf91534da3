// Package ratelimit throttles API callers with a Redis sliding window
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Window records requests and reports whether the caller is still under limit
type Window interface {
	Take(ctx context.Context, key string) (allowed bool, count int64, err error)
}

// Uses a Redis sorted set for the window, with Lua for atomicity
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count + 1 > limit then
  return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window/1000000))
return {1, count + 1}
`)

// SlidingWindow is a distributed Window shared by every ledgerd replica
type SlidingWindow struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	limit  int
	seq    func() string
	now    func() time.Time
}

// NewSlidingWindow allows limit requests per key in any trailing window
func NewSlidingWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration) *SlidingWindow {
	var n atomic.Uint64
	return &SlidingWindow{
		client: client,
		prefix: prefix,
		window: window,
		limit:  limit,
		now:    time.Now,
		seq: func() string {
			return strconv.FormatUint(n.Add(1), 10)
		},
	}
}

// Take records one request for key if the window has room
func (w *SlidingWindow) Take(ctx context.Context, key string) (bool, int64, error) {
	now := w.now().UnixNano()
	member := fmt.Sprintf("%d-%s", now, w.seq())
	res, err := slidingWindowScript.Run(ctx, w.client, []string{w.prefix + key}, now, w.window.Nanoseconds(), w.limit, member).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, count, nil
}

// Middleware rejects callers over the window with 429. keyFn picks the
// caller identity; requests are let through when Redis is unreachable.
func Middleware(w Window, keyFn func(*gin.Context) string, reject gin.HandlerFunc, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, count, err := w.Take(c.Request.Context(), keyFn(c))
		if err != nil {
			log.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Count", strconv.FormatInt(count, 10))
		if !allowed {
			reject(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
