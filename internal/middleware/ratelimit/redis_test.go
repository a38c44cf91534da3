package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingWindow struct {
	limit int64
	seen  map[string]int64
	err   error
}

func (w *countingWindow) Take(_ context.Context, key string) (bool, int64, error) {
	if w.err != nil {
		return false, 0, w.err
	}
	if w.seen[key] >= w.limit {
		return false, w.seen[key], nil
	}
	w.seen[key]++
	return true, w.seen[key], nil
}

func router(t *testing.T, w Window) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(w,
		func(c *gin.Context) string { return c.GetHeader("X-Caller") },
		func(c *gin.Context) { c.String(http.StatusTooManyRequests, "slow down") },
		zaptest.NewLogger(t)))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func get(r *gin.Engine, caller string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Caller", caller)
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	r := router(t, &countingWindow{limit: 2, seen: map[string]int64{}})

	assert.Equal(t, http.StatusOK, get(r, "a"))
	assert.Equal(t, http.StatusOK, get(r, "a"))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "a"))
	assert.Equal(t, http.StatusOK, get(r, "b"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	r := router(t, &countingWindow{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusOK, get(r, "a"))
}

func TestSlidingWindowRedis(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	w := NewSlidingWindow(client, "test:ratelimit:", 3, time.Second)
	key := uuid.NewString()

	for i := 1; i <= 3; i++ {
		ok, count, err := w.Take(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i), count)
	}
	ok, _, err := w.Take(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, _, err = w.Take(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}
