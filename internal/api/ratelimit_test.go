package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestRouterWithRateLimiter(ratePerMin, burst int) *gin.Engine {
	r := gin.New()
	r.Use(NewRateLimiter(ratePerMin, burst).Middleware())
	r.GET("/limited", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1 token/sec refill, burst of 2

	ok1, _ := rl.allow("1.2.3.4")
	ok2, _ := rl.allow("1.2.3.4")
	ok3, retryAfter := rl.allow("1.2.3.4")

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Greater(t, retryAfter.Seconds(), 0.0)
}

func TestRateLimiter_TracksIPsIndependently(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	okA, _ := rl.allow("10.0.0.1")
	okB, _ := rl.allow("10.0.0.2")

	assert.True(t, okA)
	assert.True(t, okB)
}

func TestRateLimiter_MiddlewareRejectsOverLimit(t *testing.T) {
	r := newTestRouterWithRateLimiter(1, 1)
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)

	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}
