package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func frozen(l *Limiter) *clock {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return c
}

func perMinute(rpm, burst int) *Limiter {
	return New(Config{RequestsPerMinute: rpm, BurstSize: burst})
}

func TestAllow_Burst(t *testing.T) {
	l := perMinute(60, 5)
	frozen(l)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "request %d", i+1)
	}
	assert.False(t, l.Allow("k"), "over burst")
	assert.True(t, l.Allow("other"), "keys have separate buckets")
}

func TestReserve_ReportsWaitAndRefills(t *testing.T) {
	l := perMinute(60, 1)
	clk := frozen(l)

	require.Zero(t, l.Reserve("k"))
	wait := l.Reserve("k")
	assert.Equal(t, time.Second, wait)

	// A refused request does not consume the next token.
	clk.advance(time.Second)
	assert.Zero(t, l.Reserve("k"))
}

func TestIdleBucketsSwept(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	clk := frozen(l)

	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Len())

	clk.advance(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)

	assert.Equal(t, DefaultConfig(), ForRPM(0))
	cfg = ForRPM(120)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, 1, ForRPM(3).BurstSize)

	assert.Equal(t, DefaultConfig().IdleTTL, New(Config{RequestsPerMinute: 1}).cfg.IdleTTL)
}

func TestMiddleware_KeysByUser(t *testing.T) {
	mgr := auth.NewManager("ratelimit-test-secret-ratelimit-test", "")
	limiter := perMinute(30, 1)
	frozen(limiter)

	r := gin.New()
	r.Use(auth.Middleware(mgr), limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			token, err := mgr.Issue(user, auth.RoleUser, time.Hour)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("alice").Code)
	w := call("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","message":"Too many requests. Please slow down.","retryAfter":2}`, w.Body.String())

	// Same address, different user: separate bucket.
	assert.Equal(t, http.StatusOK, call("bob").Code)
	// Anonymous callers share the IP bucket.
	assert.Equal(t, http.StatusOK, call("").Code)
	assert.Equal(t, http.StatusTooManyRequests, call("").Code)
}
