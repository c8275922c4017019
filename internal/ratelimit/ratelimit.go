// Package ratelimit throttles API callers with one token bucket per caller.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mbd888/milepay/internal/auth"
)

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "milepay",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by caller kind.",
}, []string{"caller"})

func init() {
	prometheus.MustRegister(rejected)
}

// Config sizes each caller's bucket.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL is how long an unused bucket is kept. A bucket idle that
	// long has refilled anyway.
	IdleTTL time.Duration
}

// DefaultConfig allows one request per second on average with bursts of 10.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, IdleTTL: 2 * time.Minute}
}

// ForRPM returns the default config at rpm requests per minute with a
// burst of a sixth of that.
func ForRPM(rpm int) Config {
	cfg := DefaultConfig()
	if rpm > 0 {
		cfg.RequestsPerMinute = rpm
		cfg.BurstSize = max(rpm/6, 1)
	}
	return cfg
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds a bucket per key.
type Limiter struct {
	cfg   Config
	limit rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

// New returns a limiter. Idle buckets are swept lazily, so there is
// nothing to stop.
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	return l.Reserve(key) == 0
}

// Reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the caller should wait. A refused request
// consumes nothing.
func (l *Limiter) Reserve(key string) time.Duration {
	now := l.now()
	r := l.bucket(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

func (l *Limiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits authenticated callers by user id and everyone else by
// client IP. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, caller := "ip:"+c.ClientIP(), "anonymous"
		if userID := auth.UserID(c); userID != "" {
			key, caller = "user:"+userID, "user"
		}

		wait := l.Reserve(key)
		if wait == 0 {
			c.Next()
			return
		}

		rejected.WithLabelValues(caller).Inc()
		secs := int(math.Ceil(wait.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate_limit_exceeded",
			"message":    "Too many requests. Please slow down.",
			"retryAfter": secs,
		})
	}
}
