package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mochestra/forwardcache/internal/config"
)

// TokenBucket implements the token bucket algorithm: burst traffic up to
// capacity is allowed while tokens refill at a fixed rate over time.
type TokenBucket struct {
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewTokenBucket creates a token bucket starting at full capacity.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryConsume attempts to take tokens from the bucket, refilling first based
// on elapsed time. Returns false if not enough tokens are available.
func (tb *TokenBucket) TryConsume(tokens int) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill()

	if tb.tokens >= tokens {
		tb.tokens -= tokens
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds()) * tb.refillRate
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// RateLimiter rate-limits HTTP requests to the admin surface (metrics,
// health) using one token bucket per client IP. It does not touch the
// proxy's own forwarding path — that accept-time gate lives in
// IPConnectionGate, which uses golang.org/x/time/rate instead.
type RateLimiter struct {
	buckets    map[string]*TokenBucket
	mutex      sync.RWMutex
	capacity   int
	refillRate int
}

// NewRateLimiter creates a rate limiter for the admin HTTP surface from
// config.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   cfg.AdminCapacity,
		refillRate: cfg.AdminRefillRate,
	}
}

// Wrap decorates next with per-IP rate limiting, responding 429 once a
// client's bucket is exhausted.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := rl.getClientIP(r)
		bucket := rl.getBucket(clientIP)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.capacity))

		if !bucket.TryConsume(1) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getBucket retrieves or lazily creates the bucket for clientIP, using a
// read lock on the fast path and double-checked creation under the write
// lock.
func (rl *RateLimiter) getBucket(clientIP string) *TokenBucket {
	rl.mutex.RLock()
	bucket, exists := rl.buckets[clientIP]
	rl.mutex.RUnlock()

	if exists {
		return bucket
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if bucket, exists := rl.buckets[clientIP]; exists {
		return bucket
	}

	bucket = NewTokenBucket(rl.capacity, rl.refillRate)
	rl.buckets[clientIP] = bucket
	return bucket
}

// getClientIP extracts the client's address, preferring proxy headers over
// RemoteAddr since the admin surface may itself sit behind a load
// balancer.
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		commaIdx := len(xff)
		for i, char := range xff {
			if char == ',' {
				commaIdx = i
				break
			}
		}
		return xff[:commaIdx]
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
