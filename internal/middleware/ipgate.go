package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mochestra/forwardcache/internal/config"
)

// IPConnectionGate caps how many new connections per second the acceptor
// will accept from a single source IP, independent of the admin surface's
// HTTP-level TokenBucket limiter. It sits at accept time, before any
// request parsing, so an abusive source never reaches the parser or cache.
type IPConnectionGate struct {
	mutex       sync.Mutex
	limiters    map[string]*gateEntry
	rps         rate.Limit
	burst       int
	staleExpiry time.Duration
}

type gateEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// NewIPConnectionGate builds a gate from config. A disabled config still
// returns a usable gate whose Allow always reports true, so callers do not
// need a separate enabled check on every connection.
func NewIPConnectionGate(cfg config.RateLimitConfig) *IPConnectionGate {
	g := &IPConnectionGate{
		limiters:    make(map[string]*gateEntry),
		rps:         rate.Limit(cfg.ConnectionsPerIP),
		burst:       cfg.ConnectionBurst,
		staleExpiry: cfg.StaleIPEntryExpiry,
	}
	if !cfg.Enabled {
		g.rps = rate.Inf
	}
	return g
}

// Allow reports whether a new connection from ip should be accepted. It
// lazily creates a limiter per IP and opportunistically sweeps entries that
// have not been touched since staleExpiry to bound memory use under churn
// from many distinct source addresses.
func (g *IPConnectionGate) Allow(ip string) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := time.Now()
	entry, ok := g.limiters[ip]
	if !ok {
		entry = &gateEntry{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.limiters[ip] = entry
	}
	entry.lastSeenAt = now

	if len(g.limiters) > 4096 {
		g.sweep(now)
	}

	return entry.limiter.Allow()
}

// sweep drops limiter entries idle for longer than staleExpiry. Must be
// called with mutex held.
func (g *IPConnectionGate) sweep(now time.Time) {
	for ip, entry := range g.limiters {
		if now.Sub(entry.lastSeenAt) > g.staleExpiry {
			delete(g.limiters, ip)
		}
	}
}
