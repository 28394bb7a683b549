package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimitPruneEvery = time.Minute

// rateLimiter keeps one token bucket per authenticated actor. It runs after
// the auth middleware, so anonymous requests never reach it. Buckets that have
// refilled completely are dropped: a full bucket behaves like a new one.
type rateLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	lastPrune time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{rps: rate.Limit(rps), burst: burst, now: time.Now, buckets: map[string]*rate.Limiter{}}
}

func (l *rateLimiter) allow(actorID string) bool {
	return l.limiter(actorID).AllowN(l.now(), 1)
}

func (l *rateLimiter) limiter(actorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) >= rateLimitPruneEvery {
		l.prune(now)
	}
	lim, ok := l.buckets[actorID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets[actorID] = lim
	}
	return lim
}

func (l *rateLimiter) prune(now time.Time) {
	for actor, lim := range l.buckets {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, actor)
		}
	}
	l.lastPrune = now
}

func (l *rateLimiter) middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, ok := principalFromContext(req.Context())
			if !ok || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if !l.allow(p.ActorID) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", map[string]any{"actor_id": p.ActorID}))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
