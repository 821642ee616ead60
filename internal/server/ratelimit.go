package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/aurora-rag/internal/logging"
)

// Rate-limited route classes. Each class has its own policy and its own
// bucket per client IP, so exhausting /ask does not block the rebuild trigger
// and the reverse.
const (
	routeAsk     = "ask"
	routeRebuild = "rebuild"
)

// Default policies. /ask allows interactive bursts; a rebuild re-embeds the
// whole corpus, so the trigger gets one request every ten seconds per IP.
const (
	defaultRateLimit    = 10
	defaultRateBurst    = 20
	defaultRebuildLimit = 0.1
	defaultRebuildBurst = 2
)

// maxRetryAfter caps the Retry-After header in seconds.
const maxRetryAfter = 3600

// staleAfter is how long an idle bucket is kept before eviction.
const staleAfter = 5 * time.Minute

// RouteLimit is a per-IP token-bucket policy for one route class.
type RouteLimit struct {
	// RPS is the sustained request rate per IP (requests/second).
	RPS float64
	// Burst is the maximum instantaneous burst per IP.
	Burst int
}

// bucketKey identifies one client's bucket for one route class.
type bucketKey struct {
	route string
	ip    string
}

// bucket is a token bucket and the last time it was used.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces per-route, per-IP token buckets. Idle buckets are
// evicted every minute.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*bucket
	policies map[string]RouteLimit
	log      *slog.Logger
	// rejected counts 429 responses by route class. May be nil.
	rejected func(route string)
	now      func() time.Time
}

// newRateLimiter constructs a rateLimiter for the given route policies and
// starts the eviction goroutine. Call the returned function to stop it.
func newRateLimiter(policies map[string]RouteLimit, log *slog.Logger, rejected func(route string)) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets:  make(map[bucketKey]*bucket),
		policies: policies,
		log:      log,
		rejected: rejected,
		now:      time.Now,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// bucketFor returns the limiter for ip on route, creating it on first use.
func (rl *rateLimiter) bucketFor(route, ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := bucketKey{route: route, ip: ip}
	b, ok := rl.buckets[key]
	if !ok {
		p := rl.policies[route]
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(p.RPS), p.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict(rl.now())
		}
	}
}

// evict removes buckets idle for longer than staleAfter.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-staleAfter)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// admit takes a token for ip on route. When none is available it returns
// false and the wait until the next token, in whole seconds.
func (rl *rateLimiter) admit(route, ip string) (bool, int) {
	now := rl.now()
	res := rl.bucketFor(route, ip, now).ReserveN(now, 1)
	if !res.OK() {
		return false, maxRetryAfter
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	res.CancelAt(now)
	secs := int(math.Ceil(delay.Seconds()))
	return false, min(max(secs, 1), maxRetryAfter)
}

// limit wraps next with the policy for route. Rejected requests get 429, a
// Retry-After header and a JSON error body.
func (rl *rateLimiter) limit(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, retry := rl.admit(route, ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("route", route),
			slog.String("ip", ip),
			slog.Int("retry_after", retry),
		)
		if rl.rejected != nil {
			rl.rejected(route)
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	})
}

// clientIP returns the remote IP without the port. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
