package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"farm-identity/internal/observability"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginRateLimiter is a per-IP token bucket in front of the login endpoints.
// Each IP gets maxHits tokens refilled evenly over window. Forwarding headers
// pick the IP only when trustProxyHeaders is set.
type LoginRateLimiter struct {
	mu        sync.Mutex
	clientIP  func(*http.Request) string
	maxHits   int
	window    time.Duration
	byIP      map[string]*ipLimiter
	maxMemory int
	now       func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration, trustProxyHeaders bool) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	clientIP := observability.RemoteIP
	if trustProxyHeaders {
		clientIP = observability.ClientIP
	}

	return &LoginRateLimiter{
		clientIP:  clientIP,
		maxHits:   maxHits,
		window:    window,
		byIP:      make(map[string]*ipLimiter),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(l.clientIP(r), l.now())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiter{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.maxHits)), l.maxHits),
		}
		l.byIP[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}

	if len(l.byIP) > l.maxMemory {
		l.evict(now)
	}
	return true, 0
}

// evict drops limiters idle for a full window; they would be full again anyway.
func (l *LoginRateLimiter) evict(now time.Time) {
	threshold := now.Add(-l.window)
	for key, entry := range l.byIP {
		if entry.lastSeen.Before(threshold) {
			delete(l.byIP, key)
		}
	}
}
