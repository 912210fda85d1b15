package rpc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an IP's limiter is kept after its last request.
const limiterIdle = time.Minute

type clientLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// ipLimiter applies a token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*clientLimiter
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

func (l *ipLimiter) get(ip string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl := l.limiters[ip]
	if cl == nil {
		cl = &clientLimiter{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = cl
	}
	cl.lastHit = now
	return cl
}

// allow reports whether ip may make another request now.
func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()
	return l.get(ip, now).AllowN(now, 1)
}

// prune drops limiters idle since before cutoff.
func (l *ipLimiter) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, cl := range l.limiters {
		if cl.lastHit.Before(cutoff) {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(time.Now().Add(-limiterIdle))
		}
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
