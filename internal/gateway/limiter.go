// ABOUTME: Per remote address token-bucket limiter for agent handshakes
// ABOUTME: Idle buckets are pruned so the table does not grow with every address seen

package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 1024
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// handshakeLimiter hands out one rate.Limiter per host.
type handshakeLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newHandshakeLimiter(perSecond float64, burst int) *handshakeLimiter {
	if burst < 1 {
		burst = 1
	}
	return &handshakeLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a handshake from remoteAddr may proceed now.
func (l *handshakeLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= limiterPruneSize {
		l.pruneLocked(now)
	}
	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[host] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *handshakeLimiter) pruneLocked(now time.Time) {
	for host, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, host)
		}
	}
}
