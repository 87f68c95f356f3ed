package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a key may stay unused before its bucket is dropped.
const idleAfter = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per key: a connection id for request
// frames, a peer address for websocket upgrades. A Limiter built with a zero
// rate allows everything.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter allowing perSecond requests per key with the
// given burst. Idle keys are swept until ctx is cancelled.
func NewLimiter(ctx context.Context, perSecond float64, burst int) *Limiter {
	l := &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	if perSecond <= 0 {
		return l
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
	return l
}

// Enabled reports whether the limiter ever refuses.
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 }

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	lim := b.limiter
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops key's bucket, e.g. when its connection closes.
func (l *Limiter) Forget(key string) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len reports how many keys currently hold a bucket.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(l.buckets, key)
		}
	}
}

// UpgradeGuard refuses HTTP requests (websocket upgrades) beyond the
// per-peer rate with 429.
func UpgradeGuard(l *Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow("peer:" + peerIP(r)) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// peerIP is the direct TCP peer. The bus only listens on local addresses, so
// forwarding headers are never trusted.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
