package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragkit-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained ask/ingest rate per client.
	defaultRateLimit = 10
	// defaultRateBurst is the instantaneous burst per client.
	defaultRateBurst = 20
	// bucketIdleTTL is how long an unused client bucket is kept.
	bucketIdleTTL = 5 * time.Minute
)

// bucket is one client's token bucket.
type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter hands out one token bucket per client address. Idle buckets
// are swept on access, so no background goroutine is needed.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
	rejected  *prometheus.CounterVec
}

func newClientLimiter(rps float64, burst int, rejected *prometheus.CounterVec) *clientLimiter {
	return &clientLimiter{
		buckets:  make(map[string]*bucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		rejected: rejected,
	}
}

// allow takes a token for client. When none is available it reports how
// long until one is, without consuming anything.
func (l *clientLimiter) allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= bucketIdleTTL {
		l.sweep(now)
	}
	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[client] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, bucketIdleTTL
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// sweep drops buckets idle for longer than bucketIdleTTL. Callers hold mu.
func (l *clientLimiter) sweep(now time.Time) {
	for client, b := range l.buckets {
		if now.Sub(b.seen) > bucketIdleTTL {
			delete(l.buckets, client)
		}
	}
	l.lastSweep = now
}

// size returns the number of tracked clients.
func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// wrap rejects over-limit requests with 429 and a Retry-After hint.
func (l *clientLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		ok, wait := l.allow(client)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		l.rejected.WithLabelValues(reasonRateLimited).Inc()
		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("client", client),
			slog.Duration("retry_after", wait),
		)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		writeJSON(w, r, http.StatusTooManyRequests, errorResponse{
			Error: "rate limit exceeded, retry later",
			Kind:  reasonRateLimited,
		})
	})
}

// retryAfterSeconds rounds wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted; put a proxy that rewrites RemoteAddr in
// front when exposing the server.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
