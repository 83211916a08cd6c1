package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shuttlematch/internal/metrics"
)

const limiterIdle = 10 * time.Minute

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	mu        sync.RWMutex
	clients   map[string]*clientEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// newClientLimiter allows rps requests per second per client with the given
// burst. rps <= 0 disables limiting.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &clientLimiter{clients: map[string]*clientEntry{}, limit: limit, burst: burst, now: time.Now}
}

func (l *clientLimiter) get(key string) *rate.Limiter {
	now := l.now()
	l.mu.RLock()
	e, ok := l.clients[key]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		e.lastSeen = now
		l.mu.Unlock()
		return e.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.clients[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if now.Sub(l.lastSweep) > limiterIdle {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.clients[key] = e
	return e.limiter
}

// wrap rejects over-limit requests with 429 and Retry-After.
func (l *clientLimiter) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l.limit == rate.Inf {
			next(w, r)
			return
		}
		lim := l.get(clientKey(r))
		if !lim.AllowN(l.now(), 1) {
			metrics.RateLimited.Inc()
			retry := time.Duration(float64(time.Second) / float64(l.limit))
			if retry < time.Second {
				retry = time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(l.limit), 'f', -1, 64))
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next(w, r)
	}
}

// clientKey is the first X-Forwarded-For hop, else the remote host.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
