package tracker

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codewiresh/livetrack/internal/clock"
	"github.com/codewiresh/livetrack/internal/protocol"
)

// rateLimiter admits at most limit requests per client IP in any window.
type rateLimiter struct {
	clock  clock.Clock
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(c clock.Clock, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clock:  c,
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// take records a request from ip. When ip is over its limit it returns
// false and how long until the oldest request leaves the window.
func (rl *rateLimiter) take(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.pruneLocked(now)

	recent := rl.hits[ip]
	if len(recent) >= rl.limit {
		return false, recent[0].Add(rl.window).Sub(now)
	}
	rl.hits[ip] = append(recent, now)
	return true, 0
}

// pruneLocked drops hits older than the window and forgets idle IPs.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rl.window)
	for ip, times := range rl.hits {
		i := 0
		for i < len(times) && !times[i].After(cutoff) {
			i++
		}
		if i == len(times) {
			delete(rl.hits, ip)
		} else if i > 0 {
			rl.hits[ip] = append(times[:0], times[i:]...)
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.take(remoteIP(r)); !ok {
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeJSON(w, http.StatusTooManyRequests, protocol.StatusMessage{Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}
