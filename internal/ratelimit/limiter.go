// Package ratelimit bounds request rates per client identity with an
// approximate sliding window over the trailing minute. State lives in
// process memory, so multi-instance deployments only get best-effort,
// per-instance limiting; a global bound needs a shared store in front.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Limiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByKey  map[string][]time.Time
	maxMemory int
}

func New(maxHits int, window time.Duration) *Limiter {
	if maxHits <= 0 {
		maxHits = 100
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		maxHits:   maxHits,
		window:    window,
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

// Middleware rejects over-limit clients with 429 before the handler runs and
// attaches remaining-quota metadata to allowed responses.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		result := l.Allow(clientKey(r), now)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.maxHits))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Allow prunes hits older than the window, then either records the request
// or rejects it without recording. Bursts straddling the window boundary are
// tolerated; this is a sliding window, not a token bucket.
func (l *Limiter) Allow(key string, now time.Time) Result {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		l.hitByKey[key] = filtered
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    filtered[0].Add(l.window),
			RetryAfter: retryAfter,
		}
	}

	filtered = append(filtered, now)
	l.hitByKey[key] = filtered

	if len(l.hitByKey) > l.maxMemory {
		for key, value := range l.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByKey, key)
			}
		}
	}

	return Result{
		Allowed:   true,
		Remaining: l.maxHits - len(filtered),
		ResetAt:   now.Add(l.window),
	}
}

// clientKey derives the client identity: first X-Forwarded-For hop, then
// X-Real-IP, then the transport peer address.
func clientKey(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
