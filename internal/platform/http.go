package platform

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/ratelimit"
)

// ParseHTTPRateLimit extracts a quota observation from standard
// X-RateLimit-* response headers. Mastodon sends the reset as RFC3339,
// Discord as a unix epoch (possibly fractional); both are accepted.
// Returns nil when the headers don't carry a usable observation.
func ParseHTTPRateLimit(h http.Header) *ratelimit.Info {
	rem := strings.TrimSpace(h.Get("X-RateLimit-Remaining"))
	reset := strings.TrimSpace(h.Get("X-RateLimit-Reset"))
	if rem == "" || reset == "" {
		return nil
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		// Some platforms send floats here; take the integer part.
		f, ferr := strconv.ParseFloat(rem, 64)
		if ferr != nil {
			return nil
		}
		remaining = int(f)
	}
	resetAt, ok := parseResetTime(reset)
	if !ok {
		return nil
	}
	return &ratelimit.Info{Remaining: remaining, ResetAt: resetAt}
}

func parseResetTime(s string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec), true
	}
	return time.Time{}, false
}

// ParseRetryAfter reads a Retry-After header (delta seconds or HTTP date).
// Returns 0 when absent or unparseable.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}
