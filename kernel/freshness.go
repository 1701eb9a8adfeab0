package kernel

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CacheControlFreshness judges freshness from a response's Cache-Control,
// Expires, Age, and Date headers. It is intentionally not a full
// RFC 9111 freshness engine (no heuristic freshness, no stale-while-
// revalidate, no request-side Cache-Control); it covers the directives a
// demo kernel needs to decide whether to serve or revalidate.
type CacheControlFreshness struct {
	// DefaultTTL is used when a response carries no explicit freshness
	// information at all.
	DefaultTTL time.Duration
}

func (f CacheControlFreshness) IsFresh(res *http.Response) bool {
	cc := parseCacheControl(res.Header.Get("Cache-Control"))
	if _, ok := cc["no-store"]; ok {
		return false
	}
	if _, ok := cc["no-cache"]; ok {
		return false
	}

	lifetime, ok := f.lifetime(res, cc)
	if !ok {
		return false
	}

	age := responseAge(res)
	return age < lifetime
}

func (f CacheControlFreshness) Expire(res *http.Response) {
	res.Header.Set("Cache-Control", "max-age=0")
	res.Header.Del("Expires")
}

func (f CacheControlFreshness) lifetime(res *http.Response, cc map[string]string) (time.Duration, bool) {
	if v, ok := cc["s-maxage"]; ok {
		if d, err := parseSeconds(v); err == nil {
			return d, true
		}
	}
	if v, ok := cc["max-age"]; ok {
		if d, err := parseSeconds(v); err == nil {
			return d, true
		}
	}
	if exp := res.Header.Get("Expires"); exp != "" {
		expires, err := http.ParseTime(exp)
		if err != nil {
			return 0, false
		}
		date, err := dateHeader(res)
		if err != nil {
			return 0, false
		}
		return expires.Sub(date), true
	}
	if f.DefaultTTL > 0 {
		return f.DefaultTTL, true
	}
	return 0, false
}

func dateHeader(res *http.Response) (time.Time, error) {
	if d := res.Header.Get("Date"); d != "" {
		return http.ParseTime(d)
	}
	return time.Now(), nil
}

// responseAge approximates current_age (RFC 9111 §4.2.3) using only the
// stored Age header, since the core does not retain request/response
// timestamps.
func responseAge(res *http.Response) time.Duration {
	v := res.Header.Get("Age")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseCacheControl(header string) map[string]string {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		parts := strings.SplitN(directive, "=", 2)
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		val := ""
		if len(parts) > 1 {
			val = strings.Trim(strings.TrimSpace(parts[1]), `"`)
		}
		m[name] = val
	}
	if len(m) == 0 {
		log.Trace().Msg("no Cache-Control directives found")
	}
	return m
}
