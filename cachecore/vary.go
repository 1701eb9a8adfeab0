package cachecore

import "strings"

// requestsMatch reports whether two request header sets match under a
// Vary value: for every header name the Vary value nominates, both sets
// must carry the same list of values (both absent also counts as a
// match). An empty Vary matches everything.
func requestsMatch(vary string, a, b StoredHeaders) bool {
	names := varyFields(vary)
	if len(names) == 0 {
		return true
	}
	for _, name := range names {
		if !equalValues(a.Values(name), b.Values(name)) {
			return false
		}
	}
	return true
}

// varyFields splits a Vary header value on whitespace and commas,
// lowercases each field name, and canonicalizes underscores to hyphens to
// accommodate environments that surface HTTP headers with underscore
// names.
func varyFields(vary string) []string {
	fields := strings.FieldsFunc(vary, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(f), "_", "-")
		out = append(out, name)
	}
	return out
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
