package cachecore

import "net/http"

// Freshness is the external freshness predicate the store consumes. The
// core has no notion of max-age or heuristic freshness itself; a
// surrounding cache kernel supplies one.
type Freshness interface {
	// IsFresh reports whether res is still usable without revalidation.
	IsFresh(res *http.Response) bool
	// Expire mutates res's headers in place so a subsequent IsFresh call
	// returns false.
	Expire(res *http.Response)
}
