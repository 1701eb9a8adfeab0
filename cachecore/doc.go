// Package cachecore implements a persistent, content-addressed HTTP cache
// store: a per-URL metadata index of request/response variants, a
// deduplicated entity (body) store, a per-key lock registry for cache-fill
// coordination, and a sweeper for stale metadata and orphan bodies.
//
// The package does not talk to an origin server, parse Cache-Control, or
// serve HTTP itself; those concerns belong to a surrounding cache kernel
// (see package kernel) that calls Lookup/Write/Invalidate and supplies a
// Freshness implementation.
package cachecore
