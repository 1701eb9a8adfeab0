package cachecore

import (
	"net/http"
	"strconv"
	"strings"
)

// StoredHeaders is a header-name to ordered-value-list mapping, lowercased
// on the way in. It is the on-disk representation of both a StoredRequest
// and a StoredResponse: unlike net/http.Header, names are never re-cased,
// so a round trip through the wire format reproduces exactly the header
// set that was stored.
type StoredHeaders map[string][]string

// Get returns the first value for name, or "" if absent.
func (h StoredHeaders) Get(name string) string {
	vv := h[strings.ToLower(name)]
	if len(vv) == 0 {
		return ""
	}
	return vv[0]
}

// Values returns all values for name, or nil if absent.
func (h StoredHeaders) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Set replaces all values for name.
func (h StoredHeaders) Set(name string, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Del removes name entirely.
func (h StoredHeaders) Del(name string) {
	delete(h, strings.ToLower(name))
}

// headersFromHTTP builds a StoredHeaders from a live http.Header, lowering
// every field name.
func headersFromHTTP(h http.Header) StoredHeaders {
	out := make(StoredHeaders, len(h))
	for name, values := range h {
		lname := strings.ToLower(name)
		out[lname] = append(append([]string{}, out[lname]...), values...)
	}
	return out
}

// StoredRequest is the persisted request half of a Variant: the full
// header set of the request that produced the stored response.
type StoredRequest struct {
	Headers StoredHeaders
}

// StoredResponse is the persisted response half of a Variant.
//
// x-content-digest, x-status, and vary are ordinary entries of Headers;
// the accessor methods below exist purely for readability at call sites.
type StoredResponse struct {
	Headers StoredHeaders
}

func (r StoredResponse) ContentDigest() string {
	return r.Headers.Get("x-content-digest")
}

func (r StoredResponse) StatusCode() int {
	code, _ := strconv.Atoi(r.Headers.Get("x-status"))
	return code
}

func (r StoredResponse) Vary() string {
	return r.Headers.Get("vary")
}

// toHTTPResponse builds a throwaway *http.Response carrying this variant's
// headers and status, for handing to a Freshness implementation (which is
// written against net/http types). The body is never populated here: the
// core treats bodies as separate entity blobs, not response-writer state.
func (r StoredResponse) toHTTPResponse() *http.Response {
	header := make(http.Header, len(r.Headers))
	for name, values := range r.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	return &http.Response{
		StatusCode: r.StatusCode(),
		Header:     header,
		Body:       http.NoBody,
	}
}

// fromHTTPResponse re-lowers res.Header back into Headers, picking up any
// in-place mutation a Freshness.Expire call made.
func (r *StoredResponse) fromHTTPResponse(res *http.Response) {
	r.Headers = headersFromHTTP(res.Header)
}

// Variant is one (request headers, response headers) pair under a cache
// key, selected at lookup time by Vary matching.
type Variant struct {
	Request  StoredRequest
	Response StoredResponse
}

// MetadataEntry is the ordered, MRU-first list of Variants for one cache
// key.
type MetadataEntry struct {
	Variants []Variant
}
