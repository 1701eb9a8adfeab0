package cachecore

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	headerContentDigest  = "x-content-digest"
	headerStatus         = "x-status"
	headerVary           = "vary"
	headerBodyFile       = "x-body-file"
	headerAge            = "age"
	headerContentLength  = "content-length"
	headerTransferEncode = "transfer-encoding"
	headerLocation       = "location"
	headerContentLoc     = "content-location"

	keyCacheCapacity = 4096
)

// Response is the facade's view of an HTTP response: a complete status
// code, header set, and body blob. The core never streams a body; bodies
// are handled as complete byte blobs, with the resolved on-disk path
// offered as an escape hatch for callers who want to stream it
// themselves.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// LookupResult is what Lookup returns on a cache hit.
type LookupResult struct {
	StatusCode int
	Header     http.Header
	// BodyPath is the resolved on-disk path of the entity blob, suitable
	// for streaming the body without reading it into memory.
	BodyPath string
	Body     []byte
}

// Store is the cache facade: lookup, write, invalidate, purge,
// lock/unlock/isLocked, cleanup, clear. It owns no process-wide state;
// every piece of mutable state (owned locks, the key cache) is a field
// on the Store value, so one process can run several independent
// stores.
type Store struct {
	root string

	entities *entityStore
	metadata *metadataStore
	locks    *lockRegistry
	keys     *keyCache
}

// Open initializes a Store rooted at dir, creating it if needed and
// pruning any leftover temp files from an interrupted write.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if n := pruneTempFiles(dir); n > 0 {
		log.Debug().Int("count", n).Str("root", dir).Msg("pruned leftover temp files")
	}
	return &Store{
		root:     dir,
		entities: newEntityStore(dir),
		metadata: newMetadataStore(dir),
		locks:    newLockRegistry(dir),
		keys:     newKeyCache(keyCacheCapacity),
	}, nil
}

// GetPath exposes the path encoder for a cache key.
func (s *Store) GetPath(key string) (string, error) {
	return GetPath(s.root, key)
}

// GetKeyByPath exposes the path decoder.
func (s *Store) GetKeyByPath(path string) (string, error) {
	return GetKeyByPath(s.root, path)
}

// CacheKey returns the metadata cache key for r, memoized per request
// instance within this Store.
func (s *Store) CacheKey(r *http.Request) string {
	if key, ok := s.keys.get(r); ok {
		return key
	}
	key := NewMetaKey(canonicalURI(r))
	s.keys.put(r, key)
	return key
}

// CanonicalURI returns the host+path+query form of r used to derive its
// cache key, so a caller that needs to reconstruct an equivalent request
// later (e.g. to schedule and later replay a background revalidation)
// has something stable to persist instead of the key's one-way digest.
func (s *Store) CanonicalURI(r *http.Request) string {
	return canonicalURI(r)
}

// Lookup returns the stored response for r, or (nil, nil) on any kind of
// miss: no metadata, no Vary match, or a dangling content digest.
func (s *Store) Lookup(r *http.Request) (*LookupResult, error) {
	key := s.CacheKey(r)
	entry, ok, err := s.metadata.load(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	reqHeaders := headersFromHTTP(r.Header)
	idx := -1
	for i, v := range entry.Variants {
		if requestsMatch(v.Response.Vary(), reqHeaders, v.Request.Headers) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil
	}
	variant := entry.Variants[idx]

	digest := variant.Response.ContentDigest()
	body, found, err := s.entities.load(digest)
	if err != nil {
		return nil, err
	}
	if !found {
		// Dangling content digest observed at read time: drop the
		// offending variant immediately rather than waiting for Clear.
		s.dropVariant(key, entry, idx)
		return nil, nil
	}

	bodyPath, _ := s.GetPath(digest)
	header := make(http.Header, len(variant.Response.Headers))
	for name, values := range variant.Response.Headers {
		if name == headerStatus {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set(headerBodyFile, bodyPath)

	return &LookupResult{
		StatusCode: variant.Response.StatusCode(),
		Header:     header,
		BodyPath:   bodyPath,
		Body:       body,
	}, nil
}

// HasMetadata reports whether any metadata entry exists for r's cache key,
// regardless of whether one of its variants matches r under Vary. A
// caller that gets a miss from Lookup can use this to tell a plain
// URI-miss (no entry at all) apart from a Vary mismatch (an entry exists,
// but none of its variants match this particular request).
func (s *Store) HasMetadata(r *http.Request) bool {
	_, ok, err := s.metadata.load(s.CacheKey(r))
	return ok && err == nil
}

func (s *Store) dropVariant(key string, entry MetadataEntry, idx int) {
	pruned := make([]Variant, 0, len(entry.Variants)-1)
	pruned = append(pruned, entry.Variants[:idx]...)
	pruned = append(pruned, entry.Variants[idx+1:]...)
	if err := s.metadata.save(key, MetadataEntry{Variants: pruned}); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not persist pruned metadata after dangling entity")
	}
}

// Write persists the (request, response) pair and returns the cache key.
func (s *Store) Write(r *http.Request, res *Response) (string, error) {
	key := s.CacheKey(r)
	env := headersFromHTTP(r.Header)

	if res.Header.Get(headerContentDigest) == "" {
		digest := NewEntityKey(res.Body)
		if err := s.entities.save(digest, res.Body); err != nil {
			return "", &StorageError{Op: "write-entity", Path: digest, Err: err}
		}
		res.Header.Set(headerContentDigest, digest)
		if res.Header.Get(headerTransferEncode) == "" {
			res.Header.Set(headerContentLength, strconv.Itoa(len(res.Body)))
		}
	}

	entry, _, err := s.metadata.load(key)
	if err != nil {
		return "", err
	}

	varyNew := res.Header.Get(headerVary)
	retained := make([]Variant, 0, len(entry.Variants))
	for _, v := range entry.Variants {
		supersedes := v.Response.Vary() == varyNew && requestsMatch(varyNew, v.Request.Headers, env)
		if !supersedes {
			retained = append(retained, v)
		}
	}

	newVariant := Variant{
		Request:  StoredRequest{Headers: env},
		Response: persistResponse(res),
	}
	entry.Variants = append([]Variant{newVariant}, retained...)

	if err := s.metadata.save(key, entry); err != nil {
		return "", &StorageError{Op: "write-metadata", Path: key, Err: err}
	}
	return key, nil
}

// persistResponse copies a Response's headers into a StoredResponse,
// injecting x-status and dropping Age.
func persistResponse(res *Response) StoredResponse {
	headers := headersFromHTTP(res.Header)
	headers.Del(headerAge)
	headers.Set(headerStatus, strconv.Itoa(res.StatusCode))
	return StoredResponse{Headers: headers}
}

// Invalidate marks as expired every currently-fresh variant stored for r,
// then recurses into any Location/Content-Location targets those variants
// name, bounded by a visited-URI set so a chain of redirects pointing back
// at itself terminates instead of recursing forever.
func (s *Store) Invalidate(r *http.Request, fresh Freshness) error {
	visited := make(map[string]bool)
	return s.invalidateURI(r.URL, r.Host, fresh, visited)
}

func (s *Store) invalidateURI(target *url.URL, fallbackHost string, fresh Freshness, visited map[string]bool) error {
	uri := canonicalURL(target, fallbackHost)
	if visited[uri] {
		return nil
	}
	visited[uri] = true

	key := NewMetaKey(uri)
	entry, ok, err := s.metadata.load(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	mutated := false
	var nextURIs []string
	for i := range entry.Variants {
		res := entry.Variants[i].Response.toHTTPResponse()
		if fresh.IsFresh(res) {
			fresh.Expire(res)
			entry.Variants[i].Response.fromHTTPResponse(res)
			mutated = true
		}
		for _, name := range []string{headerLocation, headerContentLoc} {
			for _, v := range entry.Variants[i].Response.Headers.Values(name) {
				nextURIs = append(nextURIs, v)
			}
		}
	}

	if mutated {
		if err := s.metadata.save(key, entry); err != nil {
			return &StorageError{Op: "write-metadata", Path: key, Err: err}
		}
	}

	for _, next := range nextURIs {
		resolved, err := target.Parse(next)
		if err != nil {
			continue
		}
		if err := s.invalidateURI(resolved, fallbackHost, fresh, visited); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes url's metadata entirely, reporting whether a file existed.
// It does not touch entity blobs or locks.
func (s *Store) Purge(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	key := NewMetaKey(canonicalURL(u, ""))
	return s.metadata.remove(key), nil
}

// Lock attempts to acquire the per-URL fill lock for r.
func (s *Store) Lock(r *http.Request) LockResult {
	return s.locks.lock(s.CacheKey(r))
}

// Unlock releases the fill lock for r, reporting whether one existed.
func (s *Store) Unlock(r *http.Request) bool {
	return s.locks.unlock(s.CacheKey(r))
}

// IsLocked reports whether r's fill lock currently exists.
func (s *Store) IsLocked(r *http.Request) bool {
	return s.locks.isLocked(s.CacheKey(r))
}

// IsLockedStale reports whether r's fill lock exists but its owning
// process is no longer running.
func (s *Store) IsLockedStale(r *http.Request) (bool, error) {
	return s.locks.isLockedStale(s.CacheKey(r))
}

// Cleanup releases every lock this Store's process acquired. It does not
// run the sweeper; see Clear.
func (s *Store) Cleanup() {
	s.locks.cleanup()
}

// Stats is a cheap, read-only census of the store's contents: it walks
// the metadata and entity trees counting files rather than maintaining
// live counters, since Store has no other reason to track them
// continuously.
type Stats struct {
	MetadataFiles int
	EntityFiles   int
	LockFiles     int
}

func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, lockSuffix):
			stats.LockFiles++
		case strings.HasPrefix(filepath.Base(path), ".tmp-"):
			// leftover temp file, not yet pruned
		default:
			key, err := s.GetKeyByPath(path)
			if err != nil {
				return nil
			}
			switch {
			case IsMetaKey(key):
				stats.MetadataFiles++
			case IsEntityKey(key):
				stats.EntityFiles++
			}
		}
		return nil
	})
	return stats, err
}
