package cachecore

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ttlFreshness is a minimal Freshness implementation for tests: freshness
// is governed by an "X-Ttl-Seconds" response header, rather than real
// Cache-Control parsing (that concern belongs to the ambient kernel, not
// the core).
type ttlFreshness struct{}

func (ttlFreshness) IsFresh(res *http.Response) bool {
	ttl := res.Header.Get("X-Ttl-Seconds")
	return ttl != "0"
}

func (ttlFreshness) Expire(res *http.Response) {
	res.Header.Set("X-Ttl-Seconds", "0")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func getReq(t *testing.T, target string, headers map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func resp(status int, body string, headers map[string]string) *Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Response{StatusCode: status, Header: h, Body: []byte(body)}
}

// Scenario 1: empty lookup creates no files.
func TestLookupEmptyMiss(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/nothing", nil)
	res, err := s.Lookup(r)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != nil {
		t.Fatalf("expected miss, got %+v", res)
	}
}

// Scenario 2: simple store + lookup round trip (P1).
func TestWriteThenLookupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/test", nil)
	body := "test"
	key, err := s.Write(r, resp(200, body, map[string]string{"Cache-Control": "max-age=420"}))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !IsMetaKey(key) {
		t.Fatalf("key %s is not a metadata key", key)
	}

	digest := NewEntityKey([]byte(body))
	path, _ := s.GetPath(digest)
	data, ok, err := atomicRead(path)
	if err != nil || !ok {
		t.Fatalf("entity file missing at %s: ok=%v err=%v", path, ok, err)
	}
	if string(data) != body {
		t.Fatalf("entity content = %q, want %q", data, body)
	}

	r2 := getReq(t, "http://example.com/test", nil)
	got, err := s.Lookup(r2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("expected hit, got miss")
	}
	if got.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", got.StatusCode)
	}
	if got.Header.Get("X-Content-Digest") != digest {
		t.Fatalf("x-content-digest = %s, want %s", got.Header.Get("X-Content-Digest"), digest)
	}
	if got.Header.Get("X-Body-File") != path {
		t.Fatalf("x-body-file = %s, want %s", got.Header.Get("X-Body-File"), path)
	}
	if string(got.Body) != body {
		t.Fatalf("body = %q, want %q", got.Body, body)
	}
}

// Scenario 3: Vary miss.
func TestVaryMiss(t *testing.T) {
	s := newTestStore(t)
	writeReq := getReq(t, "http://example.com/test", map[string]string{"Foo": "Foo", "Bar": "Bar"})
	if _, err := s.Write(writeReq, resp(200, "test", map[string]string{"Vary": "Foo Bar"})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	missReq := getReq(t, "http://example.com/test", map[string]string{"Foo": "Bling", "Bar": "Bam"})
	got, err := s.Lookup(missReq)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("expected Vary miss, got %+v", got)
	}
}

// HasMetadata distinguishes a Vary mismatch (an entry exists, but none of
// its variants match) from a plain URI miss (no entry at all).
func TestHasMetadataDistinguishesVaryMissFromUriMiss(t *testing.T) {
	s := newTestStore(t)
	writeReq := getReq(t, "http://example.com/test", map[string]string{"Foo": "Foo"})
	if _, err := s.Write(writeReq, resp(200, "test", map[string]string{"Vary": "Foo"})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	varyMissReq := getReq(t, "http://example.com/test", map[string]string{"Foo": "Bling"})
	if got, err := s.Lookup(varyMissReq); err != nil || got != nil {
		t.Fatalf("expected Vary miss: got=%v err=%v", got, err)
	}
	if !s.HasMetadata(varyMissReq) {
		t.Fatal("expected HasMetadata true for a URI with an entry, despite the Vary miss")
	}

	uriMissReq := getReq(t, "http://example.com/never-written", nil)
	if s.HasMetadata(uriMissReq) {
		t.Fatal("expected HasMetadata false for a URI with no entry at all")
	}
}

// Scenario 4: three variants under Vary, each resolving to its own body (P2).
func TestThreeVariants(t *testing.T) {
	s := newTestStore(t)
	pairs := [][2]string{{"1", "one"}, {"2", "two"}, {"3", "three"}}
	for i, p := range pairs {
		r := getReq(t, "http://example.com/test", map[string]string{"Foo": p[0], "Bar": p[1]})
		if _, err := s.Write(r, resp(200, "test "+p[0], map[string]string{"Vary": "Foo Bar"})); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/test", nil)))
	entry, ok, err := s.metadata.load(key)
	if err != nil || !ok {
		t.Fatalf("load metadata: ok=%v err=%v", ok, err)
	}
	if len(entry.Variants) != 3 {
		t.Fatalf("variant count = %d, want 3", len(entry.Variants))
	}

	for _, p := range pairs {
		r := getReq(t, "http://example.com/test", map[string]string{"Foo": p[0], "Bar": p[1]})
		got, err := s.Lookup(r)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if got == nil {
			t.Fatalf("expected hit for pair %v", p)
		}
		if string(got.Body) != "test "+p[0] {
			t.Fatalf("body = %q, want %q", got.Body, "test "+p[0])
		}
	}
}

// Scenario 5: Vary overwrite collapses matching identity (P3).
func TestVaryOverwriteCollapses(t *testing.T) {
	s := newTestStore(t)
	pairs := [][2]string{{"1", "one"}, {"2", "two"}, {"3", "three"}}
	for _, p := range pairs {
		r := getReq(t, "http://example.com/test", map[string]string{"Foo": p[0], "Bar": p[1]})
		if _, err := s.Write(r, resp(200, "test "+p[0], map[string]string{"Vary": "Foo Bar"})); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// fourth write reuses pair 1's identity
	r := getReq(t, "http://example.com/test", map[string]string{"Foo": "1", "Bar": "one"})
	if _, err := s.Write(r, resp(200, "test 3", map[string]string{"Vary": "Foo Bar"})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/test", nil)))
	entry, ok, err := s.metadata.load(key)
	if err != nil || !ok {
		t.Fatalf("load metadata: ok=%v err=%v", ok, err)
	}
	if len(entry.Variants) != 3 {
		t.Fatalf("variant count after overwrite = %d, want 3", len(entry.Variants))
	}
}

// Scenario 6: clear keeps an entry that still has fresh variants, stale
// variant included, and keeps the shared body it references.
func TestClearKeepsEntryWithFreshVariants(t *testing.T) {
	s := newTestStore(t)
	freshReq1 := getReq(t, "http://example.com/a", map[string]string{"Foo": "1"})
	freshReq2 := getReq(t, "http://example.com/a", map[string]string{"Foo": "2"})
	staleReq := getReq(t, "http://example.com/a", map[string]string{"Foo": "3"})

	mustWrite := func(r *http.Request, ttl string) {
		if _, err := s.Write(r, resp(200, "shared-body", map[string]string{"Vary": "Foo", "X-Ttl-Seconds": ttl})); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	mustWrite(freshReq1, "100")
	mustWrite(freshReq2, "100")
	mustWrite(staleReq, "0")

	deleted, err := s.Clear(ttlFreshness{})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 (no metadata file is fully stale)", deleted)
	}

	// the stale variant stays in the metadata list, and the body remains
	// since fresh variants still reference it.
	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/a", nil)))
	entry, ok, err := s.metadata.load(key)
	if err != nil || !ok {
		t.Fatalf("load metadata: ok=%v err=%v", ok, err)
	}
	if len(entry.Variants) != 3 {
		t.Fatalf("clear should not prune individual variants, only whole entries; got %d", len(entry.Variants))
	}
	digest := NewEntityKey([]byte("shared-body"))
	if !s.entities.has(digest) {
		t.Fatal("shared body should be retained (still referenced by fresh variants)")
	}
}

// Scenario 7: clear removes a fully-stale entry and its now-orphan body.
func TestClearOrphanBody(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/orphan", nil)
	if _, err := s.Write(r, resp(200, "will-be-orphaned", map[string]string{"X-Ttl-Seconds": "0"})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deleted, err := s.Clear(ttlFreshness{})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (metadata file + entity blob)", deleted)
	}

	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/orphan", nil)))
	if _, ok, _ := s.metadata.load(key); ok {
		t.Fatal("metadata should be gone")
	}
	digest := NewEntityKey([]byte("will-be-orphaned"))
	if s.entities.has(digest) {
		t.Fatal("entity should be gone")
	}
}

// Scenario 8: lock lifecycle.
func TestLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/locked", nil)

	result := s.Lock(r)
	if !result.Acquired {
		t.Fatalf("expected acquisition, got %+v", result)
	}
	if !s.IsLocked(r) {
		t.Fatal("expected locked")
	}

	second := s.Lock(r)
	if second.Acquired || second.HeldAt == "" {
		t.Fatalf("expected held-elsewhere, got %+v", second)
	}

	if !s.Unlock(r) {
		t.Fatal("expected unlock to report removal")
	}
	if s.IsLocked(r) {
		t.Fatal("expected unlocked")
	}
}

// P4: content dedup across distinct requests.
func TestContentDedup(t *testing.T) {
	s := newTestStore(t)
	body := "shared"
	for i, path := range []string{"/a", "/b", "/c"} {
		r := getReq(t, "http://example.com"+path, nil)
		if _, err := s.Write(r, resp(200, body, nil)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	digest := NewEntityKey([]byte(body))
	path, _ := s.GetPath(digest)
	if _, ok, _ := atomicRead(path); !ok {
		t.Fatal("expected a single entity blob to exist")
	}
}

// P5: purge locality.
func TestPurgeLocality(t *testing.T) {
	s := newTestStore(t)
	r1 := getReq(t, "http://example.com/keep", nil)
	r2 := getReq(t, "http://example.com/gone", nil)
	if _, err := s.Write(r1, resp(200, "keep-body", nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write(r2, resp(200, "gone-body", nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	removed, err := s.Purge("http://example.com/gone")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !removed {
		t.Fatal("expected purge to report removal")
	}

	if got, err := s.Lookup(getReq(t, "http://example.com/gone", nil)); err != nil || got != nil {
		t.Fatalf("purged URL should miss: got=%v err=%v", got, err)
	}
	if got, err := s.Lookup(getReq(t, "http://example.com/keep", nil)); err != nil || got == nil {
		t.Fatalf("unrelated URL should still hit: got=%v err=%v", got, err)
	}
	digest := NewEntityKey([]byte("keep-body"))
	if !s.entities.has(digest) {
		t.Fatal("purge must not touch entity blobs")
	}
}

// P6: invalidate idempotence.
func TestInvalidateIdempotent(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/inv", nil)
	if _, err := s.Write(r, resp(200, "body", map[string]string{"X-Ttl-Seconds": "100"})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Invalidate(getReq(t, "http://example.com/inv", nil), ttlFreshness{}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/inv", nil)))
	after1, _, _ := s.metadata.load(key)

	if err := s.Invalidate(getReq(t, "http://example.com/inv", nil), ttlFreshness{}); err != nil {
		t.Fatalf("Invalidate again: %v", err)
	}
	after2, _, _ := s.metadata.load(key)

	if after1.Variants[0].Response.Headers.Get("X-Ttl-Seconds") != "0" {
		t.Fatal("expected variant to be expired")
	}
	if after1.Variants[0].Response.Headers.Get("X-Ttl-Seconds") != after2.Variants[0].Response.Headers.Get("X-Ttl-Seconds") {
		t.Fatal("second invalidation should be a no-op on already-expired variants")
	}
}

// P7: sweeper safety, every surviving variant's digest still resolves.
func TestSweeperSafety(t *testing.T) {
	s := newTestStore(t)
	for i, ttl := range []string{"100", "0", "100"} {
		r := getReq(t, "http://example.com/x", map[string]string{"Foo": ttl})
		if _, err := s.Write(r, resp(200, "body-"+ttl, map[string]string{"Vary": "Foo", "X-Ttl-Seconds": ttl})); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if _, err := s.Clear(ttlFreshness{}); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/x", nil)))
	entry, ok, err := s.metadata.load(key)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	for _, v := range entry.Variants {
		if !s.entities.has(v.Response.ContentDigest()) {
			t.Fatalf("variant references missing entity %s", v.Response.ContentDigest())
		}
	}
}

// P9: path bijection for real store-generated keys.
func TestStorePathBijection(t *testing.T) {
	s := newTestStore(t)
	key := NewMetaKey("example.com/foo")
	path, err := s.GetPath(key)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	got, err := s.GetKeyByPath(path)
	if err != nil {
		t.Fatalf("GetKeyByPath: %v", err)
	}
	if got != key {
		t.Fatalf("got %s, want %s", got, key)
	}
}

// Dangling entity on lookup: the offending variant is dropped (resolved
// Open Question, option b).
func TestLookupDropsDanglingVariant(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/dangling", nil)
	if _, err := s.Write(r, resp(200, "body", nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	digest := NewEntityKey([]byte("body"))
	s.entities.remove(digest)

	got, err := s.Lookup(getReq(t, "http://example.com/dangling", nil))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatal("expected miss after dangling digest")
	}

	key := NewMetaKey(canonicalURI(getReq(t, "http://example.com/dangling", nil)))
	entry, ok, err := s.metadata.load(key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok && len(entry.Variants) != 0 {
		t.Fatalf("expected dangling variant to be pruned, got %d variants", len(entry.Variants))
	}
}

func TestCleanupReleasesOwnedLocks(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/cleanup", nil)
	if !s.Lock(r).Acquired {
		t.Fatal("expected to acquire lock")
	}
	s.Cleanup()
	if s.IsLocked(r) {
		t.Fatal("expected Cleanup to release owned locks")
	}
}

func TestRecursiveInvalidationViaLocation(t *testing.T) {
	s := newTestStore(t)
	primary := getReq(t, "http://example.com/primary", nil)
	if _, err := s.Write(primary, resp(201, "created", map[string]string{
		"Location":      "/secondary",
		"X-Ttl-Seconds": "100",
	})); err != nil {
		t.Fatalf("Write primary: %v", err)
	}
	secondary := getReq(t, "http://example.com/secondary", nil)
	if _, err := s.Write(secondary, resp(200, "target", map[string]string{"X-Ttl-Seconds": "100"})); err != nil {
		t.Fatalf("Write secondary: %v", err)
	}

	if err := s.Invalidate(getReq(t, "http://example.com/primary", nil), ttlFreshness{}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	secKey := NewMetaKey(canonicalURI(getReq(t, "http://example.com/secondary", nil)))
	entry, ok, err := s.metadata.load(secKey)
	if err != nil || !ok {
		t.Fatalf("load secondary: ok=%v err=%v", ok, err)
	}
	if entry.Variants[0].Response.Headers.Get("X-Ttl-Seconds") != "0" {
		t.Fatal("expected recursive invalidation to expire the Location target")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/stats", nil)
	if _, err := s.Write(r, resp(200, "body", nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Lock(r).Acquired {
		t.Fatal("expected lock acquisition")
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MetadataFiles != 1 || stats.EntityFiles != 1 || stats.LockFiles != 1 {
		t.Fatalf("stats = %+v, want 1 of each", stats)
	}
}

func TestWriteIsVisibleImmediately(t *testing.T) {
	// guards against the Store silently depending on wall-clock state; a
	// freshly opened store has no implicit delay before a write is visible.
	s := newTestStore(t)
	r := getReq(t, "http://example.com/instant", nil)
	start := time.Now()
	if _, err := s.Write(r, resp(200, "body", nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("write should not block")
	}
	if got, err := s.Lookup(getReq(t, "http://example.com/instant", nil)); err != nil || got == nil {
		t.Fatalf("expected immediate visibility: got=%v err=%v", got, err)
	}
}

// P8: a reader racing a writer on the same key observes either the
// pre-write or the post-write variant list, never a partial one. Every
// hit's body must match the content digest its own headers advertise.
func TestConcurrentWriteLookupNeverObservesPartialVariant(t *testing.T) {
	s := newTestStore(t)
	r := getReq(t, "http://example.com/race", nil)
	if _, err := s.Write(r, resp(200, "body-0", nil)); err != nil {
		t.Fatalf("initial Write: %v", err)
	}

	const writes = 200
	const readers = 8

	var wg sync.WaitGroup
	wg.Add(1 + readers)

	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			wr := getReq(t, "http://example.com/race", nil)
			body := fmt.Sprintf("body-%d", i)
			if _, err := s.Write(wr, resp(200, body, nil)); err != nil {
				t.Errorf("concurrent Write %d: %v", i, err)
			}
		}
	}()

	errs := make(chan error, readers*writes)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				got, err := s.Lookup(getReq(t, "http://example.com/race", nil))
				if err != nil {
					errs <- fmt.Errorf("concurrent Lookup: %w", err)
					continue
				}
				if got == nil {
					continue
				}
				digest := got.Header.Get("X-Content-Digest")
				if digest != NewEntityKey(got.Body) {
					errs <- fmt.Errorf("observed partial variant: digest %s does not match body %q", digest, got.Body)
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
