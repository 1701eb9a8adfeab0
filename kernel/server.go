package kernel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/cachecore/cachecore"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/cachecore/kernel/sqlitecache"
)

// Kernel is a demo reverse-caching HTTP server built on top of Store: it
// proxies requests to an origin, decides freshness with a
// CacheControlFreshness, and exposes administrative endpoints for purge,
// invalidate, and lock inspection. It exists to exercise the store end to
// end; a production deployment would likely embed Store directly instead.
type Kernel struct {
	store  *cachecore.Store
	fresh  cachecore.Freshness
	rules  Rules
	due    *sqlitecache.DueStore
	cfg    Config
	client http.Client
	origin *url.URL
}

func New(cfg Config) (*Kernel, error) {
	store, err := cachecore.Open(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	due, err := sqlitecache.Open(cfg.StoreDir + "/due.db")
	if err != nil {
		return nil, fmt.Errorf("opening revalidation schedule: %w", err)
	}
	return &Kernel{
		store:  store,
		fresh:  CacheControlFreshness{DefaultTTL: cfg.DefaultTTL},
		rules:  cfg.Rules,
		due:    due,
		cfg:    cfg,
		origin: origin,
		client: http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Router builds the chi mux: a catch-all proxy handler plus the admin API.
func (k *Kernel) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/.cachecore", func(sub chi.Router) {
		sub.Post("/purge", k.handlePurge)
		sub.Post("/invalidate", k.handleInvalidate)
		sub.Post("/clear", k.handleClear)
		sub.Get("/locked", k.handleLocked)
		sub.Get("/stats", k.handleStats)
	})
	r.HandleFunc("/*", k.handleProxy)
	return r
}

func (k *Kernel) handleProxy(w http.ResponseWriter, r *http.Request) {
	var status CacheStatus

	if r.Method != http.MethodGet {
		status.Forward(FwdReasonMethod)
	} else {
		result, err := k.store.Lookup(r)
		if err != nil {
			log.Warn().Err(err).Msg("lookup failed")
		}
		if result != nil && k.fresh.IsFresh(lookupResultToHTTPResponse(result)) {
			status.Hit()
			k.send(w, status, result.StatusCode, stripInternalHeaders(result.Header), result.Body)
			return
		}
		switch {
		case result != nil:
			status.Forward(FwdReasonStale)
		case k.store.HasMetadata(r):
			status.Forward(FwdReasonVaryMiss)
		default:
			status.Forward(FwdReasonUriMiss)
		}
	}

	res, err := k.fetch(r)
	if err != nil {
		http.Error(w, "could not reach origin", http.StatusBadGateway)
		log.Error().Err(err).Msg("fetch from origin failed")
		return
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		http.Error(w, "error reading origin response", http.StatusBadGateway)
		return
	}

	k.rules.Apply(r, res)

	cacheResp := &cachecore.Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}
	if r.Method == http.MethodGet && res.StatusCode < 500 {
		if _, err := k.store.Write(r, cacheResp); err != nil {
			log.Warn().Err(err).Msg("could not write response to store")
		} else {
			status.Stored()
			k.scheduleRevalidation(r, res)
		}
	}
	if isUnsafe(r.Method) {
		if err := k.store.Invalidate(r, k.fresh); err != nil {
			log.Warn().Err(err).Msg("invalidate after unsafe request failed")
		}
	}

	k.send(w, status, res.StatusCode, res.Header, body)
}

func (k *Kernel) send(w http.ResponseWriter, status CacheStatus, code int, header http.Header, body []byte) {
	for name, values := range header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Cache-Status", status.String())
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		log.Warn().Err(err).Msg("error writing response to client")
	}
}

func (k *Kernel) fetch(r *http.Request) (*http.Response, error) {
	target := *k.origin
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if k.cfg.OriginHost != "" {
		req.Host = k.cfg.OriginHost
	}
	req.Header.Del("Connection")

	res, err := k.client.Do(req)
	if err == nil && res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, err
}

func (k *Kernel) scheduleRevalidation(r *http.Request, res *http.Response) {
	if k.cfg.UpdateTimeout == 0 {
		return
	}
	lifetime, ok := CacheControlFreshness{DefaultTTL: k.cfg.DefaultTTL}.lifetime(res, parseCacheControl(res.Header.Get("Cache-Control")))
	if !ok {
		return
	}
	key := k.store.CacheKey(r)
	uri := k.store.CanonicalURI(r)
	due := time.Now().Add(lifetime - k.cfg.UpdateTimeout)
	if err := k.due.Schedule(key, uri, due); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not schedule revalidation")
	}
}

// RunUpdater polls the revalidation schedule and refetches due keys from
// the origin until ctx is cancelled, rewriting the store on success and
// rescheduling the next revalidation for that key.
func (k *Kernel) RunUpdater(ctx context.Context) {
	if k.cfg.UpdateTimeout == 0 {
		return
	}
	ticker := time.NewTicker(k.cfg.UpdateTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := k.due.Due(time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("could not read revalidation schedule")
				continue
			}
			for _, entry := range due {
				k.revalidate(ctx, entry)
			}
		}
	}
}

// revalidate refetches entry's URI from the origin and, on success,
// rewrites the store and reschedules the key's next revalidation. On any
// failure it drops the schedule entry rather than retrying every tick.
func (k *Kernel) revalidate(ctx context.Context, entry sqlitecache.DueEntry) {
	target, err := url.Parse("http://" + entry.URI)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("could not parse scheduled revalidation uri")
		k.forgetDue(entry.Key)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("could not build revalidation request")
		k.forgetDue(entry.Key)
		return
	}

	res, err := k.fetch(req)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("revalidation fetch failed")
		k.forgetDue(entry.Key)
		return
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("could not read revalidation response body")
		k.forgetDue(entry.Key)
		return
	}
	if res.StatusCode >= 500 {
		k.forgetDue(entry.Key)
		return
	}

	cacheResp := &cachecore.Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}
	if _, err := k.store.Write(req, cacheResp); err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("could not persist revalidated response")
		k.forgetDue(entry.Key)
		return
	}
	log.Debug().Str("key", entry.Key).Msg("revalidated")
	k.scheduleRevalidation(req, res)
}

func (k *Kernel) forgetDue(key string) {
	if err := k.due.Forget(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not clear revalidation schedule entry")
	}
}

func (k *Kernel) Close() error {
	return k.due.Close()
}

func (k *Kernel) handlePurge(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	removed, err := k.store.Purge(target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeBool(w, removed)
}

func (k *Kernel) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := k.store.Invalidate(req, k.fresh); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (k *Kernel) handleClear(w http.ResponseWriter, r *http.Request) {
	deleted, err := k.store.Clear(k.fresh)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%d\n", deleted)
}

func (k *Kernel) handleLocked(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeBool(w, k.store.IsLocked(req))
}

func (k *Kernel) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := k.store.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "metadata=%d entities=%d locks=%d\n", stats.MetadataFiles, stats.EntityFiles, stats.LockFiles)
}

func writeBool(w http.ResponseWriter, v bool) {
	if v {
		fmt.Fprintln(w, "true")
	} else {
		fmt.Fprintln(w, "false")
	}
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

func lookupResultToHTTPResponse(r *cachecore.LookupResult) *http.Response {
	return &http.Response{StatusCode: r.StatusCode, Header: r.Header, Body: http.NoBody}
}

func stripInternalHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Del("X-Content-Digest")
	out.Del("X-Body-File")
	return out
}

// SetLogLevel sets the global logger's level: trace when trace is true,
// info otherwise.
func SetLogLevel(trace bool) {
	level := zerolog.InfoLevel
	if trace {
		level = zerolog.TraceLevel
	}
	log.Logger = log.Logger.Level(level)
}
