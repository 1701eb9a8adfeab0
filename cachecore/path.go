package cachecore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

const (
	metaPrefix   = "md"
	entityPrefix = "en"
	keyLength    = 42 // 2-char prefix + 40 hex chars
	lockSuffix   = ".lck"
)

// NewMetaKey returns the metadata cache key for a canonical request URI.
func NewMetaKey(uri string) string {
	sum := sha1.Sum([]byte(uri))
	return metaPrefix + hex.EncodeToString(sum[:])
}

// NewEntityKey returns the content digest (entity key) for a response body.
func NewEntityKey(body []byte) string {
	sum := sha1.Sum(body)
	return entityPrefix + hex.EncodeToString(sum[:])
}

// IsMetaKey reports whether key is a metadata key.
func IsMetaKey(key string) bool {
	return len(key) == keyLength && strings.HasPrefix(key, metaPrefix)
}

// IsEntityKey reports whether key is an entity key.
func IsEntityKey(key string) bool {
	return len(key) == keyLength && strings.HasPrefix(key, entityPrefix)
}

// GetPath maps a cache key to its on-disk path under root: a directory for
// the key's two-character prefix ("md" or "en"), then two levels of 256-way
// hex-pair directories, then the remaining tail.
//
//	root/k[0:2]/k[2:4]/k[4:6]/k[6:]
func GetPath(root, key string) (string, error) {
	if len(key) < 8 {
		return "", fmt.Errorf("cachecore: key %q too short to encode as a path", key)
	}
	return filepath.Join(root, key[0:2], key[2:4], key[4:6], key[6:]), nil
}

// GetKeyByPath is the inverse of GetPath: it reconstructs the cache key
// from a path previously produced by GetPath for the same root.
func GetKeyByPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("cachecore: path %q is not under root %q: %w", path, root, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return "", fmt.Errorf("cachecore: path %q does not decode to a cache key", path)
	}
	return strings.Join(parts, ""), nil
}

// lockPath returns the path of the lock file sibling to key's metadata file.
func lockPath(root, key string) (string, error) {
	p, err := GetPath(root, key)
	if err != nil {
		return "", err
	}
	return p + lockSuffix, nil
}

// canonicalURI returns the form of a request's URI used for the metadata
// cache key: the full request URI including the query string, as-is. Go's
// net/url preserves query string ordering verbatim, so two requests for the
// same resource with the same query string always reduce to the same key.
func canonicalURI(r *http.Request) string {
	return canonicalURL(r.URL, r.Host)
}

// canonicalURL reduces u to the host+path+query form used as the basis of
// a metadata cache key, falling back to fallbackHost when u itself carries
// no host (the common case for an incoming server-side request, whose URL
// is relative and whose host instead lives on http.Request.Host).
func canonicalURL(u *url.URL, fallbackHost string) string {
	host := u.Host
	if host == "" {
		host = fallbackHost
	}
	return host + u.RequestURI()
}
