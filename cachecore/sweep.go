package cachecore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxWalkDepth = 5

// Clear runs a two-phase sweep: it deletes fully-stale metadata entries
// and then orphaned entity blobs, using fresh to judge each variant. It
// returns the total number of files deleted (metadata files plus orphan
// entities). A body is an orphan when no fresh variant and no variant of a
// surviving metadata entry references it.
//
// Clear is a manual operation; Store owns no background goroutine that
// calls it.
func (s *Store) Clear(fresh Freshness) (int, error) {
	metaRoot := filepath.Join(s.root, metaPrefix)
	referenced := make(map[string]bool)
	deleted := 0

	err := filepath.Walk(metaRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, lockSuffix) {
			return nil
		}
		if depthBeyond(s.root, path) >= maxWalkDepth {
			return nil
		}

		key, err := s.GetKeyByPath(path)
		if err != nil || !IsMetaKey(key) {
			log.Trace().Err(err).Str("path", path).Msg("sweeper: path does not decode to a metadata key, skipping")
			return nil
		}

		data, ok, err := atomicRead(path)
		if err != nil || !ok {
			return nil
		}
		entry, err := decodeMetadataEntry(data)
		if err != nil {
			// corrupt metadata is policy-equivalent to empty; nothing to
			// sweep here, and nothing references its (nonexistent) body.
			return nil
		}

		allStale := true
		for _, v := range entry.Variants {
			digest := v.Response.ContentDigest()
			isFresh := s.variantIsFresh(fresh, v, digest)
			referenced[digest] = referenced[digest] || isFresh
			if isFresh {
				allStale = false
			}
		}

		if allStale {
			if s.metadata.remove(key) {
				deleted++
			}
			if lp, err := lockPath(s.root, key); err == nil {
				bestEffortRemove(lp)
			}
		} else {
			// the entry survives, stale variants included, so every body
			// it references must survive too
			for _, v := range entry.Variants {
				referenced[v.Response.ContentDigest()] = true
			}
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	for digest, needed := range referenced {
		if needed {
			continue
		}
		if s.entities.remove(digest) {
			deleted++
		}
	}

	return deleted, nil
}

// variantIsFresh judges a variant's freshness, treating a missing body as
// conservatively stale: it cannot be served anyway.
func (s *Store) variantIsFresh(fresh Freshness, v Variant, digest string) bool {
	if !s.entities.has(digest) {
		return false
	}
	return fresh.IsFresh(v.Response.toHTTPResponse())
}

// depthBeyond returns how many path components path has beyond root.
func depthBeyond(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}
