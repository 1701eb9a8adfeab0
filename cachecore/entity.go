package cachecore

import (
	"github.com/rs/zerolog/log"
)

// entityStore is the content-addressed body blob store.
// Keys are content digests ("en" + sha1(body)); writes are write-once by
// construction, since two writers racing on the same content race to
// write identical bytes and the later rename simply wins.
type entityStore struct {
	root string
}

func newEntityStore(root string) *entityStore {
	return &entityStore{root: root}
}

// save persists body under key, its content digest. If an
// entity already exists at that key, the write is a harmless no-op aside
// from repeating the atomic-write-verify round trip (I4).
func (s *entityStore) save(key string, body []byte) error {
	path, err := GetPath(s.root, key)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, body); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("entity store write failed")
		return err
	}
	return nil
}

// load returns the body for key, or ok=false if no such entity exists.
func (s *entityStore) load(key string) ([]byte, bool, error) {
	path, err := GetPath(s.root, key)
	if err != nil {
		return nil, false, err
	}
	return atomicRead(path)
}

// has reports whether an entity exists for key, without reading its body.
func (s *entityStore) has(key string) bool {
	path, err := GetPath(s.root, key)
	if err != nil {
		return false
	}
	_, ok, _ := atomicRead(path)
	return ok
}

// remove deletes the entity at key, reporting whether a file was removed.
func (s *entityStore) remove(key string) bool {
	path, err := GetPath(s.root, key)
	if err != nil {
		return false
	}
	return bestEffortRemove(path)
}
