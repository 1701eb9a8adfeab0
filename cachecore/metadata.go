package cachecore

import (
	"github.com/rs/zerolog/log"
)

// metadataStore maps a cache key to its MetadataEntry, using the same
// atomic write protocol as the entity store.
type metadataStore struct {
	root string
}

func newMetadataStore(root string) *metadataStore {
	return &metadataStore{root: root}
}

// load returns the MetadataEntry for key. A missing file is a soft miss
// (ok=false, err=nil). A corrupt blob is mapped to the same soft miss:
// the caller simply overwrites it on next write.
func (s *metadataStore) load(key string) (entry MetadataEntry, ok bool, err error) {
	path, err := GetPath(s.root, key)
	if err != nil {
		return MetadataEntry{}, false, err
	}
	data, found, err := atomicRead(path)
	if err != nil {
		return MetadataEntry{}, false, err
	}
	if !found {
		return MetadataEntry{}, false, nil
	}
	entry, err = decodeMetadataEntry(data)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("corrupt metadata, treating as miss")
		return MetadataEntry{}, false, nil
	}
	return entry, true, nil
}

// save persists entry under key.
func (s *metadataStore) save(key string, entry MetadataEntry) error {
	path, err := GetPath(s.root, key)
	if err != nil {
		return err
	}
	return atomicWrite(path, encodeMetadataEntry(entry))
}

// remove deletes the metadata file for key, reporting whether one existed.
func (s *metadataStore) remove(key string) bool {
	path, err := GetPath(s.root, key)
	if err != nil {
		return false
	}
	return bestEffortRemove(path)
}
