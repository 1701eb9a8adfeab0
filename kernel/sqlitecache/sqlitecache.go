// Package sqlitecache tracks when each cache key is next due for
// background revalidation. It is bookkeeping alongside the content
// store, not a cache itself: the response bodies and metadata live in
// cachecore.Store, this package only remembers "key X, reachable at
// request URI Y, should be revalidated at time T".
package sqlitecache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// DueStore persists the revalidation schedule so it survives a kernel
// restart instead of resetting to "revalidate everything now".
type DueStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// DueEntry is one key scheduled for revalidation, together with the
// request URI needed to refetch it from the origin.
type DueEntry struct {
	Key string
	URI string
}

// Open opens (creating if needed) a due-schedule database at path. Use
// "file::memory:?cache=shared" for a non-persistent schedule.
func Open(path string) (*DueStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS due (
		key TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		due_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS due_at_idx ON due (due_at)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, err
	}
	return &DueStore{db: db}, nil
}

func (s *DueStore) Close() error {
	return s.db.Close()
}

// Schedule records that key (fetchable at uri) is next due for
// revalidation at dueAt, overwriting any previous schedule for the same
// key.
func (s *DueStore) Schedule(key, uri string, dueAt time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO due (key, uri, due_at) VALUES (?, ?, ?)",
		key, uri, dueAt.Unix(),
	)
	return err
}

// Next returns the entry with the earliest due time, and whether one
// exists.
func (s *DueStore) Next() (entry DueEntry, dueAt time.Time, ok bool, err error) {
	var ts int64
	err = s.db.QueryRow("SELECT key, uri, due_at FROM due ORDER BY due_at ASC LIMIT 1").Scan(&entry.Key, &entry.URI, &ts)
	if err == sql.ErrNoRows {
		return DueEntry{}, time.Time{}, false, nil
	}
	if err != nil {
		return DueEntry{}, time.Time{}, false, err
	}
	return entry, time.Unix(ts, 0), true, nil
}

// Forget removes key's schedule entry, e.g. once it has been revalidated
// or purged.
func (s *DueStore) Forget(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM due WHERE key = ?", key)
	return err
}

// Due returns every entry scheduled at or before horizon.
func (s *DueStore) Due(horizon time.Time) ([]DueEntry, error) {
	rows, err := s.db.Query("SELECT key, uri FROM due WHERE due_at <= ? ORDER BY due_at ASC", horizon.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DueEntry
	for rows.Next() {
		var e DueEntry
		if err := rows.Scan(&e.Key, &e.URI); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
