package cachecore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LockResult is the outcome of a Lock call.
type LockResult struct {
	// Acquired is true if this call created the lock.
	Acquired bool
	// HeldAt is the lock file's path when the lock is held elsewhere
	// (Acquired is false and Failed is false).
	HeldAt string
	// Failed is true if lock creation failed for a reason other than the
	// lock already existing (e.g. the directory could not be created).
	Failed bool
	Err    error
}

// lockToken is the payload written into a lock file: enough to let a
// different process judge whether the owner is still alive.
type lockToken struct {
	Token     string
	PID       int
	StartedAt time.Time
}

// lockRegistry is the per-key advisory lock registry behind
// Lock/Unlock/IsLocked. Locks are exclusive-create sentinel files; the
// registry also tracks which locks this process owns, so Cleanup can
// release them all on shutdown.
type lockRegistry struct {
	root string

	mu    sync.Mutex
	owned map[string]struct{} // path -> owned
}

func newLockRegistry(root string) *lockRegistry {
	return &lockRegistry{
		root:  root,
		owned: make(map[string]struct{}),
	}
}

// lock attempts to acquire the lock for key by exclusively creating its
// .lck sibling file. The store itself never waits for a contended lock;
// callers decide whether to poll, wait, or serve stale.
func (l *lockRegistry) lock(key string) LockResult {
	path, err := lockPath(l.root, key)
	if err != nil {
		return LockResult{Failed: true, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return LockResult{Failed: true, Err: err}
	}

	payload, err := encodeLockToken(lockToken{
		Token:     uuid.NewString(),
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	})
	if err != nil {
		return LockResult{Failed: true, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return LockResult{HeldAt: path}
		}
		return LockResult{Failed: true, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		log.Trace().Err(err).Str("path", path).Msg("could not write lock token")
	}

	l.mu.Lock()
	l.owned[path] = struct{}{}
	l.mu.Unlock()

	return LockResult{Acquired: true}
}

// unlock removes the lock for key, reporting whether a file was removed.
func (l *lockRegistry) unlock(key string) bool {
	path, err := lockPath(l.root, key)
	if err != nil {
		return false
	}
	removed := bestEffortRemove(path)
	l.mu.Lock()
	delete(l.owned, path)
	l.mu.Unlock()
	return removed
}

// isLocked reports whether key's lock file currently exists.
func (l *lockRegistry) isLocked(key string) bool {
	path, err := lockPath(l.root, key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// isLockedStale reports whether key's lock file exists but was written by
// a process that is no longer running (best-effort liveness check via
// os.FindProcess/Signal, which on POSIX systems merely checks existence).
// This is an opt-in extension beyond the base isLocked existence check,
// letting a different process reap a lock left behind by a crash.
func (l *lockRegistry) isLockedStale(key string) (bool, error) {
	path, err := lockPath(l.root, key)
	if err != nil {
		return false, err
	}
	data, ok, err := atomicRead(path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	tok, err := decodeLockToken(data)
	if err != nil {
		// unreadable lock payload: cannot tell, assume live
		return false, nil
	}
	return !processAlive(tok.PID), nil
}

// cleanup releases every lock this process owns. Best-effort: failures to
// remove a given lock file are logged and otherwise ignored.
func (l *lockRegistry) cleanup() {
	l.mu.Lock()
	paths := make([]string, 0, len(l.owned))
	for p := range l.owned {
		paths = append(paths, p)
	}
	l.owned = make(map[string]struct{})
	l.mu.Unlock()

	for _, p := range paths {
		bestEffortRemove(p)
	}
}

func encodeLockToken(t lockToken) ([]byte, error) {
	return []byte(fmt.Sprintf("token=%s\npid=%d\nstarted_at=%s\n", t.Token, t.PID, t.StartedAt.Format(time.RFC3339Nano))), nil
}

func decodeLockToken(data []byte) (lockToken, error) {
	var t lockToken
	lines := splitLines(data)
	for _, line := range lines {
		key, val, found := cutOnce(line, "=")
		if !found {
			continue
		}
		switch key {
		case "token":
			t.Token = val
		case "pid":
			fmt.Sscanf(val, "%d", &t.PID)
		case "started_at":
			if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
				t.StartedAt = ts
			}
		}
	}
	if t.Token == "" {
		return t, fmt.Errorf("cachecore: unreadable lock token")
	}
	return t, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func cutOnce(s, sep string) (before, after string, found bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}
