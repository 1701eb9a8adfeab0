package cachecore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// atomicWrite writes data to path using a write-to-temp, verify, rename
// protocol: the temp file is written and closed, read back and compared
// byte-for-byte with data, and only then renamed onto path. A mismatch on
// read-back is treated as storage corruption rather than silently
// retrying, since the underlying cause (truncated write, torn disk sector)
// will not generally heal itself.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &StorageError{Op: "create-temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Path: tmpPath, Err: err}
	}

	readBack, err := os.ReadFile(tmpPath)
	if err != nil {
		return &StorageError{Op: "read-back", Path: tmpPath, Err: err}
	}
	if !bytes.Equal(readBack, data) {
		return &StorageError{Op: "verify", Path: tmpPath, Err: fmt.Errorf("read-back did not match written data")}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return &StorageError{Op: "rename", Path: path, Err: err}
	}

	// best-effort chmod; a failure here does not affect correctness
	if err := os.Chmod(path, 0666&^umask()); err != nil {
		log.Trace().Err(err).Str("path", path).Msg("could not chmod stored file")
	}
	return nil
}

// atomicRead reads the file at path. It returns ok=false (no error) if the
// file does not exist, matching the store's soft-miss contract.
func atomicRead(path string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// bestEffortRemove deletes path and reports whether a file was actually
// removed. Missing files are not an error.
func bestEffortRemove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		log.Trace().Err(err).Str("path", path).Msg("best-effort delete failed")
	}
	return false
}

// pruneTempFiles removes leftover .tmp-* files under root. A write that was
// interrupted before rename leaves at most a temp file; the sweeper does
// not collect these, so callers should prune on startup.
func pruneTempFiles(root string) int {
	removed := 0
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if matched, _ := filepath.Match(".tmp-*", filepath.Base(path)); matched {
			if bestEffortRemove(path) {
				removed++
			}
		}
		return nil
	})
	return removed
}

// umask returns the process umask without mutating it: Go offers no
// portable read-only accessor, so this swaps it out and immediately back.
func umask() os.FileMode {
	old := setUmask(0)
	setUmask(int(old))
	return os.FileMode(old)
}
