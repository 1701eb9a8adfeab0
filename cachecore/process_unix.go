//go:build unix

package cachecore

import (
	"os"
	"syscall"
)

// processAlive reports whether a process with the given pid still exists.
// Signal 0 performs no actual signaling, only the existence/permission
// check (see kill(2)).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
