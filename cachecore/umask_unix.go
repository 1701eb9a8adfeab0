//go:build unix

package cachecore

import "syscall"

func setUmask(mask int) int {
	return syscall.Umask(mask)
}
