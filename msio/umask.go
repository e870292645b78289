//go:build !windows

package msio

import (
	"syscall"
)

// applyUmask sets the process umask and returns a function restoring the
// previous value. The store is single-threaded per mailbox, matching the
// process-wide nature of umask.
func applyUmask(mask int) func() {
	old := syscall.Umask(mask)
	return func() {
		syscall.Umask(old)
	}
}
