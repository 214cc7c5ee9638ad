//go:build !windows

package daemon

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate asks pid to shut down.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
