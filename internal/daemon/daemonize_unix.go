//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// CanDaemonize reports whether Daemonize can detach from the terminal.
const CanDaemonize = true

// configureDetach starts the child in a new session, away from the
// controlling terminal.
func configureDetach(cmd *exec.Cmd) {
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
