package daemon

import (
	"fmt"
	"os"
	"os/exec"
)

// detachedEnv marks a process started by Daemonize.
const detachedEnv = "NETDIAG_DETACHED"

// Detached reports whether this process was started by Daemonize.
func Detached() bool {
	return os.Getenv(detachedEnv) == "1"
}

// Daemonize re-executes the current binary with args, detached from the
// terminal. The child's stdout and stderr are appended to outFile, or
// discarded when it is empty. It returns the child's PID.
func Daemonize(args []string, outFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Stdin = nil
	configureDetach(cmd)

	if outFile != "" {
		out, err := os.OpenFile(outFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release daemon process: %w", err)
	}
	return pid, nil
}
