package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/user/netdiag/internal/util"
)

// PIDFile guards single-instance startup.
type PIDFile struct {
	Path string
}

// Read returns the recorded PID. A missing file yields os.ErrNotExist.
func (p PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", p.Path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Write records pid atomically: a temp file in the same directory is
// renamed over the target.
func (p PIDFile) Write(pid int) error {
	dir := filepath.Dir(p.Path)
	if err := util.EnsureDir(dir); err != nil {
		return fmt.Errorf("failed to create PID dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create PID temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close PID temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		util.Debug("chmod PID file: %v", err)
	}
	if err := os.Rename(tmpName, p.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to install PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file. A missing file is not an error.
func (p PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Check reports whether another live instance owns the file. The file is
// stale, and removed, when it is unreadable, names this process, names a
// dead process, or names a live process for which answers returns false.
// answers may be nil.
func (p PIDFile) Check(answers func() bool) (pid int, running bool, err error) {
	pid, err = p.Read()
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		util.Warn("Removing unreadable PID file: %v", err)
		return 0, false, p.Remove()
	}

	switch {
	case pid == os.Getpid():
		util.Debug("PID file %s names this process", p.Path)
	case !processAlive(pid):
		util.Info("Removing stale PID file for dead process %d", pid)
	case answers != nil && !answers():
		util.Warn("Process %d is alive but not answering on the control socket, treating PID file as stale", pid)
	default:
		return pid, true, nil
	}
	return pid, false, p.Remove()
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}
