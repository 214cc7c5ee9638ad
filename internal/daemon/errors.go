package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not scheduled.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobBusy is returned when a job is already executing.
	ErrJobBusy = errors.New("job is already running")
	// ErrNotRunning is returned by operations that need a running service.
	ErrNotRunning = errors.New("service is not running")
)

// AlreadyRunningError reports that another instance owns the PID file.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("daemon already running with PID %d", e.PID)
	}
	return "daemon already running"
}

// ServiceError wraps a failed lifecycle operation.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// SchedulerError is recorded against a job whose execution failed.
type SchedulerError struct {
	JobID string
	Err   error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }
