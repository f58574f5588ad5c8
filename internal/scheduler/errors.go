package scheduler

import "errors"

var (
	// ErrBlocked means the owning user is on the configured blocklist.
	// Never retried; no tracker entry, no executor call, no run record.
	ErrBlocked = errors.New("user is blocked")

	// ErrAlreadyRunning means the profile already has an execution in
	// flight. The caller may retry later; the core never queues.
	ErrAlreadyRunning = errors.New("profile run already in progress")

	// ErrExecutionFailed wraps a test executor failure or timeout.
	ErrExecutionFailed = errors.New("test execution failed")

	// ErrPersistenceFailed wraps a store write failure after the run
	// finished. The tracker entry is still released; the outcome may be
	// lost, and the next due tick re-attempts naturally.
	ErrPersistenceFailed = errors.New("run result persistence failed")

	// ErrStopped means the scheduler is shutting down and admitted no work.
	ErrStopped = errors.New("scheduler stopped")
)
