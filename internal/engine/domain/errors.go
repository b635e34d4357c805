package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id does not exist in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a patch would violate the job
	// state machine (for example writing to a terminal job)
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotAwaitingApproval is returned when respond() targets a job that
	// is not paused at an approval checkpoint
	ErrNotAwaitingApproval = errors.New("job is not awaiting approval")

	// ErrAlreadyResponded is returned on a second respond() for the same
	// approval checkpoint
	ErrAlreadyResponded = errors.New("approval already responded")

	// ErrTargetProtected is returned when a deploy-type job names a target
	// environment flagged as protected
	ErrTargetProtected = errors.New("target environment is protected")

	// ErrTooManyActiveJobs is returned when the configured active-job limit
	// would be exceeded
	ErrTooManyActiveJobs = errors.New("active job limit reached")

	// ErrUnknownJobType is returned when the requested type has no
	// registered command
	ErrUnknownJobType = errors.New("unknown job type")
)

// SpawnError wraps a failure to start the backing process. The job goes
// straight to failed without ever being observed as running.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// RuntimeExitError records a backing process that exited nonzero.
type RuntimeExitError struct {
	ExitCode int
	LastLine string
}

func (e *RuntimeExitError) Error() string {
	if e.LastLine != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, e.LastLine)
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}
