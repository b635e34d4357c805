package domain

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one tracked unit of supervised work: an external process (or a
// diff/apply pair of processes) running against a named target.
type Job struct {
	ID         string
	Type       string
	Target     string
	Status     Status
	Progress   int
	Output     []string
	DiffOutput []string
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	// CompletedAt is set exactly when Status becomes terminal.
	CompletedAt *time.Time
}

// Clone returns a deep copy so readers never alias the owner's slices.
func (j *Job) Clone() *Job {
	c := *j
	c.Output = append([]string(nil), j.Output...)
	c.DiffOutput = append([]string(nil), j.DiffOutput...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
