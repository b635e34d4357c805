package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndquoc/devrunner/internal/engine/domain"
)

// validNext maps each non-terminal status to the statuses a job may move to.
// Terminal statuses have no entry: nothing leaves them.
var validNext = map[domain.Status][]domain.Status{
	domain.StatusPending: {
		domain.StatusRunning,
		domain.StatusFailed,
		domain.StatusCancelled,
	},
	domain.StatusRunning: {
		domain.StatusAwaitingApproval,
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusCancelled,
	},
	domain.StatusAwaitingApproval: {
		domain.StatusRunning,
		domain.StatusCancelled,
	},
}

func transitionAllowed(from, to domain.Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store is the authoritative in-memory registry of job records. One mutex
// guards the whole map so status, progress and output always change as a
// single atomic unit; readers only ever see consistent snapshots.
//
// Mutating methods are reserved for the goroutine that owns the job (its
// runner); everything else goes through Get/List or routes a control signal
// back to the owner.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	logger *slog.Logger
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*domain.Job),
		logger: logger,
	}
}

// Create allocates a pending job and returns a snapshot of it.
func (s *Store) Create(jobType, target string) *domain.Job {
	job := &domain.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Target:    target,
		Status:    domain.StatusPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.String("target", target),
	)

	return job.Clone()
}

// Get returns a snapshot of the job or domain.ErrJobNotFound.
func (s *Store) Get(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs, newest first. With activeOnly set,
// terminal jobs are filtered out.
func (s *Store) List(activeOnly bool) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if activeOnly && job.Status.IsTerminal() {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out
}

// ActiveCount reports how many jobs are in a non-terminal status.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// MarkRunning transitions the job to running and stamps StartedAt on the
// first run (the approval resume keeps the original timestamp).
func (s *Store) MarkRunning(id string) error {
	return s.mutate(id, func(job *domain.Job) error {
		if err := s.checkTransition(job, domain.StatusRunning); err != nil {
			return err
		}
		job.Status = domain.StatusRunning
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		return nil
	})
}

// AppendLine appends one captured output line. Terminal jobs reject appends
// so output never changes after completion.
func (s *Store) AppendLine(id, line string) error {
	return s.mutate(id, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return fmt.Errorf("append to %s job: %w", job.Status, domain.ErrInvalidTransition)
		}
		job.Output = append(job.Output, line)
		return nil
	})
}

// SetProgress updates progress, clamped to 0..100 and monotonically
// non-decreasing within a run.
func (s *Store) SetProgress(id string, progress int) error {
	return s.mutate(id, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return fmt.Errorf("progress on %s job: %w", job.Status, domain.ErrInvalidTransition)
		}
		if progress > 100 {
			progress = 100
		}
		if progress > job.Progress {
			job.Progress = progress
		}
		return nil
	})
}

// MarkAwaitingApproval captures the diff snapshot and pauses the job at the
// approval checkpoint.
func (s *Store) MarkAwaitingApproval(id string, diff []string) error {
	return s.mutate(id, func(job *domain.Job) error {
		if err := s.checkTransition(job, domain.StatusAwaitingApproval); err != nil {
			return err
		}
		job.Status = domain.StatusAwaitingApproval
		job.DiffOutput = append([]string(nil), diff...)
		return nil
	})
}

// MarkTerminal moves the job to a terminal status and stamps CompletedAt.
// errMsg is recorded for failed jobs and as the cancellation reason.
func (s *Store) MarkTerminal(id string, status domain.Status, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%s is not terminal: %w", status, domain.ErrInvalidTransition)
	}

	err := s.mutate(id, func(job *domain.Job) error {
		if err := s.checkTransition(job, status); err != nil {
			return err
		}
		job.Status = status
		job.Error = errMsg
		now := time.Now()
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job reached terminal status",
		slog.String("job_id", id),
		slog.String("status", string(status)),
	)
	return nil
}

// Drain removes every record and returns their final snapshots, for clear()
// to archive. Callers must have settled all jobs to terminal first.
func (s *Store) Drain() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		out = append(out, job.Clone())
		delete(s.jobs, id)
	}
	return out
}

func (s *Store) checkTransition(job *domain.Job, to domain.Status) error {
	if !transitionAllowed(job.Status, to) {
		return fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) mutate(id string, fn func(*domain.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	return fn(job)
}
