package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ndquoc/devrunner/internal/engine/approval"
	"github.com/ndquoc/devrunner/internal/engine/broadcast"
	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/internal/engine/store"
	"github.com/ndquoc/devrunner/internal/engine/supervise"
)

// Archiver persists terminal job records. Optional: a nil Archiver disables
// archiving.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *domain.Job) error
}

// Notifier publishes job lifecycle transitions to interested parties outside
// the engine. Optional: a nil Notifier disables publishing.
type Notifier interface {
	JobTransitioned(job *domain.Job)
}

// Config holds everything the controller binds together.
type Config struct {
	Store       *store.Store
	Broadcaster *broadcast.Broadcaster
	Supervisor  *supervise.Supervisor
	Gate        *approval.Gate
	Registry    Registry

	// ProtectedTargets lists target environments that approval-gated job
	// types must not be started against.
	ProtectedTargets []string

	// MaxActiveJobs caps concurrently active jobs. Zero means unlimited.
	MaxActiveJobs int

	Archiver Archiver
	Notifier Notifier
	Logger   *slog.Logger
}

// Controller is the façade through which external collaborators reach the
// engine. It validates job-type preconditions, binds the store, supervisor,
// broadcaster and approval gate, and routes control signals to each job's
// owning runner. It holds no mutable job state of its own.
type Controller struct {
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	supervisor  *supervise.Supervisor
	gate        *approval.Gate
	registry    Registry
	protected   map[string]bool
	maxActive   int
	archiver    Archiver
	notifier    Notifier
	logger      *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// NewController creates the engine façade.
func NewController(cfg Config) *Controller {
	protected := make(map[string]bool, len(cfg.ProtectedTargets))
	for _, t := range cfg.ProtectedTargets {
		protected[t] = true
	}

	return &Controller{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		supervisor:  cfg.Supervisor,
		gate:        cfg.Gate,
		registry:    cfg.Registry,
		protected:   protected,
		maxActive:   cfg.MaxActiveJobs,
		archiver:    cfg.Archiver,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		runners:     make(map[string]*runner),
	}
}

// Create validates preconditions, allocates a pending job and hands it to a
// runner goroutine that owns it until a terminal status.
func (c *Controller) Create(jobType, target string) (*domain.Job, error) {
	spec, err := c.registry.Resolve(jobType)
	if err != nil {
		return nil, err
	}

	if spec.RequiresApproval() && c.protected[target] {
		c.logger.Warn("Refusing job against protected target",
			slog.String("job_type", jobType),
			slog.String("target", target),
		)
		return nil, domain.ErrTargetProtected
	}

	c.mu.Lock()
	if c.maxActive > 0 && c.store.ActiveCount() >= c.maxActive {
		c.mu.Unlock()
		return nil, domain.ErrTooManyActiveJobs
	}

	job := c.store.Create(jobType, target)
	c.broadcaster.Register(job.ID)

	r := newRunner(c, job.ID, target, spec)
	c.runners[job.ID] = r
	c.mu.Unlock()

	c.notify(job)

	go r.run()

	return job, nil
}

// Get returns a snapshot of the job.
func (c *Controller) Get(id string) (*domain.Job, error) {
	return c.store.Get(id)
}

// List returns snapshots of all jobs, optionally only non-terminal ones.
func (c *Controller) List(activeOnly bool) []*domain.Job {
	return c.store.List(activeOnly)
}

// Subscribe returns the job's live output stream with full history replay.
func (c *Controller) Subscribe(ctx context.Context, id string) (<-chan broadcast.Event, error) {
	return c.broadcaster.Subscribe(ctx, id)
}

// Cancel requests cancellation of the job. Idempotent: cancelling a job that
// already reached a terminal status is a no-op.
func (c *Controller) Cancel(id string) error {
	job, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	c.mu.Lock()
	r := c.runners[id]
	c.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	return nil
}

// Respond settles the job's open approval checkpoint. The decision is only
// accepted while the job is observably awaiting_approval, so a respond racing
// the runner's own transitions cannot land on a job that already settled.
func (c *Controller) Respond(id string, approved bool) error {
	job, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusAwaitingApproval {
		return domain.ErrNotAwaitingApproval
	}
	return c.gate.Respond(id, approved)
}

// Clear force-cancels every non-terminal job, waits for them to settle and
// removes all records. Subsequent reads of cleared ids report not-found.
func (c *Controller) Clear(ctx context.Context) error {
	if err := c.Shutdown(ctx); err != nil {
		return err
	}

	dropped := c.store.Drain()
	for _, job := range dropped {
		c.broadcaster.Drop(job.ID)
	}

	c.logger.Info("All jobs cleared",
		slog.Int("count", len(dropped)),
	)
	return nil
}

// Shutdown cancels all running work on service stop without dropping
// records.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	active := make([]*runner, 0, len(c.runners))
	for _, r := range c.runners {
		active = append(active, r)
	}
	c.mu.Unlock()

	for _, r := range active {
		r.cancel()
	}
	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) notify(job *domain.Job) {
	if c.notifier != nil {
		c.notifier.JobTransitioned(job)
	}
}

// finalize is the single exit path every runner funnels through: the store
// transition, the broadcaster's terminal event, archiving and notification
// happen here exactly once per job.
func (c *Controller) finalize(id string, status domain.Status, errMsg string) {
	// The runner entry goes away on every exit route, even when the record
	// was already drained by a concurrent clear.
	c.mu.Lock()
	delete(c.runners, id)
	c.mu.Unlock()

	if err := c.store.MarkTerminal(id, status, errMsg); err != nil {
		c.logger.Error("Failed to finalize job",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}

	c.broadcaster.Close(id, status)

	job, err := c.store.Get(id)
	if err != nil {
		return
	}

	c.notify(job)

	if c.archiver != nil {
		if err := c.archiver.ArchiveJob(context.Background(), job); err != nil {
			c.logger.Warn("Failed to archive terminal job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}
