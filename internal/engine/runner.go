package engine

import (
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/internal/engine/supervise"
)

// progressPattern matches the line convention backing processes use to
// report progress, e.g. "progress: 42".
var progressPattern = regexp.MustCompile(`(?i)^progress:\s*(\d{1,3})$`)

// runner is the single owner of one job's mutable state. All store writes
// for the job happen on this goroutine; cancel and respond arrive as signals.
type runner struct {
	c      *Controller
	jobID  string
	target string
	spec   JobType

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newRunner(c *Controller, jobID, target string, spec JobType) *runner {
	return &runner{
		c:        c,
		jobID:    jobID,
		target:   target,
		spec:     spec,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// cancel signals the runner. Safe to call any number of times.
func (r *runner) cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
	})
}

func (r *runner) run() {
	defer close(r.done)

	// Cancelled before anything was spawned: settle straight from pending.
	select {
	case <-r.cancelCh:
		r.c.finalize(r.jobID, domain.StatusCancelled, "cancelled")
		return
	default:
	}

	markOnSpawn := true
	if r.spec.RequiresApproval() {
		if !r.runDiffAndAwaitDecision() {
			return
		}
		// The approve decision already moved the job back to running.
		markOnSpawn = false
	}

	res := r.runPhase(expandCommand(r.spec.Command, r.spec.WorkDir, r.target), false, markOnSpawn)
	switch {
	case res.cancelled:
		r.c.finalize(r.jobID, domain.StatusCancelled, "cancelled")
	case res.err != nil:
		r.c.finalize(r.jobID, domain.StatusFailed, res.err.Error())
	default:
		r.c.finalize(r.jobID, domain.StatusCompleted, "")
	}
}

// runDiffAndAwaitDecision runs the preview phase and suspends at the
// approval checkpoint. It returns true only when the job was approved and
// should proceed to the apply phase; every other outcome is finalized here.
func (r *runner) runDiffAndAwaitDecision() bool {
	res := r.runPhase(expandCommand(r.spec.DiffCommand, r.spec.WorkDir, r.target), true, true)
	switch {
	case res.cancelled:
		r.c.finalize(r.jobID, domain.StatusCancelled, "cancelled")
		return false
	case res.err != nil:
		r.c.finalize(r.jobID, domain.StatusFailed, res.err.Error())
		return false
	}

	// The checkpoint must exist before the job is observable as
	// awaiting_approval, so a respond racing the transition never misses it.
	decision := r.c.gate.Open(r.jobID)
	defer r.c.gate.Close(r.jobID)

	if err := r.c.store.MarkAwaitingApproval(r.jobID, res.diff); err != nil {
		r.c.logger.Error("Failed to pause job for approval",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
		r.c.finalize(r.jobID, domain.StatusFailed, err.Error())
		return false
	}
	r.notifySnapshot()

	var approved bool
	select {
	case approved = <-decision:
	case <-r.cancelCh:
		r.c.finalize(r.jobID, domain.StatusCancelled, "cancelled")
		return false
	}

	if !approved {
		r.c.finalize(r.jobID, domain.StatusCancelled, "approval rejected")
		return false
	}

	r.markRunning()
	return true
}

type phaseResult struct {
	diff      []string
	err       error
	cancelled bool
}

// runPhase spawns one backing process and pumps its output into the store
// and the broadcaster as lines arrive. With markOnSpawn the job only becomes
// running once the spawn succeeded, so a spawn failure is never observable as
// a running job. On cancellation it stops the process group in the background
// and keeps draining the pipes without appending, so the captured output ends
// exactly where the cancel landed.
func (r *runner) runPhase(cmd supervise.Command, captureDiff, markOnSpawn bool) phaseResult {
	handle, err := r.c.supervisor.Spawn(cmd)
	if err != nil {
		return phaseResult{err: err}
	}
	if markOnSpawn {
		r.markRunning()
	}

	var res phaseResult
	var lastLine string
	cancelCh := r.cancelCh

	for {
		select {
		case line, ok := <-handle.Lines():
			if !ok {
				waitErr := handle.Wait()
				if res.cancelled {
					return res
				}
				if waitErr != nil {
					var exitErr *domain.RuntimeExitError
					if errors.As(waitErr, &exitErr) {
						exitErr.LastLine = lastLine
					}
					res.err = waitErr
				}
				return res
			}
			if res.cancelled {
				continue
			}

			lastLine = line
			if progress, ok := parseProgress(line); ok {
				if err := r.c.store.SetProgress(r.jobID, progress); err != nil {
					r.c.logger.Warn("Failed to update progress",
						slog.String("job_id", r.jobID),
						slog.String("error", err.Error()),
					)
				}
			}
			if err := r.c.store.AppendLine(r.jobID, line); err != nil {
				r.c.logger.Warn("Failed to append output line",
					slog.String("job_id", r.jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.c.broadcaster.Publish(r.jobID, line)
			if captureDiff {
				res.diff = append(res.diff, line)
			}

		case <-cancelCh:
			cancelCh = nil
			res.cancelled = true
			go handle.Stop(r.c.supervisor.GracePeriod())
		}
	}
}

func (r *runner) markRunning() {
	if err := r.c.store.MarkRunning(r.jobID); err != nil {
		r.c.logger.Error("Failed to mark job running",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.notifySnapshot()
}

func (r *runner) notifySnapshot() {
	if job, err := r.c.store.Get(r.jobID); err == nil {
		r.c.notify(job)
	}
}

func parseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}
