package approval

import (
	"log/slog"
	"sync"

	"github.com/ndquoc/devrunner/internal/engine/domain"
)

// checkpoint is one open approval decision point. The decision channel is
// buffered so Respond never blocks on the waiting runner.
type checkpoint struct {
	decision  chan bool
	responded bool
}

// Gate coordinates the two-phase diff-then-apply flow: a runner opens a
// checkpoint and suspends on its decision channel, and exactly one external
// Respond call settles it. There is no timeout; a checkpoint stays open until
// a decision or the runner abandons it (cancel, clear).
type Gate struct {
	mu          sync.Mutex
	checkpoints map[string]*checkpoint
	logger      *slog.Logger
}

// New creates an empty Gate.
func New(logger *slog.Logger) *Gate {
	return &Gate{
		checkpoints: make(map[string]*checkpoint),
		logger:      logger,
	}
}

// Open registers an approval checkpoint for the job and returns the channel
// the owning runner suspends on. The channel delivers exactly one decision.
func (g *Gate) Open(jobID string) <-chan bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := &checkpoint{decision: make(chan bool, 1)}
	g.checkpoints[jobID] = cp

	g.logger.Info("Approval checkpoint opened",
		slog.String("job_id", jobID),
	)

	return cp.decision
}

// Respond settles the job's open checkpoint. It returns
// domain.ErrNotAwaitingApproval when no checkpoint is open and
// domain.ErrAlreadyResponded on a second call; in both cases the job is left
// untouched.
func (g *Gate) Respond(jobID string, approved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.checkpoints[jobID]
	if !ok {
		return domain.ErrNotAwaitingApproval
	}
	if cp.responded {
		return domain.ErrAlreadyResponded
	}

	cp.responded = true
	cp.decision <- approved

	g.logger.Info("Approval decision recorded",
		slog.String("job_id", jobID),
		slog.Bool("approved", approved),
	)

	return nil
}

// Close removes the job's checkpoint once the runner's wait ends, whether a
// decision arrived or the job was cancelled out from under it. Safe when no
// checkpoint is open.
func (g *Gate) Close(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checkpoints, jobID)
}
