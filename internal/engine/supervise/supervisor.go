package supervise

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ndquoc/devrunner/internal/engine/domain"
)

// Command names an external process to supervise.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Handle owns one spawned process tree. Output lines from stdout and stderr
// arrive on Lines() as the OS delivers them; Wait() reports the exit result
// after Lines() is closed. Stop() terminates the whole process group and is
// safe to call any number of times, on any exit route.
type Handle struct {
	cmd    *exec.Cmd
	pgid   int
	lines  chan string
	done   chan struct{}
	result error

	stopOnce sync.Once
	logger   *slog.Logger
}

// Supervisor spawns and owns the external processes backing jobs.
type Supervisor struct {
	gracePeriod time.Duration
	logger      *slog.Logger
}

// New creates a Supervisor. gracePeriod bounds the wait between the graceful
// termination signal and the forceful group kill.
func New(gracePeriod time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		gracePeriod: gracePeriod,
		logger:      logger,
	}
}

// Spawn launches the command in its own process group and begins capturing
// output line by line. A spawn failure returns *domain.SpawnError and no
// process is left behind.
func (s *Supervisor) Spawn(command Command) (*Handle, error) {
	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	// Own process group so cancellation can reach forked children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.SpawnError{Command: command.String(), Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &domain.SpawnError{Command: command.String(), Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &domain.SpawnError{Command: command.String(), Err: err}
	}

	h := &Handle{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		lines:  make(chan string),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	s.logger.Info("Process spawned",
		slog.String("command", command.Name),
		slog.Int("pid", cmd.Process.Pid),
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.scan(stdout, &readers)
	go h.scan(stderr, &readers)

	go func() {
		readers.Wait()
		close(h.lines)
		h.result = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

// Lines returns the stream of captured output lines. The channel closes once
// both pipes are drained.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Wait blocks until the process has exited and returns nil for exit code 0,
// or *domain.RuntimeExitError for a nonzero exit.
func (h *Handle) Wait() error {
	<-h.done

	if h.result == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(h.result, &exitErr) {
		return &domain.RuntimeExitError{ExitCode: exitErr.ExitCode()}
	}
	return h.result
}

// Stop terminates the entire process group: SIGTERM first, then SIGKILL if
// the group is still alive after the grace period. Idempotent; calling it on
// an already-exited process is a no-op.
func (h *Handle) Stop(gracePeriod time.Duration) {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			// Already exited, nothing to signal.
			return
		default:
		}

		if err := syscall.Kill(-h.pgid, syscall.SIGTERM); err != nil {
			h.logger.Warn("Failed to signal process group",
				slog.Int("pgid", h.pgid),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-h.done:
			return
		case <-time.After(gracePeriod):
		}

		h.logger.Warn("Grace period elapsed, killing process group",
			slog.Int("pgid", h.pgid),
		)
		if err := syscall.Kill(-h.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			// Best effort: a child may have escaped the group.
			h.logger.Error("Orphan process warning: group kill failed",
				slog.Int("pgid", h.pgid),
				slog.String("error", err.Error()),
			)
		}
		<-h.done
	})
}

// GracePeriod exposes the supervisor's configured grace period so callers
// can pass it through to Stop.
func (s *Supervisor) GracePeriod() time.Duration {
	return s.gracePeriod
}

func (h *Handle) scan(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("Output pipe closed",
			slog.String("error", err.Error()),
		)
	}
}
