package supervise

import (
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndquoc/devrunner/internal/engine/domain"
)

func newTestSupervisor(grace time.Duration) *Supervisor {
	return New(grace, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drainLines(t *testing.T, h *Handle) []string {
	t.Helper()

	var lines []string
	deadline := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatal("timed out draining process output")
		}
	}
}

func TestSupervisor_CapturesLinesInOrder(t *testing.T) {
	s := newTestSupervisor(time.Second)

	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "echo one; echo two; echo three"},
	})
	require.NoError(t, err)

	lines := drainLines(t, h)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.NoError(t, h.Wait())
}

func TestSupervisor_CapturesStderr(t *testing.T) {
	s := newTestSupervisor(time.Second)

	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "echo oops >&2"},
	})
	require.NoError(t, err)

	lines := drainLines(t, h)
	assert.Equal(t, []string{"oops"}, lines)
	assert.NoError(t, h.Wait())
}

func TestSupervisor_NonzeroExit(t *testing.T) {
	s := newTestSupervisor(time.Second)

	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "echo failing; exit 7"},
	})
	require.NoError(t, err)

	lines := drainLines(t, h)
	assert.Equal(t, []string{"failing"}, lines)

	waitErr := h.Wait()
	var exitErr *domain.RuntimeExitError
	require.ErrorAs(t, waitErr, &exitErr)
	assert.Equal(t, 7, exitErr.ExitCode)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	s := newTestSupervisor(time.Second)

	_, err := s.Spawn(Command{Name: "definitely-not-a-binary-4d1f"})

	var spawnErr *domain.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, spawnErr.Command, "definitely-not-a-binary-4d1f")
}

func TestSupervisor_StopTerminatesProcessGroup(t *testing.T) {
	s := newTestSupervisor(time.Second)

	// The child forks a grandchild; killing only the direct child would
	// leave the sleep running and Lines() open via the inherited pipe.
	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "echo started; sleep 30 & wait"},
	})
	require.NoError(t, err)

	// Wait for proof the process is up before signalling.
	select {
	case line := <-h.Lines():
		require.Equal(t, "started", line)
	case <-time.After(10 * time.Second):
		t.Fatal("process produced no output")
	}

	start := time.Now()
	h.Stop(s.GracePeriod())

	drainLines(t, h)
	err = h.Wait()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	// The whole group must be gone, grandchild included.
	assert.ErrorIs(t, syscall.Kill(-h.pgid, syscall.Signal(0)), syscall.ESRCH)
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(time.Second)

	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	h.Stop(s.GracePeriod())
	h.Stop(s.GracePeriod())
	h.Stop(s.GracePeriod())

	drainLines(t, h)
	assert.Error(t, h.Wait())
}

func TestSupervisor_StopAfterExitIsNoop(t *testing.T) {
	s := newTestSupervisor(time.Second)

	h, err := s.Spawn(Command{
		Name: "sh",
		Args: []string{"-c", "true"},
	})
	require.NoError(t, err)

	drainLines(t, h)
	require.NoError(t, h.Wait())

	h.Stop(s.GracePeriod())
}

func TestSupervisor_WorkingDirectory(t *testing.T) {
	s := newTestSupervisor(time.Second)
	dir := t.TempDir()

	h, err := s.Spawn(Command{
		Name: "pwd",
		Dir:  dir,
	})
	require.NoError(t, err)

	lines := drainLines(t, h)
	require.Len(t, lines, 1)
	// macOS tempdirs live under /private; compare by suffix.
	assert.Contains(t, lines[0], dir[1:])
	assert.NoError(t, h.Wait())
}
