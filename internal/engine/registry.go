package engine

import (
	"strings"

	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/internal/engine/supervise"
)

// JobType describes one registered kind of operation. Command is the argv of
// the backing process; any "{target}" token is substituted with the job's
// target. A type with a DiffCommand is approval-gated: the diff command runs
// first, the job pauses at the approval checkpoint, and Command only runs
// after an approval.
type JobType struct {
	Name        string
	Command     []string
	DiffCommand []string
	WorkDir     string
}

// RequiresApproval reports whether the type follows the two-phase
// diff-then-apply flow.
func (t JobType) RequiresApproval() bool {
	return len(t.DiffCommand) > 0
}

// Registry maps job type names to their command specs. The set of types is
// configuration, not a closed enum.
type Registry map[string]JobType

// Resolve looks up a job type by name.
func (r Registry) Resolve(name string) (JobType, error) {
	t, ok := r[name]
	if !ok {
		return JobType{}, domain.ErrUnknownJobType
	}
	return t, nil
}

func expandCommand(argv []string, workDir, target string) supervise.Command {
	expanded := make([]string, len(argv))
	for i, a := range argv {
		expanded[i] = strings.ReplaceAll(a, "{target}", target)
	}
	return supervise.Command{
		Name: expanded[0],
		Args: expanded[1:],
		Dir:  workDir,
	}
}
