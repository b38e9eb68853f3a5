// Package process starts, stops and restarts the payload's companion
// processes.
package process

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

// ErrEmptyCommand is returned when a command has no argv.
var ErrEmptyCommand = errors.New("empty command")

// Runner creates executable commands for managed processes.
// This interface allows the manager to be process-agnostic.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the named process.
	// The command should NOT be started yet.
	BuildCommand(name string, argv []string) (*exec.Cmd, error)
}

// ExecRunner builds plain exec commands from argv.
type ExecRunner struct {
	// Env is appended to the supervisor's environment.
	Env []string

	// Dir is the working directory. Empty means the supervisor's.
	Dir string
}

// BuildCommand implements Runner.
func (r ExecRunner) BuildCommand(name string, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd, nil
}

// Exit captures the outcome of a process that was found exited.
type Exit struct {
	Name     string
	PID      int
	ExitCode int
	Uptime   time.Duration

	// Restarted is true when the process was started again.
	Restarted bool

	// BudgetExhausted is true when a restart was wanted but the
	// restart budget was already spent.
	BudgetExhausted bool

	// Error is set when a restart was attempted and failed.
	Error error
}
