package provisioner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Command is a single subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Runner executes commands. A non-zero exit is reported through exitCode
// with a nil error; err is set only when the process could not run.
type Runner interface {
	Run(ctx context.Context, cmd Command) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner runs commands with os/exec. Env is appended to the current
// process environment for the child only.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	case errors.As(err, &exitErr):
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	default:
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
}
