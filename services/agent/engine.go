package agent

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// Engine runs a task to completion.
type Engine interface {
	Run(ctx context.Context, taskPath string, output io.Writer) (exitCode int, err error)
}

// CommandEngine runs the workload engine as a subprocess in Dir.
type CommandEngine struct {
	Command    []string
	WebhookURL string
	Dir        string
}

func (e CommandEngine) args(taskPath string) []string {
	args := append([]string{}, e.Command[1:]...)
	args = append(args, taskPath)
	if e.WebhookURL != "" {
		args = append(args, "--webhook", e.WebhookURL)
	}
	return args
}

// Run starts the engine in its own process group and waits for it. The exit
// code is -1 when the process could not be started.
func (e CommandEngine) Run(ctx context.Context, taskPath string, output io.Writer) (int, error) {
	if len(e.Command) == 0 {
		return -1, errors.New("no engine command configured")
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.args(taskPath)...)
	cmd.Dir = e.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	configureProcessGroup(cmd)

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}
