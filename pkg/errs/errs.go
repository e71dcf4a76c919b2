// Package errs defines the error taxonomy shared by the biopoem commands and
// the process exit code each kind maps to.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Process exit codes.
const (
	ExitSuccess    = 0
	ExitParseError = 1
	ExitExecError  = 2
	ExitOtherError = 3
)

// ExitCoder is implemented by errors that select a process exit code.
type ExitCoder interface {
	ExitCode() int
}

// ExitCode maps err to the process exit code. Errors that do not carry a
// kind map to ExitOtherError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitOtherError
}

// ConfigError reports invalid operator input: flags, files or environment.
type ConfigError struct {
	Field string
	Err   error
}

// Configf builds a ConfigError for field with a formatted cause.
func Configf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) ExitCode() int { return ExitParseError }

// ProvisionError reports a failed infrastructure subprocess.
type ProvisionError struct {
	Action  string
	Command []string
	Code    int
	Err     error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s failed (%s, exit %d)", e.Action, strings.Join(e.Command, " "), e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }
func (e *ProvisionError) ExitCode() int { return ExitExecError }

// RenderError reports a template that could not be parsed or executed.
// Host is empty for templates that are not rendered per host.
type RenderError struct {
	Template string
	Host     string
	Err      error
}

func (e *RenderError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("render %s: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("render %s for %s: %v", e.Template, e.Host, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
func (e *RenderError) ExitCode() int { return ExitParseError }

// RemoteError reports a failed bootstrap step on a host.
type RemoteError struct {
	Host    string
	Step    string
	Command string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %s: %v", e.Host, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Host, e.Step, e.Command, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
func (e *RemoteError) ExitCode() int { return ExitExecError }

// PollError reports an agent that could not be queried.
type PollError struct {
	Host string
	URL  string
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s (%s): %v", e.Host, e.URL, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
func (e *PollError) ExitCode() int { return ExitOtherError }
