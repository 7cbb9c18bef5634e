package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external tool invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment
	Env []string
	// Tee, when set, receives a copy of stdout and stderr as they are produced
	Tee io.Writer
}

// String renders the command line for logs and errors
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished command
type Result struct {
	Command  Command
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Err returns a *CommandError when the command exited non-zero
func (r *Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &CommandError{
		Command:  r.Command.String(),
		ExitCode: r.ExitCode,
		Stdout:   string(r.Stdout),
		Stderr:   string(r.Stderr),
	}
}

// CommandError is returned when an external tool exits non-zero.
// It carries the captured output so failures can be diagnosed from logs.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d\nstdout:\n%s\n\nstderr:\n%s",
		e.Command, e.ExitCode, e.Stdout, e.Stderr)
}

// Runner executes external commands
type Runner interface {
	// Run starts cmd and waits for it. The returned error only reports a
	// failure to start or a cancelled context; a non-zero exit is reported
	// through Result.Err so callers can decide whether it matters.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a new exec runner
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command. ctx is only consulted before the process starts:
// a started process is never killed, it runs to completion. On Unix the tool
// runs in its own process group, so a Ctrl-C in the terminal does not reach it.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting %s: %w", c.Name, err)
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	detach(cmd)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Tee != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Tee)
		cmd.Stderr = io.MultiWriter(&stderr, c.Tee)
	}

	err := cmd.Run()
	result := &Result{
		Command: c,
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	return result, nil
}
