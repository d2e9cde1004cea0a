package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner is the firewall control plane as seen by the engine. Everything
// that mutates or inspects kernel state goes through it, so the
// synchronizer's branching logic can be tested without root privileges.
type Runner interface {
	// Run executes a command, discarding stdout.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// RunInput executes a command with input supplied on stdin.
	RunInput(ctx context.Context, input string, name string, args ...string) error
}

// CommandError carries the stderr of a failed command so synchronization
// errors can surface it verbatim.
type CommandError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s %s failed: %v: %s",
		e.Name, strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner executes commands on the host. Every command is bounded by
// Timeout; a timeout is indistinguishable from a failed command to callers.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) command(ctx context.Context, name string, args []string) (*exec.Cmd, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	return exec.CommandContext(ctx, name, args...), cancel
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd, cancel := r.command(ctx, name, args)
	defer cancel()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd, cancel := r.command(ctx, name, args)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (r *ExecRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	cmd, cancel := r.command(ctx, name, args)
	defer cancel()

	cmd.Stdin = strings.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// MockRunner logs commands instead of executing them, for hosts without
// iptables. Enabled by the firewall.mock config flag.
type MockRunner struct {
	log *zap.SugaredLogger
}

func NewMockRunner(log *zap.SugaredLogger) *MockRunner {
	return &MockRunner{log: log}
}

func (r *MockRunner) Run(ctx context.Context, name string, args ...string) error {
	r.log.Debugf("[mock] would execute: %s %s", name, strings.Join(args, " "))
	return nil
}

func (r *MockRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.log.Debugf("[mock] would execute: %s %s", name, strings.Join(args, " "))
	return nil, nil
}

func (r *MockRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	r.log.Debugf("[mock] would execute with stdin: %s %s", name, strings.Join(args, " "))
	return nil
}
