// Package sshexec executes commands on a running VM over SSH and
// classifies the outcome: a guest-reported exit status is distinct from a
// connection-level failure, and a dropped connection can be the expected
// outcome for reboot-style commands.
package sshexec

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCommandFailed indicates the remote command ran and returned a
	// non-zero exit status. This is an assertion signal, not a
	// transport failure.
	ErrCommandFailed = errors.New("remote command failed")

	// ErrConnection indicates a transport-level failure that does not
	// match the expected-disconnect pattern.
	ErrConnection = errors.New("ssh connection failed")

	// ErrCleanExit indicates a command expected to drop the connection
	// returned a normal exit status instead.
	ErrCleanExit = errors.New("command exited instead of dropping the connection")

	// ErrTimeout indicates a bounded wait exceeded its budget.
	ErrTimeout = errors.New("timed out waiting for login session")
)

// Result captures the output of one remote execution. Immutable once
// returned.
type Result struct {
	Stdout string
	Stderr string
	Status int
}

// CommandError carries the guest-reported exit status of a failed command.
type CommandError struct {
	Status int
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command failed with status %d: %s", e.Status, e.Stderr)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Runner executes commands on a remote host.
type Runner interface {
	// Run blocks until the command completes or the connection fails.
	Run(command string) (Result, error)

	// RunExpectingDisconnect issues a command whose expected outcome is
	// that the connection terminates abruptly (a reboot). It returns
	// nil on that disconnect, ErrCleanExit if the command returned any
	// normal exit status, and ErrConnection for any other failure.
	RunExpectingDisconnect(command string) error

	// WaitReachable polls until a login session can be established,
	// failing with ErrTimeout once the budget is exhausted.
	WaitReachable(timeout time.Duration) error
}
