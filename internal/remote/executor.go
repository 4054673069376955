// Package remote runs commands on fleet hosts and streams their output.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for remote execution.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrHostUnknown indicates the host name is not in the inventory.
	ErrHostUnknown = errors.New("host not in inventory")

	// ErrKilled indicates the stream was terminated by Kill before the
	// command exited on its own.
	ErrKilled = errors.New("command killed")
)

// Executor establishes connections to fleet hosts. Implementations may
// pool and reuse the underlying transport across Dial calls for the
// same host.
type Executor interface {
	Dial(ctx context.Context, host string) (Conn, error)
}

// Conn runs commands on one host. A single Conn may carry several
// concurrently running commands.
type Conn interface {
	// Start launches a command and returns its output stream. The
	// context aborts the command if it is cancelled before exit.
	Start(ctx context.Context, command string) (Stream, error)

	// Close releases the connection lease. The underlying transport may
	// stay open for reuse.
	Close() error
}

// Stream is one running remote command.
type Stream interface {
	// Lines yields combined stdout/stderr line by line. The channel is
	// closed once the command exits or the stream is killed.
	Lines() <-chan string

	// Wait blocks until the command exits. Returns nil on exit status 0,
	// an *ExitError on non-zero exit, or a transport error.
	Wait() error

	// Kill terminates the remote process, best effort.
	Kill() error
}

// ExitError reports a non-zero exit status from a remote command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}
