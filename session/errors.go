package session

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrRetryBudgetExceeded is returned once the transport has been lost more times than allowed.
	ErrRetryBudgetExceeded = errors.New("too many retries")
	// ErrHandshakeTimeout means the transport never reported a live connection.
	ErrHandshakeTimeout = errors.New("transport process failed to start")

	errReconnect = errors.New("reconnect requested")
)

// ProtocolError is an inbound command this agent does not understand.
type ProtocolError struct {
	Command string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unknown command received: %s", e.Command)
}

// InterruptedError ends a session that received a termination signal.
type InterruptedError struct {
	Signal syscall.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by %s", e.Signal)
}

// ExitStatus follows the shell convention of 128 plus the signal number.
func (e *InterruptedError) ExitStatus() int {
	return 128 + int(e.Signal)
}
