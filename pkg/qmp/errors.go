package qmp

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for connection and protocol failures.
var (
	// ErrSocketNotFound is returned when the control socket path does not
	// resolve to a live endpoint.
	ErrSocketNotFound = errors.New("qmp: control socket not found")

	// ErrHandshakeFailed is returned when the greeting is missing its
	// marker or capability negotiation is rejected.
	ErrHandshakeFailed = errors.New("qmp: handshake failed")

	// ErrProtocolTimeout is returned when no reply frame arrives within
	// the connection's read timeout.
	ErrProtocolTimeout = errors.New("qmp: timed out waiting for reply")

	// ErrTransportClosed is returned when the peer closed the transport
	// mid-session or the connection was closed locally.
	ErrTransportClosed = errors.New("qmp: transport closed")
)

// CommandError is a command rejected by the remote peer: the reply carried
// an error object instead of a return value. The transport itself is still
// healthy.
type CommandError struct {
	Class string // QMP error class, e.g. "GenericError"
	Desc  string
}

// Error returns the error message.
func (e *CommandError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("qmp: command failed: %s", e.Desc)
	}
	return fmt.Sprintf("qmp: command failed: %s: %s", e.Class, e.Desc)
}

// IsTransportError reports whether err indicates the connection itself is
// unusable, as opposed to a single rejected command. Callers use this to
// decide whether to discard the connection and reconnect.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProtocolTimeout) || errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrSocketNotFound) {
		return true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
