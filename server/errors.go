package server

import (
	"fmt"

	"google.golang.org/grpc/status"
)

// StartupError is a failure to validate configuration or to bind the listener
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// TransportError is a failure to receive from a session's stream other than the normal end of input
type TransportError struct {
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to receive from %s: %v", e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GRPCStatus keeps the status of the underlying stream error when returned from a handler
func (e *TransportError) GRPCStatus() *status.Status {
	return status.Convert(e.Err)
}
