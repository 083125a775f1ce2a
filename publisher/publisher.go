// Package publisher contains the interface and implementations to publish encoded access logs to a broker
package publisher

import (
	"context"
	"fmt"
)

// Publisher sends payloads to a message broker
//
// Publisher is shared by all sessions and must be safe for concurrent use
type Publisher interface {

	// Publish sends a single payload and blocks until the broker acknowledges it or the publisher's own timeout elapses
	//
	// Failures are returned as *PublishError
	Publish(ctx context.Context, request Request) error

	// Close releases connections, it's called once after all sessions have ended
	Close() error
}

// Request is a single publish of one encoded record
type Request struct {
	Topic   string
	Payload []byte
}

// ErrorKind classifies publish failures
type ErrorKind string

const (
	// KindUnreachable means no broker could be reached or the connection broke
	KindUnreachable ErrorKind = "unreachable"

	// KindTimeout means the acknowledgement did not arrive in time
	KindTimeout ErrorKind = "timeout"

	// KindRejected means a broker answered with an error, e.g. unknown topic or message too large
	KindRejected ErrorKind = "rejected"
)

// PublishError is the failure of one publish attempt
type PublishError struct {
	Topic string
	Kind  ErrorKind
	Err   error

	retryable bool // for rejections the broker marks as retriable, e.g. leader not available
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to '%s' (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Temporary returns true if another attempt might succeed
func (e *PublishError) Temporary() bool {
	return e.Kind != KindRejected || e.retryable
}
