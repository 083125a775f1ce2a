package publisher

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Collector is a Publisher which sends every request to a channel, for tests
//
// A failure function may be set to make selected publishes fail; failed requests are not sent to the channel.
type Collector struct {
	ch      chan Request
	timeout time.Duration

	mutex    sync.Mutex
	failWith func(Request) error
	attempts int
	closed   bool
}

// NewCollector creates a Collector and the channel of successfully published requests
func NewCollector(timeout time.Duration) (*Collector, <-chan Request) {
	ch := make(chan Request, 100)

	return &Collector{ch: ch, timeout: timeout}, ch
}

// FailWith sets the function to decide the result of each publish, nil to make all succeed
func (c *Collector) FailWith(fn func(Request) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failWith = fn
}

// Attempts returns the number of Publish calls so far, including failed ones
func (c *Collector) Attempts() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.attempts
}

func (c *Collector) Publish(ctx context.Context, request Request) error {
	c.mutex.Lock()
	c.attempts++
	failWith := c.failWith
	closed := c.closed
	c.mutex.Unlock()

	if closed {
		return &PublishError{Topic: request.Topic, Kind: KindUnreachable, Err: errors.New("collector closed")}
	}
	if failWith != nil {
		if err := failWith(request); err != nil {
			return err
		}
	}

	select {
	case c.ch <- request:
		return nil
	case <-time.After(c.timeout):
		return &PublishError{Topic: request.Topic, Kind: KindTimeout, Err: errors.New("timeout writing to request channel")}
	case <-ctx.Done():
		return &PublishError{Topic: request.Topic, Kind: KindTimeout, Err: ctx.Err()}
	}
}

// Close closes the channel, must not be called while publishes are in progress
func (c *Collector) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
