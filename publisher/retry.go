package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relex/gotils/logger"
)

// RetryConfig contains the retry policy applied to each record, off by default
type RetryConfig struct {
	PublishAttempts   int    `help:"Attempts per record including the first one, 1 disables retry"`
	PublishBackoff    string `help:"Delay before the first retry, doubled for each further retry"`
	PublishMaxBackoff string `help:"Upper bound of the delay between retries"`
}

// DefaultRetryConfig returns a policy with retry disabled
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		PublishAttempts:   1,
		PublishBackoff:    "100ms",
		PublishMaxBackoff: "2s",
	}
}

// RetryPolicy is the parsed RetryConfig
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Policy validates and parses the configuration
func (c RetryConfig) Policy() (RetryPolicy, error) {
	if c.PublishAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("invalid publish attempts %d: must be at least 1", c.PublishAttempts)
	}
	backoff, err := parsePositiveDuration("publish backoff", c.PublishBackoff)
	if err != nil {
		return RetryPolicy{}, err
	}
	maxBackoff, err := parsePositiveDuration("publish max backoff", c.PublishMaxBackoff)
	if err != nil {
		return RetryPolicy{}, err
	}
	if maxBackoff < backoff {
		return RetryPolicy{}, fmt.Errorf("publish max backoff %s is shorter than publish backoff %s", maxBackoff, backoff)
	}
	return RetryPolicy{MaxAttempts: c.PublishAttempts, Backoff: backoff, MaxBackoff: maxBackoff}, nil
}

// RetryingPublisher retries temporary failures of the inner Publisher with exponential backoff
//
// Records are retried in place, so the order of records within a session is kept
type RetryingPublisher struct {
	inner  Publisher
	policy RetryPolicy
	logger logger.Logger
}

// WithRetry wraps inner with the given policy, or returns inner as-is if the policy allows only one attempt
func WithRetry(parentLogger logger.Logger, inner Publisher, policy RetryPolicy) Publisher {
	if policy.MaxAttempts <= 1 {
		return inner
	}
	return &RetryingPublisher{
		inner:  inner,
		policy: policy,
		logger: parentLogger.WithField("component", "RetryingPublisher"),
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, request Request) error {
	delay := p.policy.Backoff
	for attempt := 1; ; attempt++ {
		err := p.inner.Publish(ctx, request)
		if err == nil {
			return nil
		}

		var perr *PublishError
		if errors.As(err, &perr) && !perr.Temporary() {
			return err
		}
		if attempt >= p.policy.MaxAttempts {
			return err
		}

		p.logger.Debugf("attempt %d/%d to '%s' failed, retry in %s: %v", attempt, p.policy.MaxAttempts, request.Topic, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}

		delay *= 2
		if delay > p.policy.MaxBackoff {
			delay = p.policy.MaxBackoff
		}
	}
}

func (p *RetryingPublisher) Close() error {
	return p.inner.Close()
}
