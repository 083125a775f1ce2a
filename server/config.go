package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relex/alsrelay/payload"
	"golang.org/x/exp/slices"
)

// EncodePolicy decides what a session does with a record that cannot be encoded
type EncodePolicy string

const (
	// EncodeAbort ends the session with an internal error, no further records are read
	EncodeAbort EncodePolicy = "abort"

	// EncodeSkip counts the record as failed and continues with the next one
	EncodeSkip EncodePolicy = "skip"
)

var encodePolicies = []EncodePolicy{EncodeAbort, EncodeSkip}

// Config contains the configuration of the relay server, read-only after launch
type Config struct {
	Address          string `help:"Address to listen for access log streams"`
	Topic            string `help:"Kafka topic to publish access logs to"`
	IdleTimeout      string `help:"Abort a session if no record arrives within this period"`
	PayloadFormat    string `help:"Format of published payloads: json, json-pretty or msgpack"`
	OnEncodeError    string `help:"Action on records failing to encode: abort the session or skip the record"`
	AttachIdentifier bool   `help:"Attach the stream identifier from the first message to later messages without one"`
}

// DefaultConfig returns the configuration used when no option is given
func DefaultConfig() Config {
	return Config{
		Address:          "0.0.0.0:50051",
		Topic:            "my-topic",
		IdleTimeout:      "30s",
		PayloadFormat:    string(payload.FormatJSON),
		OnEncodeError:    string(EncodeAbort),
		AttachIdentifier: false,
	}
}

type settings struct {
	address          string
	topic            string
	idleTimeout      time.Duration
	format           payload.Format
	encodePolicy     EncodePolicy
	attachIdentifier bool
}

// Validate checks the configuration without launching anything
func (c Config) Validate() error {
	_, err := c.parse()
	return err
}

func (c Config) parse() (settings, error) {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return settings{}, fmt.Errorf("invalid listen address '%s': %w", c.Address, err)
	}
	if strings.TrimSpace(c.Topic) == "" {
		return settings{}, errors.New("topic must not be empty")
	}
	idleTimeout, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return settings{}, fmt.Errorf("invalid idle timeout '%s': %w", c.IdleTimeout, err)
	}
	if idleTimeout <= 0 {
		return settings{}, fmt.Errorf("invalid idle timeout '%s': must be positive", c.IdleTimeout)
	}
	format, err := payload.ParseFormat(c.PayloadFormat)
	if err != nil {
		return settings{}, err
	}
	policy := EncodePolicy(c.OnEncodeError)
	if !slices.Contains(encodePolicies, policy) {
		return settings{}, fmt.Errorf("unknown encode error action '%s', must be one of %v", c.OnEncodeError, encodePolicies)
	}
	return settings{
		address:          c.Address,
		topic:            c.Topic,
		idleTimeout:      idleTimeout,
		format:           format,
		encodePolicy:     policy,
		attachIdentifier: c.AttachIdentifier,
	}, nil
}
