package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const clientID = "alsrelay"

// KafkaConfig contains configuration for the Kafka publisher
type KafkaConfig struct {
	Brokers        string `help:"Comma-separated list of Kafka brokers in host:port"`
	RequiredAcks   string `help:"Acknowledgements required before a publish succeeds: none, one or all"`
	AckTimeout     string `help:"Time for brokers to acknowledge a single publish"`
	PublishTimeout string `help:"Upper bound of a single publish including connecting and metadata lookup"`
	Compression    string `help:"Compression codec of published batches: none, gzip, snappy, lz4 or zstd"`
}

// DefaultKafkaConfig returns the configuration used when no options are given
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        "localhost:9092",
		RequiredAcks:   "one",
		AckTimeout:     "1s",
		PublishTimeout: "10s",
		Compression:    "none",
	}
}

// BrokerList returns the validated list of broker addresses
func (c KafkaConfig) BrokerList() ([]string, error) {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(b); err != nil {
			return nil, fmt.Errorf("invalid broker address '%s': %w", b, err)
		}
		brokers = append(brokers, b)
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	return brokers, nil
}

// KafkaPublisher publishes payloads through a single long-lived kafka-go Writer
//
// The writer keeps connections to partition leaders open and is safe for concurrent use by all sessions.
// Messages carry no key and the writer's balancer picks the partition.
type KafkaPublisher struct {
	logger         logger.Logger
	writer         *kafka.Writer
	brokers        []string
	publishTimeout time.Duration
	tracer         trace.Tracer
}

// NewKafkaPublisher validates the configuration and creates the writer
//
// No connection is made until the first publish
func NewKafkaPublisher(parentLogger logger.Logger, config KafkaConfig) (*KafkaPublisher, error) {
	brokers, err := config.BrokerList()
	if err != nil {
		return nil, err
	}

	var acks kafka.RequiredAcks
	if err := acks.UnmarshalText([]byte(config.RequiredAcks)); err != nil {
		return nil, err
	}

	var compression kafka.Compression
	if err := compression.UnmarshalText([]byte(config.Compression)); err != nil {
		return nil, err
	}

	ackTimeout, err := parsePositiveDuration("ack timeout", config.AckTimeout)
	if err != nil {
		return nil, err
	}
	publishTimeout, err := parsePositiveDuration("publish timeout", config.PublishTimeout)
	if err != nil {
		return nil, err
	}

	plogger := parentLogger.WithField("component", "KafkaPublisher")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.RoundRobin{},
		MaxAttempts:  1,
		BatchSize:    1,
		WriteTimeout: ackTimeout,
		ReadTimeout:  ackTimeout,
		RequiredAcks: acks,
		Compression:  compression,
		Logger:       kafka.LoggerFunc(plogger.Debugf),
		ErrorLogger:  kafka.LoggerFunc(plogger.Warnf),
		Transport: &kafka.Transport{
			ClientID:    clientID,
			DialTimeout: publishTimeout,
		},
	}

	plogger.Infof("publishing to %v, acks=%s, ack timeout=%s, compression=%s", brokers, acks, ackTimeout, compression)
	return &KafkaPublisher{
		logger:         plogger,
		writer:         writer,
		brokers:        brokers,
		publishTimeout: publishTimeout,
		tracer:         otel.Tracer(clientID),
	}, nil
}

// Brokers returns the broker addresses this publisher was created for
func (p *KafkaPublisher) Brokers() []string {
	return p.brokers
}

func (p *KafkaPublisher) Publish(ctx context.Context, request Request) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", request.Topic),
			attribute.Int("messaging.message.body.size", len(request.Payload)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: request.Topic,
		Value: request.Payload,
	})
	if err != nil {
		perr := classifyKafkaError(request.Topic, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Kind))
		return perr
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	stats := p.writer.Stats()
	p.logger.Infof("closing, written %d messages in %d writes, %d errors", stats.Messages, stats.Writes, stats.Errors)
	return p.writer.Close()
}

func classifyKafkaError(topic string, err error) *PublishError {
	cause := err
	var writeErrors kafka.WriteErrors
	if errors.As(err, &writeErrors) {
		for _, e := range writeErrors {
			if e != nil {
				cause = e
				break
			}
		}
	}

	perr := &PublishError{Topic: topic, Kind: KindUnreachable, Err: cause}

	var kafkaErr kafka.Error
	var netErr net.Error
	switch {
	case errors.As(cause, &kafkaErr):
		if kafkaErr.Timeout() {
			perr.Kind = KindTimeout
		} else {
			perr.Kind = KindRejected
			perr.retryable = kafkaErr.Temporary()
		}
	case errors.Is(cause, context.DeadlineExceeded):
		perr.Kind = KindTimeout
	case errors.As(cause, &netErr) && netErr.Timeout():
		perr.Kind = KindTimeout
	}
	return perr
}

func parsePositiveDuration(name string, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s '%s': must be positive", name, value)
	}
	return d, nil
}
