package publisher

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKafkaError(t *testing.T) {
	type test struct {
		err       error
		kind      ErrorKind
		temporary bool
	}

	testList := []test{
		{kafka.MessageSizeTooLarge, KindRejected, false},
		{kafka.TopicAuthorizationFailed, KindRejected, false},
		{kafka.LeaderNotAvailable, KindRejected, true},
		{kafka.RequestTimedOut, KindTimeout, true},
		{kafka.WriteErrors{kafka.MessageSizeTooLarge}, KindRejected, false},
		{context.DeadlineExceeded, KindTimeout, true},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindUnreachable, true},
		{errors.New("EOF"), KindUnreachable, true},
	}

	for i, test := range testList {
		perr := classifyKafkaError("my-topic", test.err)
		assert.Equal(t, "my-topic", perr.Topic, "test[%d]", i)
		assert.Equal(t, test.kind, perr.Kind, "test[%d] %v", i, test.err)
		assert.Equal(t, test.temporary, perr.Temporary(), "test[%d] %v", i, test.err)
	}
}

func TestKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig()
	brokers, err := config.BrokerList()
	assert.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, brokers)

	config.Brokers = " kafka-1:9092, kafka-2:9092 ,"
	brokers, err = config.BrokerList()
	assert.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, brokers)

	config.Brokers = ""
	_, err = config.BrokerList()
	assert.EqualError(t, err, "at least one broker is required")

	config.Brokers = "kafka-1"
	_, err = config.BrokerList()
	assert.Error(t, err)

	badConfigs := []func(*KafkaConfig){
		func(c *KafkaConfig) { c.RequiredAcks = "two" },
		func(c *KafkaConfig) { c.Compression = "brotli" },
		func(c *KafkaConfig) { c.AckTimeout = "soon" },
		func(c *KafkaConfig) { c.PublishTimeout = "0s" },
	}
	for i, modify := range badConfigs {
		config := DefaultKafkaConfig()
		modify(&config)
		_, err := NewKafkaPublisher(logger.WithField("test", t.Name()), config)
		assert.Error(t, err, "config[%d]", i)
	}

	pub, err := NewKafkaPublisher(logger.WithField("test", t.Name()), DefaultKafkaConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, pub.Brokers())
	assert.NoError(t, pub.Close())
}

func TestKafkaPublisherUnreachable(t *testing.T) {
	lsnr, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := lsnr.Addr().String()
	require.NoError(t, lsnr.Close())

	config := DefaultKafkaConfig()
	config.Brokers = deadAddr
	config.PublishTimeout = "2s"
	pub, err := NewKafkaPublisher(logger.WithField("test", t.Name()), config)
	require.NoError(t, err)
	defer pub.Close()

	started := time.Now()
	err = pub.Publish(context.Background(), Request{Topic: "my-topic", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 10*time.Second)

	var perr *PublishError
	require.True(t, errors.As(err, &perr), "%T: %v", err, err)
	assert.Equal(t, "my-topic", perr.Topic)
	assert.True(t, perr.Temporary(), perr.Error())
}

type scriptedPublisher struct {
	results []error
	calls   int
}

func (p *scriptedPublisher) Publish(ctx context.Context, request Request) error {
	p.calls++
	if p.calls <= len(p.results) {
		return p.results[p.calls-1]
	}
	return nil
}

func (p *scriptedPublisher) Close() error {
	return nil
}

func TestRetryingPublisher(t *testing.T) {
	policy, err := RetryConfig{PublishAttempts: 3, PublishBackoff: "1ms", PublishMaxBackoff: "2ms"}.Policy()
	require.NoError(t, err)
	tlogger := logger.WithField("test", t.Name())

	unreachable := &PublishError{Topic: "t", Kind: KindUnreachable, Err: errors.New("refused")}
	rejected := &PublishError{Topic: "t", Kind: KindRejected, Err: kafka.MessageSizeTooLarge}

	inner := &scriptedPublisher{results: []error{unreachable, unreachable}}
	assert.NoError(t, WithRetry(tlogger, inner, policy).Publish(context.Background(), Request{Topic: "t"}))
	assert.Equal(t, 3, inner.calls)

	inner = &scriptedPublisher{results: []error{unreachable, unreachable, unreachable, unreachable}}
	assert.Equal(t, unreachable, WithRetry(tlogger, inner, policy).Publish(context.Background(), Request{Topic: "t"}))
	assert.Equal(t, 3, inner.calls)

	inner = &scriptedPublisher{results: []error{rejected}}
	assert.Equal(t, rejected, WithRetry(tlogger, inner, policy).Publish(context.Background(), Request{Topic: "t"}))
	assert.Equal(t, 1, inner.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slowPolicy := RetryPolicy{MaxAttempts: 5, Backoff: time.Hour, MaxBackoff: time.Hour}
	inner = &scriptedPublisher{results: []error{unreachable, unreachable}}
	assert.Equal(t, unreachable, WithRetry(tlogger, inner, slowPolicy).Publish(ctx, Request{Topic: "t"}))
	assert.Equal(t, 1, inner.calls)

	single := &scriptedPublisher{}
	assert.Same(t, single, WithRetry(tlogger, single, RetryPolicy{MaxAttempts: 1}))
}

func TestRetryConfigPolicy(t *testing.T) {
	policy, err := DefaultRetryConfig().Policy()
	assert.NoError(t, err)
	assert.Equal(t, RetryPolicy{MaxAttempts: 1, Backoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}, policy)

	_, err = RetryConfig{PublishAttempts: 0, PublishBackoff: "1s", PublishMaxBackoff: "1s"}.Policy()
	assert.EqualError(t, err, "invalid publish attempts 0: must be at least 1")

	_, err = RetryConfig{PublishAttempts: 2, PublishBackoff: "2s", PublishMaxBackoff: "1s"}.Policy()
	assert.EqualError(t, err, "publish max backoff 1s is shorter than publish backoff 2s")
}

func TestWriterPublisher(t *testing.T) {
	out := &bytes.Buffer{}
	pub := NewWriterPublisher(out)

	assert.NoError(t, pub.Publish(context.Background(), Request{Topic: "t", Payload: []byte(`{"a":1}`)}))
	assert.NoError(t, pub.Publish(context.Background(), Request{Topic: "t", Payload: []byte{}}))
	assert.NoError(t, pub.Publish(context.Background(), Request{Topic: "t", Payload: []byte(`{"b":2}`)}))
	assert.NoError(t, pub.Close())

	assert.Equal(t, "{\"a\":1}\n\n{\"b\":2}\n", out.String())
}

func TestCollector(t *testing.T) {
	col, ch := NewCollector(time.Second)
	col.FailWith(func(r Request) error {
		if string(r.Payload) == "bad" {
			return &PublishError{Topic: r.Topic, Kind: KindRejected, Err: errors.New("bad payload")}
		}
		return nil
	})

	assert.NoError(t, col.Publish(context.Background(), Request{Topic: "t", Payload: []byte("1")}))
	assert.Error(t, col.Publish(context.Background(), Request{Topic: "t", Payload: []byte("bad")}))
	assert.NoError(t, col.Publish(context.Background(), Request{Topic: "t", Payload: []byte("2")}))
	assert.Equal(t, 3, col.Attempts())
	assert.NoError(t, col.Close())

	var payloads []string
	for r := range ch {
		payloads = append(payloads, string(r.Payload))
	}
	assert.Equal(t, []string{"1", "2"}, payloads)

	assert.Error(t, col.Publish(context.Background(), Request{Topic: "t", Payload: []byte("3")}))
}
