package publisher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

type writerPublisher struct {
	mutex sync.Mutex
	wrt   *bufio.Writer
}

// NewWriterPublisher creates a Publisher which prints every payload to the given writer instead of a broker
//
// Each payload is terminated by a newline and flushed immediately. The topic is not printed.
func NewWriterPublisher(wrt io.Writer) Publisher {
	return &writerPublisher{wrt: bufio.NewWriter(wrt)}
}

func (w *writerPublisher) Publish(ctx context.Context, request Request) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, err := w.wrt.Write(request.Payload); err != nil {
		return &PublishError{Topic: request.Topic, Kind: KindUnreachable, Err: fmt.Errorf("failed to print payload: %w", err)}
	}
	if err := w.wrt.WriteByte('\n'); err != nil {
		return &PublishError{Topic: request.Topic, Kind: KindUnreachable, Err: fmt.Errorf("failed to print newline: %w", err)}
	}
	if err := w.wrt.Flush(); err != nil {
		return &PublishError{Topic: request.Topic, Kind: KindUnreachable, Err: fmt.Errorf("failed to flush: %w", err)}
	}
	return nil
}

func (w *writerPublisher) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.wrt.Flush()
}
