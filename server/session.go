package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/relex/alsrelay/payload"
	"github.com/relex/alsrelay/publisher"
	"github.com/relex/gotils/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type sessionState string

const (
	stateOpening  sessionState = "opening"
	stateActive   sessionState = "active"
	stateDraining sessionState = "draining"
	stateClosed   sessionState = "closed"
	stateAborted  sessionState = "aborted"
)

// Summary is the outcome of one session, logged when the session ends
type Summary struct {
	ID              string
	Peer            string
	State           string
	Received        int
	Published       int
	EncodeFailures  int
	PublishFailures int
	Unprocessed     int
	Duration        time.Duration
}

// Failures returns the number of received records which were not published
func (s Summary) Failures() int {
	return s.EncodeFailures + s.PublishFailures + s.Unprocessed
}

func (s Summary) String() string {
	return fmt.Sprintf("state=%s received=%d published=%d failures=%d (encode=%d publish=%d unprocessed=%d) duration=%s",
		s.State, s.Received, s.Published, s.Failures(), s.EncodeFailures, s.PublishFailures, s.Unprocessed, s.Duration)
}

// sessionDeps are the server-wide parts shared by all sessions
type sessionDeps struct {
	settings  settings
	encoder   payload.Encoder
	publisher publisher.Publisher
	metrics   *Metrics
	draining  <-chan struct{}
}

type session struct {
	deps       sessionDeps
	logger     logger.Logger
	stream     accesslogv3.AccessLogService_StreamAccessLogsServer
	state      sessionState
	identifier *accesslogv3.StreamAccessLogsMessage_Identifier
	summary    Summary
	started    time.Time
}

type receiveResult struct {
	message *accesslogv3.StreamAccessLogsMessage
	err     error
}

func newSession(parentLogger logger.Logger, deps sessionDeps, id string, peerAddr string,
	stream accesslogv3.AccessLogService_StreamAccessLogsServer) *session {

	return &session{
		deps:    deps,
		logger:  parentLogger.WithField("session", id).WithField("peer", peerAddr),
		stream:  stream,
		state:   stateOpening,
		summary: Summary{ID: id, Peer: peerAddr},
		started: time.Now(),
	}
}

// run processes the stream until its end and returns the status for the RPC
func (s *session) run() error {
	ctx := s.stream.Context()
	s.logger.Info("session opened")
	s.deps.metrics.sessionOpened()
	s.state = stateActive

	requests := make(chan struct{})
	results := make(chan receiveResult, 1)
	go receive(s.stream, requests, results)

	var err error
	for s.state == stateActive {
		select {
		case <-s.deps.draining:
			s.logger.Info("draining on shutdown")
			s.state = stateDraining
			continue
		default:
		}

		requests <- struct{}{}
		select {
		case res := <-results:
			err = s.handleResult(ctx, res)
		case <-s.deps.draining:
			s.logger.Info("draining on shutdown")
			// a record may have arrived at the same time
			select {
			case res := <-results:
				err = s.handleResult(ctx, res)
			default:
			}
			if s.state == stateActive {
				s.state = stateDraining
			}
		case <-ctx.Done():
			err = s.abort(contextStatus(ctx, s.deps.settings.idleTimeout))
		}
	}
	close(requests)
	s.countUnprocessed(results)

	if s.state == stateDraining {
		err = s.close()
	}
	s.end()
	return err
}

// receive reads the next message from the stream each time it's requested, until requests is closed
func receive(stream accesslogv3.AccessLogService_StreamAccessLogsServer, requests <-chan struct{}, results chan<- receiveResult) {
	for range requests {
		msg, err := stream.Recv()
		results <- receiveResult{msg, err}
		if err != nil {
			return
		}
	}
}

// countUnprocessed counts a record that arrived after the session stopped reading
func (s *session) countUnprocessed(results <-chan receiveResult) {
	select {
	case res := <-results:
		if res.err != nil || res.message == nil {
			return
		}
		s.summary.Received++
		s.summary.Unprocessed++
		s.deps.metrics.recordReceived()
		s.deps.metrics.unprocessed()
		s.logger.Warnf("record #%d arrived after the session stopped and was not published", s.summary.Received)
	default:
	}
}

func (s *session) handleResult(ctx context.Context, res receiveResult) error {
	switch {
	case res.err == nil:
		return s.process(ctx, res.message)
	case errors.Is(res.err, io.EOF):
		s.logger.Debug("end of stream")
		s.state = stateDraining
		return nil
	default:
		if ctx.Err() != nil {
			return s.abort(contextStatus(ctx, s.deps.settings.idleTimeout))
		}
		return s.abort(&TransportError{Peer: s.summary.Peer, Err: res.err})
	}
}

func (s *session) process(ctx context.Context, msg *accesslogv3.StreamAccessLogsMessage) error {
	s.summary.Received++
	s.deps.metrics.recordReceived()
	s.logger.Debugf("received record #%d: %v", s.summary.Received, msg)

	record := s.withIdentifier(msg)
	bin, err := s.deps.encoder.Encode(record)
	if err != nil {
		s.summary.EncodeFailures++
		s.deps.metrics.encodeFailed()
		if s.deps.settings.encodePolicy == EncodeSkip {
			s.logger.Warnf("skipped record #%d: %v", s.summary.Received, err)
			return nil
		}
		s.logger.Errorf("record #%d: %v", s.summary.Received, err)
		return s.abort(status.Error(codes.Internal, "failed to convert to json"))
	}

	start := time.Now()
	err = s.deps.publisher.Publish(ctx, publisher.Request{Topic: s.deps.settings.topic, Payload: bin})
	s.deps.metrics.publishDone(time.Since(start), err)
	if err != nil {
		s.summary.PublishFailures++
		s.logger.Errorf("failed producing record #%d: %v", s.summary.Received, err)
		return nil
	}
	s.summary.Published++
	return nil
}

// withIdentifier remembers the stream identifier and optionally attaches it to a copy of the message
//
// Envoy sends the identifier only in the first message of a stream
func (s *session) withIdentifier(msg *accesslogv3.StreamAccessLogsMessage) *accesslogv3.StreamAccessLogsMessage {
	if msg.GetIdentifier() != nil {
		if s.identifier == nil {
			s.logger.Infof("identified as node=%s log=%s", msg.GetIdentifier().GetNode().GetId(), msg.GetIdentifier().GetLogName())
		}
		s.identifier = msg.GetIdentifier()
		return msg
	}
	if !s.deps.settings.attachIdentifier || s.identifier == nil {
		return msg
	}
	clone := proto.Clone(msg).(*accesslogv3.StreamAccessLogsMessage)
	clone.Identifier = s.identifier
	return clone
}

func (s *session) abort(err error) error {
	s.state = stateAborted
	s.logger.Warnf("session aborted: %v", err)
	return err
}

func (s *session) close() error {
	if err := s.stream.SendAndClose(&accesslogv3.StreamAccessLogsResponse{}); err != nil {
		return s.abort(&TransportError{Peer: s.summary.Peer, Err: err})
	}
	s.state = stateClosed
	return nil
}

func (s *session) end() {
	s.summary.State = string(s.state)
	s.summary.Duration = time.Since(s.started)
	s.deps.metrics.sessionEnded(s.state)
	if s.summary.Failures() > 0 || s.state == stateAborted {
		s.logger.Warnf("session ended: %s", s.summary)
	} else {
		s.logger.Infof("session ended: %s", s.summary)
	}
}

// contextStatus converts the end of a stream context into a gRPC status error
func contextStatus(ctx context.Context, idleTimeout time.Duration) error {
	if errors.Is(context.Cause(ctx), errIdleTimeout) {
		return status.Errorf(codes.DeadlineExceeded, "no record received within %s", idleTimeout)
	}
	return status.FromContextError(ctx.Err()).Err()
}
