// Package server provides the gRPC relay which receives Envoy access logs over client streams and publishes each message to Kafka
package server

import (
	"net"
	"sync"
	"time"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relex/alsrelay/payload"
	"github.com/relex/alsrelay/publisher"
	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// RelayServer is the listener for Envoy access log service streams
type RelayServer struct {
	accesslogv3.UnimplementedAccessLogServiceServer

	logger     logger.Logger
	deps       sessionDeps
	listener   net.Listener
	grpcServer *grpc.Server
	sessionMap *sync.Map
	draining   chan struct{}
	drainOnce  sync.Once
	serveEnded channels.Awaitable
}

// LaunchServer validates the config, binds the listener and serves in background
//
// Metrics may be nil if they're not going to be exported. Hooks run in order before each stream is dispatched.
func LaunchServer(parentLogger logger.Logger, config Config, pub publisher.Publisher, metrics *Metrics, hooks ...Hook) (*RelayServer, net.Addr, error) {
	slogger := parentLogger.WithField("component", "RelayServer")

	settings, err := config.parse()
	if err != nil {
		return nil, nil, &StartupError{Reason: "invalid configuration", Err: err}
	}
	encoder, err := payload.NewEncoder(settings.format)
	if err != nil {
		return nil, nil, &StartupError{Reason: "invalid configuration", Err: err}
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	lsnr, err := net.Listen("tcp", settings.address)
	if err != nil {
		return nil, nil, &StartupError{Reason: "failed to listen on " + settings.address, Err: err}
	}
	slogger.Infof("listening to %s", lsnr.Addr())

	draining := make(chan struct{})
	server := &RelayServer{
		logger: slogger,
		deps: sessionDeps{
			settings:  settings,
			encoder:   encoder,
			publisher: pub,
			metrics:   metrics,
			draining:  draining,
		},
		listener:   lsnr,
		sessionMap: new(sync.Map),
		draining:   draining,
	}
	server.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:                  defs.KeepaliveTime,
			Timeout:               defs.KeepaliveTimeout,
			MaxConnectionAgeGrace: defs.MaxConnectionAgeGrace,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             defs.KeepaliveMinClientTime,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(
			loggingInterceptor(slogger),
			tracingInterceptor(otel.Tracer(defs.TracerName)),
			hooksInterceptor(hooks),
			idleTimeoutInterceptor(settings.idleTimeout),
		),
	)
	accesslogv3.RegisterAccessLogServiceServer(server.grpcServer, server)

	endsignal := channels.NewSignalAwaitable()
	server.serveEnded = endsignal
	go func() {
		defer endsignal.Signal()
		server.run()
	}()
	return server, lsnr.Addr(), nil
}

// StreamAccessLogs handles one client stream as a session
func (server *RelayServer) StreamAccessLogs(stream accesslogv3.AccessLogService_StreamAccessLogsServer) error {
	id := uuid.NewString()
	sess := newSession(server.logger, server.deps, id, peerAddress(stream.Context()), stream)
	server.sessionMap.Store(id, sess)
	defer server.sessionMap.Delete(id)
	return sess.run()
}

// ActiveSessions returns the number of streams being processed
func (server *RelayServer) ActiveSessions() int {
	num := 0
	server.sessionMap.Range(func(_, _ interface{}) bool {
		num++
		return true
	})
	return num
}

// Shutdown stops accepting new streams and lets active sessions finish their current records
//
// Sessions still running after the grace period are cancelled. Returns true if all sessions ended in time.
func (server *RelayServer) Shutdown(grace time.Duration) bool {
	server.drainOnce.Do(func() { close(server.draining) })
	server.logger.Infof("shutting down, draining %d sessions", server.ActiveSessions())

	stopped := make(chan struct{})
	go func() {
		server.grpcServer.GracefulStop()
		close(stopped)
	}()

	graceful := true
	select {
	case <-stopped:
	case <-time.After(grace):
		server.logger.Warnf("grace period %s elapsed, cancelling %d sessions", grace, server.ActiveSessions())
		server.grpcServer.Stop()
		<-stopped
		graceful = false
	}
	server.serveEnded.WaitForever()
	return graceful
}

func (server *RelayServer) run() {
	if err := server.grpcServer.Serve(server.listener); err != nil {
		server.logger.Error("listener stopped: ", err)
		return
	}
	server.logger.Info("listener stopped")
}
