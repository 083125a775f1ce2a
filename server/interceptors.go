package server

import (
	"context"
	"errors"
	"time"

	"github.com/relex/gotils/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var errIdleTimeout = errors.New("idle timeout")

// Hook inspects an incoming stream before it's dispatched to the access log handler
//
// A non-nil error rejects the stream and no session is opened. Errors without a gRPC status are
// reported to the client as PermissionDenied.
type Hook func(ctx context.Context, fullMethod string) error

// LogRequestHook logs every incoming stream with its peer and metadata
func LogRequestHook(parentLogger logger.Logger) Hook {
	hlogger := parentLogger.WithField("component", "RequestHook")
	return func(ctx context.Context, fullMethod string) error {
		md, _ := metadata.FromIncomingContext(ctx)
		hlogger.Infof("intercepted %s from %s, metadata=%v", fullMethod, peerAddress(ctx), md)
		return nil
	}
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// contextStream replaces the context of a server stream
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context {
	return s.ctx
}

func loggingInterceptor(parentLogger logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		peerAddr := peerAddress(ss.Context())
		parentLogger.Infof("started %s from %s", info.FullMethod, peerAddr)

		err := handler(srv, ss)

		latency := time.Since(start).Microseconds()
		if err != nil {
			parentLogger.Warnf("finished %s from %s: code=%s latency=%dµs: %v", info.FullMethod, peerAddr, status.Code(err), latency, err)
		} else {
			parentLogger.Infof("finished %s from %s: code=%s latency=%dµs", info.FullMethod, peerAddr, codes.OK, latency)
		}
		return err
	}
}

// metadataCarrier adapts incoming gRPC metadata for trace context propagation
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key string, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func tracingInterceptor(tracer trace.Tracer) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
		}
		ctx, span := tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("net.peer.address", peerAddress(ctx)),
			),
		)
		defer span.End()

		err := handler(srv, &contextStream{ss, ctx})

		st := status.Convert(err)
		span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
		if err != nil {
			span.SetStatus(otelcodes.Error, st.Message())
		}
		return err
	}
}

func hooksInterceptor(hooks []Hook) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		for _, hook := range hooks {
			if err := hook(ss.Context(), info.FullMethod); err != nil {
				if _, ok := status.FromError(err); ok {
					return err
				}
				return status.Error(codes.PermissionDenied, err.Error())
			}
		}
		return handler(srv, ss)
	}
}

// idleStream cancels its context with errIdleTimeout if a single RecvMsg waits longer than the timeout
//
// Time spent outside RecvMsg, e.g. publishing, is not counted
type idleStream struct {
	grpc.ServerStream
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
}

func (s *idleStream) Context() context.Context {
	return s.ctx
}

func (s *idleStream) RecvMsg(m interface{}) error {
	timer := time.AfterFunc(s.timeout, func() { s.cancel(errIdleTimeout) })
	defer timer.Stop()
	return s.ServerStream.RecvMsg(m)
}

func idleTimeoutInterceptor(timeout time.Duration) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, cancel := context.WithCancelCause(ss.Context())
		defer cancel(nil)
		return handler(srv, &idleStream{ServerStream: ss, ctx: ctx, cancel: cancel, timeout: timeout})
	}
}
