package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relex/alsrelay/publisher"
	"github.com/relex/alsrelay/server"
	"github.com/relex/alsrelay/telemetry"
	"github.com/relex/gotils/logger"
)

type serveCmdState struct {
	server.Config
	publisher.KafkaConfig
	publisher.RetryConfig
	telemetry.TracingConfig

	Sink           string `help:"Where to publish: kafka, or stdout to print payloads instead"`
	ShutdownGrace  string `help:"Time for active sessions to finish after SIGINT or SIGTERM before they're cancelled"`
	MetricsAddress string `help:"Address to serve prometheus metrics on /metrics, empty to disable"`
}

var serveCmd = serveCmdState{
	Config:         server.DefaultConfig(),
	KafkaConfig:    publisher.DefaultKafkaConfig(),
	RetryConfig:    publisher.DefaultRetryConfig(),
	TracingConfig:  telemetry.DefaultTracingConfig(),
	Sink:           "kafka",
	ShutdownGrace:  "10s",
	MetricsAddress: "",
}

func (cmd *serveCmdState) Run(args []string) {
	grace, err := time.ParseDuration(cmd.ShutdownGrace)
	if err != nil {
		logger.Fatal("invalid shutdown grace: ", err)
	}
	if err := cmd.Config.Validate(); err != nil {
		logger.Fatal(err)
	}

	shutdownTracing, err := telemetry.InitTracing(context.Background(), logger.Root(), cmd.TracingConfig)
	if err != nil {
		logger.Fatal(err)
	}

	pub, err := cmd.openPublisher()
	if err != nil {
		logger.Fatal(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsServer := launchMetricsServer(cmd.MetricsAddress, registry)

	relay, addr, err := server.LaunchServer(logger.Root(), cmd.Config, pub, server.NewMetrics(registry),
		server.LogRequestHook(logger.Root()))
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("relaying access logs from %s to '%s' via %s", addr, cmd.Topic, cmd.Sink)

	sigChan := make(chan os.Signal, 10)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGTERM)

	s := <-sigChan
	logger.Infof("server received %v, stopping", s)

	if !relay.Shutdown(grace) {
		logger.Warnf("sessions cancelled after %s", grace)
	}
	if err := pub.Close(); err != nil {
		logger.Errorf("failed to close publisher: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			logger.Errorf("failed to close metrics server: %v", err)
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Errorf("failed to flush traces: %v", err)
	}
	logger.Info("server stopped")

	exitCode = ExitCode(s)
}

func (cmd *serveCmdState) openPublisher() (publisher.Publisher, error) {
	policy, err := cmd.RetryConfig.Policy()
	if err != nil {
		return nil, err
	}

	var pub publisher.Publisher
	switch cmd.Sink {
	case "kafka":
		kafkaPub, err := publisher.NewKafkaPublisher(logger.Root(), cmd.KafkaConfig)
		if err != nil {
			return nil, err
		}
		logger.Infof("publishing to brokers %v", kafkaPub.Brokers())
		pub = kafkaPub
	case "stdout":
		pub = publisher.NewWriterPublisher(os.Stdout)
	default:
		return nil, fmt.Errorf("unknown sink '%s', must be kafka or stdout", cmd.Sink)
	}
	return publisher.WithRetry(logger.Root(), pub, policy), nil
}

func launchMetricsServer(address string, registry *prometheus.Registry) *http.Server {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Infof("serving metrics on %s/metrics", address)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server stopped: %v", err)
		}
	}()
	return metricsServer
}

// ExitCode returns the conventional exit code of a process terminated by the given signal
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
