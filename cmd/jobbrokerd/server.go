package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"jobbroker/lib/broker"
	"jobbroker/lib/config"
	liberrors "jobbroker/lib/errors"
	"jobbroker/lib/metrics"
	"jobbroker/lib/slog"
	"jobbroker/lib/task"
)

// Server wires together the broker's Manager, its TCP accept loop, its
// timeout sweep, and (optionally) a Prometheus sidecar.
type Server struct {
	logger slog.Logger
	cfg    *config.Config

	manager       *task.Manager
	listener      *broker.Listener
	ticker        *broker.TimeoutTicker
	metricsServer *metrics.Server
}

// NewServer builds a Server ready to Serve, binding its listen socket
// eagerly so that startup failures surface before Serve is called.
func NewServer(logger slog.Logger, cfg *config.Config) (*Server, error) {
	router := broker.NewRouter()

	var reporter task.Reporter = task.NoopReporter{}
	var metricsServer *metrics.Server
	if cfg.MetricsListenAddress != "" {
		reg := prometheus.NewRegistry()
		reporter = metrics.NewPrometheusReporter(reg)
		metricsServer = metrics.NewServer(reg)
	}

	manager := task.New(router, reporter)

	netListener, err := net.Listen(cfg.ListenNetwork, cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on network %s address %s: %w", cfg.ListenNetwork, cfg.ListenAddress, err)
	}

	brokerListener := &broker.Listener{
		Logger:              logger,
		Listener:            netListener,
		Manager:             manager,
		Router:              router,
		AcceptErrorCooldown: cfg.AcceptErrorCooldown.Duration(),
		AdminEnabled:        cfg.AdminEnabled,
	}

	return &Server{
		logger:        logger,
		cfg:           cfg,
		manager:       manager,
		listener:      brokerListener,
		ticker:        broker.NewTimeoutTicker(manager, cfg.TimeoutSweepPeriod.Duration()),
		metricsServer: metricsServer,
	}, nil
}

// Serve blocks accepting job-protocol connections until the listener is
// closed, typically by the admin `shutdown` command; transient Accept
// errors are retried by the listener. It is not a graceful drain: in-flight jobs and open
// connections are left exactly where Serve found them.
func (s *Server) Serve() error {
	defer func() {
		_ = s.listener.Listener.Close()
	}()

	s.ticker.Start(context.Background())
	defer s.ticker.Stop()

	// Failures from the listener's own Accept loop and from the metrics
	// sidecar's independent HTTP server are collected onto one channel and
	// combined, rather than the first one winning and the other being lost.
	errs := make(chan error, 3)
	var metricsWg sync.WaitGroup

	if s.metricsServer != nil {
		metricsListener, err := net.Listen("tcp", s.cfg.MetricsListenAddress)
		if err != nil {
			return fmt.Errorf("listen for metrics on %s: %w", s.cfg.MetricsListenAddress, err)
		}
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	s.logger.Info(&slog.LogRecord{Msg: fmt.Sprintf("listening on network: %s address: %s", s.cfg.ListenNetwork, s.cfg.ListenAddress)})
	if err := s.listener.Serve(); err != nil {
		errs <- fmt.Errorf("job listener: %w", err)
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(context.Background()); err != nil {
			errs <- fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	metricsWg.Wait()
	close(errs)

	return liberrors.AggregateErrorFromChannel(errs)
}
