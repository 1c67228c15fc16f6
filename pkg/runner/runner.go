// Package runner starts services in order and stops them in reverse order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service startup.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithSignalHandling toggles shutdown on SIGINT and SIGTERM. Enabled by
// default.
func WithSignalHandling(enabled bool) Option {
	return func(r *Runner) {
		r.handleSignals = enabled
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
		handleSignals:   true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled
// or a shutdown signal arrives.
//
// Services are started sequentially in the order they were registered.
// On shutdown, services are stopped in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = ShutdownContext(ctx)
		defer stop()
	}

	started, err := r.Start(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	r.logger.Info("shutting down services gracefully",
		slog.Duration("timeout", r.shutdownTimeout))

	return r.stopServices(started)
}

// Start starts every service in order. If one fails, the services already
// started are stopped and the error is returned.
func (r *Runner) Start(ctx context.Context) ([]Service, error) {
	r.logger.Info("starting services", slog.Int("count", len(r.services)))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		r.logger.Info("starting service", slog.String("service", service.Name()))

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service",
				slog.String("service", service.Name()),
				slog.String("error", err.Error()))

			if stopErr := r.stopServices(started); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			return nil, fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", slog.String("service", service.Name()))
	}

	r.logger.Info("all services started successfully")
	return started, nil
}

// Stop stops services in reverse order.
func (r *Runner) Stop(services []Service) error {
	return r.stopServices(services)
}

// stopServices stops services one at a time in reverse order. Later services
// depend on earlier ones, so an earlier service is only stopped after every
// later one returned.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(services) - 1; i >= 0; i-- {
			svc := services[i]
			r.logger.Info("stopping service", slog.String("service", svc.Name()))

			if err := svc.Stop(shutdownCtx); err != nil {
				r.logger.Error("error stopping service",
					slog.String("service", svc.Name()),
					slog.String("error", err.Error()))
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
				mu.Unlock()
				continue
			}

			r.logger.Info("service stopped", slog.String("service", svc.Name()))
		}
	}()

	select {
	case <-done:
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
		r.logger.Info("all services stopped successfully")
		return nil

	case <-shutdownCtx.Done():
		r.logger.Error("shutdown timeout exceeded",
			slog.Duration("timeout", r.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
