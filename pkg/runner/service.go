package runner

import "context"

// Service is a component with a start/stop lifecycle managed by a Runner.
// The engine, the embedded NATS server and the demo seeder implement it.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is ready. It must give up when ctx is
	// done.
	Start(ctx context.Context) error

	// Stop releases the service within the ctx deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
