// Package metrics holds the OTel collectors every roster component shares.
// Service specific counters live next to the service.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
)

// latencyBuckets covers 1ms..10s and is shared by every request/query histogram
// so p95 and p99 line up across dashboards.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// publishBuckets is finer grained at the low end, publishes are usually sub-millisecond.
var publishBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics bundles the collectors handed to repositories, brokers, the health
// handler and the gRPC server. A nil collector drops its records.
type Metrics struct {
	Runtime   *RuntimeMetrics
	Database  *DatabaseMetrics
	Messaging *MessagingMetrics
	Health    *HealthMetrics
	Grpc      *GrpcMetrics
}

// New registers all shared collectors on the global meter for serviceName.
func New(ctx context.Context, serviceName string, logger *slog.Logger) (*Metrics, error) {
	meter := otel.Meter(serviceName)
	m := &Metrics{}

	var err error
	if m.Runtime, err = NewRuntimeMetrics(ctx, meter); err != nil {
		return nil, fmt.Errorf("runtime collectors: %w", err)
	}
	if m.Database, err = NewDatabaseMetrics(meter); err != nil {
		return nil, fmt.Errorf("database collectors: %w", err)
	}
	if m.Messaging, err = NewMessagingMetrics(meter); err != nil {
		return nil, fmt.Errorf("messaging collectors: %w", err)
	}
	if m.Health, err = NewHealthMetrics(meter); err != nil {
		return nil, fmt.Errorf("health collectors: %w", err)
	}
	if m.Grpc, err = NewGrpcMetrics(meter); err != nil {
		return nil, fmt.Errorf("grpc collectors: %w", err)
	}

	logger.Debug("shared metric collectors registered", "service", serviceName)
	return m, nil
}

// NewMock returns a Metrics whose collectors ignore every Record call.
func NewMock() *Metrics {
	return &Metrics{
		Database:  &DatabaseMetrics{},
		Messaging: &MessagingMetrics{},
		Health:    &HealthMetrics{dependencies: map[string]bool{}},
		Runtime:   &RuntimeMetrics{},
		Grpc:      &GrpcMetrics{},
	}
}
