package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the supervisor's metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	HealthCheckDuration metric.Float64Histogram
	DBRetries           metric.Int64Counter
	SessionReconnects   metric.Int64Counter
	SessionUp           metric.Int64UpDownCounter
	WorkerHeartbeats    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("matchbot.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthCheckDuration, err = meter.Float64Histogram("matchbot.healthcheck.duration",
		metric.WithDescription("Database health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DBRetries, err = meter.Int64Counter("matchbot.db.retries",
		metric.WithDescription("Database connection attempts that were retried"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionReconnects, err = meter.Int64Counter("matchbot.session.reconnects",
		metric.WithDescription("Platform session restarts"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionUp, err = meter.Int64UpDownCounter("matchbot.session.up",
		metric.WithDescription("1 while the platform session is established"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerHeartbeats, err = meter.Int64Counter("matchbot.worker.heartbeats",
		metric.WithDescription("Worker heartbeat ticks"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
