package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sigma/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"sigma_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"sigma_db_pool_connections_idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"sigma_db_pool_connections_acquired", "Connections currently acquired by callers",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"sigma_db_pool_connections_constructing", "Connections currently being constructed",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), normalized)...)

	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
