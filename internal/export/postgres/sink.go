// Package postgres is the optional relational metric sink: each processing
// run's published brand and model metrics are upserted under the run ID so
// downstream dashboards can query and compare runs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/apklens/apklens/internal/derive"
)

const (
	queryUpsertRun = `
		INSERT INTO metric_runs (run_id, generated_at, total_inspections, total_vehicles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET
			generated_at      = EXCLUDED.generated_at,
			total_inspections = EXCLUDED.total_inspections,
			total_vehicles    = EXCLUDED.total_vehicles
	`

	queryUpsertBrandMetric = `
		INSERT INTO brand_metrics (
			run_id, brand, rank, inspections, vehicles, vehicle_years,
			defect_rate, reliability_rate, rate_std_dev, avg_age, avg_price, featured
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, brand) DO UPDATE SET
			rank             = EXCLUDED.rank,
			inspections      = EXCLUDED.inspections,
			vehicles         = EXCLUDED.vehicles,
			vehicle_years    = EXCLUDED.vehicle_years,
			defect_rate      = EXCLUDED.defect_rate,
			reliability_rate = EXCLUDED.reliability_rate,
			rate_std_dev     = EXCLUDED.rate_std_dev,
			avg_age          = EXCLUDED.avg_age,
			avg_price        = EXCLUDED.avg_price,
			featured         = EXCLUDED.featured
	`

	queryUpsertModelMetric = `
		INSERT INTO model_metrics (
			run_id, brand, model, rank, inspections, vehicles, vehicle_years,
			defect_rate, reliability_rate, rate_std_dev, avg_age, avg_price, featured
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id, brand, model) DO UPDATE SET
			rank             = EXCLUDED.rank,
			inspections      = EXCLUDED.inspections,
			vehicles         = EXCLUDED.vehicles,
			vehicle_years    = EXCLUDED.vehicle_years,
			defect_rate      = EXCLUDED.defect_rate,
			reliability_rate = EXCLUDED.reliability_rate,
			rate_std_dev     = EXCLUDED.rate_std_dev,
			avg_age          = EXCLUDED.avg_age,
			avg_price        = EXCLUDED.avg_price,
			featured         = EXCLUDED.featured
	`
)

// RunSummary carries the run-level totals stored alongside the metrics.
type RunSummary struct {
	RunID            string
	GeneratedAt      time.Time
	TotalInspections int64
	TotalVehicles    int64
}

// Sink writes metrics to Postgres.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSink opens a connection pool against dsn.
func NewSink(dsn string, maxOpen, maxIdle int, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening export database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("export database unreachable: %w", err)
	}
	return &Sink{db: db, logger: logger}, nil
}

// NewSinkWithDB wraps an existing handle; used by tests.
func NewSinkWithDB(db *sql.DB, logger *slog.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// DB exposes the underlying handle for migrations.
func (s *Sink) DB() *sql.DB {
	return s.db
}

// Close releases the pool.
func (s *Sink) Close() error {
	return s.db.Close()
}

// ExportRun writes the run summary and all metrics in one transaction.
func (s *Sink) ExportRun(ctx context.Context, summary RunSummary, brands, models []derive.Metric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting export transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryUpsertRun,
		summary.RunID, summary.GeneratedAt, summary.TotalInspections, summary.TotalVehicles,
	); err != nil {
		return fmt.Errorf("upserting run %s: %w", summary.RunID, err)
	}

	brandStmt, err := tx.PrepareContext(ctx, queryUpsertBrandMetric)
	if err != nil {
		return fmt.Errorf("preparing brand upsert: %w", err)
	}
	defer brandStmt.Close()

	for _, m := range brands {
		if _, err := brandStmt.ExecContext(ctx,
			summary.RunID, m.Brand, m.Rank, m.Inspections, m.Vehicles, m.VehicleYears,
			nullableDecimal(m.DefectRate), nullableDecimal(m.ReliabilityRate),
			nullableDecimal(m.RateStdDev), decimal.NewFromFloat(m.AvgAge),
			nullableDecimal(m.AvgPrice), m.Featured,
		); err != nil {
			return fmt.Errorf("upserting brand metric %s: %w", m.Brand, err)
		}
	}

	modelStmt, err := tx.PrepareContext(ctx, queryUpsertModelMetric)
	if err != nil {
		return fmt.Errorf("preparing model upsert: %w", err)
	}
	defer modelStmt.Close()

	for _, m := range models {
		if _, err := modelStmt.ExecContext(ctx,
			summary.RunID, m.Brand, m.Model, m.Rank, m.Inspections, m.Vehicles, m.VehicleYears,
			nullableDecimal(m.DefectRate), nullableDecimal(m.ReliabilityRate),
			nullableDecimal(m.RateStdDev), decimal.NewFromFloat(m.AvgAge),
			nullableDecimal(m.AvgPrice), m.Featured,
		); err != nil {
			return fmt.Errorf("upserting model metric %s %s: %w", m.Brand, m.Model, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing export: %w", err)
	}

	s.logger.Info("[Export] Run exported",
		"run_id", summary.RunID, "brands", len(brands), "models", len(models))
	return nil
}

func nullableDecimal(v *float64) any {
	if v == nil {
		return nil
	}
	return decimal.NewFromFloat(*v)
}
