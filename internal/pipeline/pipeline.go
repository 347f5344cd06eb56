// Package pipeline drives the processing half of the system: it streams the
// fetched segment files through the join, aggregates them, derives the
// publishable metrics and hands them to the artifact publisher and the
// optional Postgres sink.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/apklens/apklens/internal/aggregate"
	"github.com/apklens/apklens/internal/artifact"
	"github.com/apklens/apklens/internal/catalog"
	"github.com/apklens/apklens/internal/core/config"
	"github.com/apklens/apklens/internal/derive"
	"github.com/apklens/apklens/internal/export/postgres"
	"github.com/apklens/apklens/internal/migrations"
	"github.com/apklens/apklens/internal/normalize"
	"github.com/apklens/apklens/internal/partition"
	"github.com/apklens/apklens/internal/telemetry"
)

// The four sharded datasets the join consumes, plus the small unsharded
// defect-code lookup table.
const (
	datasetVehicles     = "vehicles"
	datasetInspections  = "inspections"
	datasetDefectsFound = "defects_found"
	datasetDefectCodes  = "defect_codes"
	datasetFuel         = "fuel"
)

// Pipeline owns one processing run over a completed fetch.
type Pipeline struct {
	cfg     *config.Config
	cat     *catalog.Catalog
	store   *partition.Store
	metrics *telemetry.Collector
	logger  *slog.Logger
}

func New(cfg *config.Config, cat *catalog.Catalog, store *partition.Store, metrics *telemetry.Collector, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		cat:     cat,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes the current fetch run end to end. It refuses to start when
// any partition of any dataset is still incomplete, so a crashed or budgeted
// fetch never yields partial statistics.
func (p *Pipeline) Run(ctx context.Context) error {
	names := make([]string, 0, p.cat.Len())
	for _, ds := range p.cat.List() {
		names = append(names, ds.Name)
	}
	if !p.store.AllComplete(names...) {
		return fmt.Errorf("cannot process run %s: fetch is incomplete for %v", p.store.RunID(), names)
	}

	idx, err := p.loadDefectIndex()
	if err != nil {
		return err
	}
	p.logger.Info("[Pipeline] Defect code index loaded", "codes", idx.Len())

	discards := make(map[string]int64)
	joiner, closeSources, err := p.buildJoiner(discards)
	if err != nil {
		return err
	}
	defer closeSources()

	start := time.Now()
	engine := aggregate.NewEngine(p.cfg.Process.AggregationShards)
	result, err := engine.Run(ctx, func(ctx context.Context, emit func(normalize.Event) error) error {
		return joiner.Run(ctx, func(ev normalize.Event) error {
			p.metrics.EventsAggregatedTotal.Inc()
			return emit(ev)
		})
	})
	if err != nil {
		return fmt.Errorf("aggregating run %s: %w", p.store.RunID(), err)
	}
	p.metrics.ProcessDuration.WithLabelValues("join_aggregate").Observe(time.Since(start).Seconds())
	for reason, n := range discards {
		p.metrics.EventsDiscardedTotal.WithLabelValues(reason).Add(float64(n))
	}
	p.logger.Info("[Pipeline] Aggregation complete",
		"events", result.Overall.EventCount,
		"vehicles", result.Overall.VehicleCount,
		"brands", len(result.Brands),
		"models", len(result.Models))

	start = time.Now()
	th := derive.Thresholds{
		Brand:         p.cfg.Thresholds.Brand,
		BrandFeatured: p.cfg.Thresholds.BrandFeatured,
		Model:         p.cfg.Thresholds.Model,
		ModelFeatured: p.cfg.Thresholds.ModelFeatured,
		AgeBracket:    p.cfg.Thresholds.AgeBracket,
	}
	brands := derive.Brands(result.Brands, th, idx.IsWearAndTear)
	models := derive.Models(result.Models, th, idx.IsWearAndTear)
	p.metrics.ProcessDuration.WithLabelValues("derive").Observe(time.Since(start).Seconds())
	p.logger.Info("[Pipeline] Metrics derived",
		"published_brands", len(brands),
		"published_models", len(models))

	start = time.Now()
	pub, err := artifact.NewPublisher(p.cfg.Data.OutDir, p.logger)
	if err != nil {
		return err
	}
	err = pub.Publish(artifact.Input{
		RunID:      p.store.RunID(),
		Datasets:   names,
		Completion: p.store,
		Result:     result,
		Brands:     brands,
		Models:     models,
		Index:      idx,
		Discards:   discards,
		Thresholds: th,
	})
	if err != nil {
		return err
	}
	p.metrics.ProcessDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if p.cfg.Export.DSN != "" {
		if err := p.export(ctx, result, brands, models); err != nil {
			p.metrics.ExportErrorsTotal.Inc()
			return err
		}
	}

	return nil
}

// loadDefectIndex reads the defect code lookup table into memory. The table
// is a few thousand rows, small enough to hold entirely.
func (p *Pipeline) loadDefectIndex() (*normalize.DefectIndex, error) {
	src, err := p.sourceFor(datasetDefectCodes)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	idx := normalize.NewDefectIndex()
	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading defect codes: %w", err)
		}
		idx.Add(row["gebrek_identificatie"], row["gebrek_omschrijving"], row["gebrek_artikel_nummer"])
	}
	return idx, nil
}

// buildJoiner opens the four join inputs. The returned close function
// releases whatever sources were opened, also on partial failure.
func (p *Pipeline) buildJoiner(discards map[string]int64) (*normalize.Joiner, func(), error) {
	var opened []normalize.Source
	closeAll := func() {
		for _, s := range opened {
			s.Close()
		}
	}

	sources := make(map[string]normalize.Source, 4)
	for _, name := range []string{datasetInspections, datasetVehicles, datasetDefectsFound, datasetFuel} {
		src, err := p.sourceFor(name)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, src)
		sources[name] = src
	}

	j := normalize.NewJoiner(
		sources[datasetInspections],
		sources[datasetVehicles],
		sources[datasetDefectsFound],
		sources[datasetFuel],
		func(reason string) { discards[reason]++ },
	)
	return j, closeAll, nil
}

// sourceFor lists a dataset's completed partitions in prefix order and opens
// them as one concatenated stream. Prefix order matches the segments' sort
// key ordering, so the concatenation is globally sorted by kenteken.
func (p *Pipeline) sourceFor(dataset string) (normalize.Source, error) {
	if _, err := p.cat.Get(dataset); err != nil {
		return nil, err
	}

	var paths []string
	for _, part := range p.store.List() {
		if part.Dataset != dataset || part.RowCount == 0 {
			continue
		}
		paths = append(paths, p.store.SegmentPath(part))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("dataset %s has no fetched segments", dataset)
	}
	return normalize.NewSegmentSource(paths), nil
}

func (p *Pipeline) export(ctx context.Context, result *aggregate.Result, brands, models []derive.Metric) error {
	sink, err := postgres.NewSink(p.cfg.Export.DSN, p.cfg.Export.MaxOpenConns, p.cfg.Export.MaxIdleConns, p.logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := migrations.RunMigrations(sink.DB(), p.cfg.Export.AutoMigrate); err != nil {
		return err
	}

	summary := postgres.RunSummary{
		RunID:            p.store.RunID(),
		GeneratedAt:      time.Now().UTC(),
		TotalInspections: result.Overall.EventCount,
		TotalVehicles:    result.Overall.VehicleCount,
	}
	if err := sink.ExportRun(ctx, summary, brands, models); err != nil {
		return err
	}
	p.metrics.ExportRowsTotal.WithLabelValues("brand_metrics").Add(float64(len(brands)))
	p.metrics.ExportRowsTotal.WithLabelValues("model_metrics").Add(float64(len(models)))
	return nil
}
