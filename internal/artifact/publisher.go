// Package artifact writes the published JSON outputs of a processing run.
// Publication is all-or-nothing per file (temp file plus rename) and gated
// on every source partition being complete, so consumers never read numbers
// derived from a partially fetched corpus.
package artifact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apklens/apklens/internal/aggregate"
	"github.com/apklens/apklens/internal/derive"
	"github.com/apklens/apklens/internal/normalize"
)

const (
	topDefectLimit = 50
	rankingLimit   = 10
)

// CompletionChecker reports whether every partition of the named datasets
// has been fully fetched.
type CompletionChecker interface {
	AllComplete(datasets ...string) bool
}

// Publisher writes artifacts into one output directory.
type Publisher struct {
	outDir string
	logger *slog.Logger
}

// NewPublisher creates a publisher for outDir, creating the directory if
// needed.
func NewPublisher(outDir string, logger *slog.Logger) (*Publisher, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &Publisher{outDir: outDir, logger: logger}, nil
}

// Input bundles everything one publication needs.
type Input struct {
	RunID      string
	Datasets   []string
	Completion CompletionChecker
	Result     *aggregate.Result
	Brands     []derive.Metric
	Models     []derive.Metric
	Index      *normalize.DefectIndex
	Discards   map[string]int64
	Thresholds derive.Thresholds
}

// RankingEntry is one row of the rankings artifact.
type RankingEntry struct {
	Rank            int     `json:"rank"`
	Brand           string  `json:"brand"`
	Model           string  `json:"model,omitempty"`
	ReliabilityRate float64 `json:"reliability_rate"`
	Vehicles        int64   `json:"vehicles"`
}

type rankings struct {
	MostReliableBrands  []RankingEntry `json:"most_reliable_brands"`
	LeastReliableBrands []RankingEntry `json:"least_reliable_brands"`
	MostReliableModels  []RankingEntry `json:"most_reliable_models"`
	LeastReliableModels []RankingEntry `json:"least_reliable_models"`
}

// DefectStat is one row of the defect statistics artifact.
type DefectStat struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Count       int64   `json:"count"`
	Share       float64 `json:"share"`
	WearAndTear bool    `json:"wear_and_tear"`
}

// Range is one observed min/max bound pair the presentation layer uses to
// size its filter controls.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Ranges bundles the filter bounds published with each run.
type Ranges struct {
	Price       Range `json:"price"`
	Fleet       Range `json:"fleet"`
	Age         Range `json:"age"`
	Inspections Range `json:"inspections"`
}

type metadata struct {
	RunID             string           `json:"run_id"`
	GeneratedAt       time.Time        `json:"generated_at"`
	TotalInspections  int64            `json:"total_inspections"`
	TotalVehicles     int64            `json:"total_vehicles"`
	PublishedBrands   int              `json:"published_brands"`
	PublishedModels   int              `json:"published_models"`
	Ranges            Ranges           `json:"ranges"`
	FuelTypes         []string         `json:"fuel_types"`
	Discards          map[string]int64 `json:"discards"`
	BrandThreshold    int              `json:"brand_threshold"`
	ModelThreshold    int              `json:"model_threshold"`
	FeaturedThreshold int              `json:"featured_threshold"`
}

// Publish writes all artifacts. It fails without touching the output
// directory when any source partition is incomplete.
func (p *Publisher) Publish(in Input) error {
	if !in.Completion.AllComplete(in.Datasets...) {
		return fmt.Errorf("refusing to publish: not all partitions of %v are complete", in.Datasets)
	}

	if err := p.writeJSON("brand_stats.json", in.Brands); err != nil {
		return err
	}
	if err := p.writeJSON("model_stats.json", in.Models); err != nil {
		return err
	}
	if err := p.writeJSON("rankings.json", buildRankings(in.Brands, in.Models)); err != nil {
		return err
	}
	if err := p.writeJSON("defect_stats.json", buildDefectStats(in.Result, in.Index)); err != nil {
		return err
	}
	if err := p.writeJSON("metadata.json", buildMetadata(in)); err != nil {
		return err
	}

	p.logger.Info("[Publisher] Artifacts published",
		"run_id", in.RunID,
		"out_dir", p.outDir,
		"brands", len(in.Brands),
		"models", len(in.Models))
	return nil
}

// buildRankings cuts the ranked metrics into the four published lists: the
// ten most and ten least reliable featured keys per level. Input metrics are
// already ordered most reliable first with null-rate rows at the tail.
func buildRankings(brands, models []derive.Metric) rankings {
	be := rankedEntries(brands)
	me := rankedEntries(models)
	return rankings{
		MostReliableBrands:  headEntries(be),
		LeastReliableBrands: tailEntries(be),
		MostReliableModels:  headEntries(me),
		LeastReliableModels: tailEntries(me),
	}
}

func rankedEntries(metrics []derive.Metric) []RankingEntry {
	out := make([]RankingEntry, 0, len(metrics))
	for _, m := range metrics {
		if !m.Featured || m.ReliabilityRate == nil {
			continue
		}
		out = append(out, RankingEntry{
			Brand: m.Brand, Model: m.Model,
			ReliabilityRate: *m.ReliabilityRate, Vehicles: m.Vehicles,
		})
	}
	return out
}

// headEntries keeps the best rankingLimit rows, ranks renumbered from 1.
func headEntries(entries []RankingEntry) []RankingEntry {
	n := len(entries)
	if n > rankingLimit {
		n = rankingLimit
	}
	out := make([]RankingEntry, n)
	for i := range out {
		out[i] = entries[i]
		out[i].Rank = i + 1
	}
	return out
}

// tailEntries keeps the worst rankingLimit rows, worst first.
func tailEntries(entries []RankingEntry) []RankingEntry {
	n := len(entries)
	if n > rankingLimit {
		n = rankingLimit
	}
	out := make([]RankingEntry, n)
	for i := range out {
		out[i] = entries[len(entries)-1-i]
		out[i].Rank = i + 1
	}
	return out
}

func buildDefectStats(res *aggregate.Result, idx *normalize.DefectIndex) []DefectStat {
	var total int64
	for _, n := range res.Overall.DefectCodes {
		total += n
	}

	out := make([]DefectStat, 0, len(res.Overall.DefectCodes))
	for code, n := range res.Overall.DefectCodes {
		stat := DefectStat{
			Code:        code,
			Description: idx.Description(code),
			Count:       n,
			WearAndTear: idx.IsWearAndTear(code),
		}
		if total > 0 {
			stat.Share = float64(n) / float64(total)
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > topDefectLimit {
		out = out[:topDefectLimit]
	}
	return out
}

func buildMetadata(in Input) metadata {
	fuels := make([]string, 0, len(in.Result.Overall.FuelCounts))
	for fuel := range in.Result.Overall.FuelCounts {
		fuels = append(fuels, fuel)
	}
	sort.Strings(fuels)

	discards := in.Discards
	if discards == nil {
		discards = map[string]int64{}
	}

	return metadata{
		Ranges:            buildRanges(in),
		RunID:             in.RunID,
		GeneratedAt:       time.Now().UTC(),
		TotalInspections:  in.Result.Overall.EventCount,
		TotalVehicles:     in.Result.Overall.VehicleCount,
		PublishedBrands:   len(in.Brands),
		PublishedModels:   len(in.Models),
		FuelTypes:         fuels,
		Discards:          discards,
		BrandThreshold:    in.Thresholds.Brand,
		ModelThreshold:    in.Thresholds.Model,
		FeaturedThreshold: in.Thresholds.BrandFeatured,
	}
}

// buildRanges computes the observed filter bounds. Price and age come from
// the overall accumulator; fleet size and inspection counts span the
// published metrics so the bounds match what the filters operate on.
func buildRanges(in Input) Ranges {
	r := Ranges{
		Price: Range{Min: int64(in.Result.Overall.MinPrice), Max: int64(in.Result.Overall.MaxPrice)},
		Age:   Range{Min: int64(in.Result.Overall.MinAge), Max: int64(in.Result.Overall.MaxAge)},
	}

	first := true
	for _, set := range [][]derive.Metric{in.Brands, in.Models} {
		for _, m := range set {
			if m.Vehicles > r.Fleet.Max {
				r.Fleet.Max = m.Vehicles
			}
			if first || m.Inspections < r.Inspections.Min {
				r.Inspections.Min = m.Inspections
			}
			if m.Inspections > r.Inspections.Max {
				r.Inspections.Max = m.Inspections
			}
			first = false
		}
	}
	return r
}

// writeJSON writes v to name under the output directory via temp file and
// rename.
func (p *Publisher) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(p.outDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(p.outDir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}
