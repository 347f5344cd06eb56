// Package derive turns sealed sufficient statistics into the published
// metric values: defect rates per vehicle-year, spread, per-bracket rates,
// and reliability rates with wear-and-tear defects filtered out. Sample
// thresholds decide which values publish and which stay null.
package derive

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/apklens/apklens/internal/core/stats"
)

// Thresholds carries the minimum sample sizes for publication.
type Thresholds struct {
	Brand         int
	BrandFeatured int
	Model         int
	ModelFeatured int
	AgeBracket    int
}

// BracketMetric is the published per-age-bracket value. AvgDefects is nil
// when the bracket has too few vehicles to be meaningful.
type BracketMetric struct {
	Inspections int64    `json:"inspections"`
	Vehicles    int64    `json:"vehicles"`
	AvgDefects  *float64 `json:"avg_defects"`
}

// Metric is one published brand or model row. Keys below the vehicle-count
// threshold keep their counts but carry null rate values and no rank, so
// consumers can tell "too small a sample" from "not observed".
type Metric struct {
	Brand           string                   `json:"brand"`
	Model           string                   `json:"model,omitempty"`
	Inspections     int64                    `json:"inspections"`
	Vehicles        int64                    `json:"vehicles"`
	VehicleYears    float64                  `json:"vehicle_years"`
	DefectRate      *float64                 `json:"defect_rate"`
	ReliabilityRate *float64                 `json:"reliability_rate"`
	RateStdDev      *float64                 `json:"rate_std_dev"`
	AvgAge          float64                  `json:"avg_age"`
	AvgPrice        *float64                 `json:"avg_price"`
	Featured        bool                     `json:"featured"`
	Rank            int                      `json:"rank,omitempty"`
	FuelBreakdown   map[string]int64         `json:"fuel_breakdown"`
	AgeBrackets     map[string]BracketMetric `json:"age_brackets"`
}

// CodeFilter reports whether a defect code should be excluded from a
// filtered rate.
type CodeFilter func(code string) bool

const (
	ratePlaces  = 4
	valuePlaces = 2
)

func round(x float64, places int32) float64 {
	v, _ := decimal.NewFromFloat(x).Round(places).Float64()
	return v
}

// Rate returns the defect rate per vehicle-year.
func Rate(s *stats.Stats) float64 {
	if s.VehicleYears <= 0 {
		return 0
	}
	return s.DefectSum / s.VehicleYears
}

// FilteredRate re-derives the defect rate with some codes excluded, without
// revisiting events: the full rate is scaled by the share of recorded code
// occurrences that survive the filter. Stats without code detail keep the
// unfiltered rate.
func FilteredRate(s *stats.Stats, exclude CodeFilter) float64 {
	full := Rate(s)
	var total, included int64
	for code, n := range s.DefectCodes {
		total += n
		if !exclude(code) {
			included += n
		}
	}
	if total == 0 {
		return full
	}
	return full * float64(included) / float64(total)
}

// StdDev returns the sample standard deviation of per-event defect rates,
// or nil with fewer than two events.
func StdDev(s *stats.Stats) *float64 {
	if s.EventCount < 2 {
		return nil
	}
	n := float64(s.EventCount)
	variance := (s.RateSqSum - s.RateSum*s.RateSum/n) / (n - 1)
	if variance < 0 {
		variance = 0 // floating point noise near zero spread
	}
	sd := round(math.Sqrt(variance), ratePlaces)
	return &sd
}

func deriveOne(key stats.Key, s *stats.Stats, min, featuredAt, bracketMin int, exclude CodeFilter) Metric {
	m := Metric{
		Brand:         key.Brand,
		Model:         key.Model,
		Inspections:   s.EventCount,
		Vehicles:      s.VehicleCount,
		VehicleYears:  round(s.VehicleYears, valuePlaces),
		Featured:      s.VehicleCount >= int64(featuredAt),
		FuelBreakdown: s.FuelCounts,
		AgeBrackets:   make(map[string]BracketMetric, len(s.Brackets)),
	}

	if s.VehicleCount >= int64(min) {
		dr := round(Rate(s), ratePlaces)
		rr := round(FilteredRate(s, exclude), ratePlaces)
		m.DefectRate = &dr
		m.ReliabilityRate = &rr
		m.RateStdDev = StdDev(s)
	}

	if s.EventCount > 0 {
		m.AvgAge = round(s.AgeSum/float64(s.EventCount), valuePlaces)
	}
	if s.PriceCount > 0 {
		avg := round(s.PriceSum/float64(s.PriceCount), valuePlaces)
		m.AvgPrice = &avg
	}

	for _, b := range stats.AgeBrackets {
		bs := s.Brackets[b.Name]
		if bs == nil {
			m.AgeBrackets[b.Name] = BracketMetric{}
			continue
		}
		bm := BracketMetric{Inspections: bs.EventCount, Vehicles: bs.VehicleCount}
		if bs.VehicleCount >= int64(bracketMin) && bs.EventCount > 0 {
			avg := round(bs.DefectSum/float64(bs.EventCount), ratePlaces)
			bm.AvgDefects = &avg
		}
		m.AgeBrackets[b.Name] = bm
	}

	return m
}

// Brands derives the brand metrics: keys under the vehicle-count threshold
// keep their key with null rates, keys past the featured threshold are
// flagged. The result is ranked by reliability rate ascending.
func Brands(in map[stats.Key]*stats.Stats, th Thresholds, exclude CodeFilter) []Metric {
	return derive(in, th.Brand, th.BrandFeatured, th.AgeBracket, exclude)
}

// Models derives the model metrics.
func Models(in map[stats.Key]*stats.Stats, th Thresholds, exclude CodeFilter) []Metric {
	return derive(in, th.Model, th.ModelFeatured, th.AgeBracket, exclude)
}

func derive(in map[stats.Key]*stats.Stats, min, featuredAt, bracketMin int, exclude CodeFilter) []Metric {
	if exclude == nil {
		exclude = func(string) bool { return false }
	}
	out := make([]Metric, 0, len(in))
	for key, s := range in {
		out = append(out, deriveOne(key, s, min, featuredAt, bracketMin, exclude))
	}
	rank(out)
	return out
}

// rank orders metrics by reliability rate ascending (most reliable first),
// breaking ties by vehicle count descending, then name. Null-rate rows sort
// after all ranked rows and receive no rank.
func rank(metrics []Metric) {
	sort.Slice(metrics, func(i, j int) bool {
		a, b := metrics[i], metrics[j]
		if (a.ReliabilityRate == nil) != (b.ReliabilityRate == nil) {
			return b.ReliabilityRate == nil
		}
		if a.ReliabilityRate != nil && *a.ReliabilityRate != *b.ReliabilityRate {
			return *a.ReliabilityRate < *b.ReliabilityRate
		}
		if a.Vehicles != b.Vehicles {
			return a.Vehicles > b.Vehicles
		}
		if a.Brand != b.Brand {
			return a.Brand < b.Brand
		}
		return a.Model < b.Model
	})
	for i := range metrics {
		if metrics[i].ReliabilityRate == nil {
			break
		}
		metrics[i].Rank = i + 1
	}
}
