// Package stats holds the mergeable sufficient statistics accumulated per
// aggregation key. The whole design hangs on two pure operations:
//
//	Observe folds one normalized inspection event into an accumulator.
//	Merge combines two accumulators for disjoint event sets.
//
// Merge is associative and commutative, so disjoint partitions can be
// aggregated concurrently and combined in any order with a result identical
// to serial processing. Metric derivation happens elsewhere; accumulators
// always retain true, ungated totals.
package stats

// Key identifies one aggregate bucket: a brand, or a brand+model pair.
// Model is empty for brand-level aggregates.
type Key struct {
	Brand string
	Model string
}

// String renders the key the way artifacts reference it.
func (k Key) String() string {
	if k.Model == "" {
		return k.Brand
	}
	return k.Brand + "|" + k.Model
}

// Observation is one normalized inspection event as seen by the accumulator.
type Observation struct {
	VehicleID     string
	AgeYears      int
	CoverageYears float64
	Defects       int64
	// DefectCodes maps defect code to the number of occurrences in this
	// inspection. The per-code breakdown is what makes filtered
	// re-aggregation possible without raw events.
	DefectCodes map[string]int64
	Fuel        string
	Price       float64
	HasPrice    bool
}

// BracketStats is the per-age-bracket slice of an accumulator.
type BracketStats struct {
	EventCount   int64   `json:"event_count"`
	DefectSum    float64 `json:"defect_sum"`
	VehicleCount int64   `json:"vehicle_count"`

	vehicles map[string]struct{}
}

// Stats is the sufficient-statistics value for one key. Exported fields are
// the serialized artifact shape; the vehicle identity maps exist only while
// accumulating and are dropped by Seal.
type Stats struct {
	EventCount   int64   `json:"event_count"`
	VehicleCount int64   `json:"vehicle_count"`
	DefectSum    float64 `json:"defect_sum"`
	DefectSqSum  float64 `json:"defect_sq_sum"`
	VehicleYears float64 `json:"vehicle_years"`
	RateSum      float64 `json:"rate_sum"`
	RateSqSum    float64 `json:"rate_sq_sum"`
	AgeSum       float64 `json:"age_sum"`
	MinAge       int     `json:"min_age"`
	MaxAge       int     `json:"max_age"`
	PriceSum     float64 `json:"price_sum"`
	PriceCount   int64   `json:"price_count"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`

	FuelCounts  map[string]int64         `json:"fuel_counts"`
	DefectCodes map[string]int64         `json:"defect_codes"`
	Brackets    map[string]*BracketStats `json:"age_brackets"`

	// vehicleFuel maps vehicle ID to its fuel category. Distinct-vehicle
	// and per-fuel counts are derived from it at Seal time, keeping Merge
	// exact even when the same vehicle's events land on both sides of a
	// partition split.
	vehicleFuel map[string]string
	sealed      bool
}

// New returns an empty accumulator.
func New() *Stats {
	return &Stats{
		FuelCounts:  make(map[string]int64),
		DefectCodes: make(map[string]int64),
		Brackets:    make(map[string]*BracketStats),
		vehicleFuel: make(map[string]string),
	}
}

// Observe folds one event into the accumulator. Panics if called on a
// sealed value; sealing is the hand-off point to derivation.
func (s *Stats) Observe(o Observation) {
	if s.sealed {
		panic("stats: Observe on sealed accumulator")
	}
	d := float64(o.Defects)
	if s.EventCount == 0 {
		s.MinAge, s.MaxAge = o.AgeYears, o.AgeYears
	} else {
		if o.AgeYears < s.MinAge {
			s.MinAge = o.AgeYears
		}
		if o.AgeYears > s.MaxAge {
			s.MaxAge = o.AgeYears
		}
	}
	s.EventCount++
	s.DefectSum += d
	s.DefectSqSum += d * d
	s.VehicleYears += o.CoverageYears
	if o.CoverageYears > 0 {
		r := d / o.CoverageYears
		s.RateSum += r
		s.RateSqSum += r * r
	}
	s.AgeSum += float64(o.AgeYears)
	if o.HasPrice {
		if s.PriceCount == 0 || o.Price < s.MinPrice {
			s.MinPrice = o.Price
		}
		if o.Price > s.MaxPrice {
			s.MaxPrice = o.Price
		}
		s.PriceSum += o.Price
		s.PriceCount++
	}
	if _, seen := s.vehicleFuel[o.VehicleID]; !seen {
		s.vehicleFuel[o.VehicleID] = o.Fuel
	}
	for code, n := range o.DefectCodes {
		s.DefectCodes[code] += n
	}
	for _, b := range AgeBrackets {
		if o.AgeYears < b.Min || o.AgeYears > b.Max {
			continue
		}
		bs := s.Brackets[b.Name]
		if bs == nil {
			bs = &BracketStats{vehicles: make(map[string]struct{})}
			s.Brackets[b.Name] = bs
		}
		bs.EventCount++
		bs.DefectSum += d
		bs.vehicles[o.VehicleID] = struct{}{}
	}
}

// Merge folds other into s. Both accumulators must be unsealed; the operands
// must cover disjoint event sets (overlapping vehicles are fine).
func (s *Stats) Merge(other *Stats) {
	if s.sealed || other.sealed {
		panic("stats: Merge on sealed accumulator")
	}
	if other.EventCount > 0 {
		if s.EventCount == 0 {
			s.MinAge, s.MaxAge = other.MinAge, other.MaxAge
		} else {
			if other.MinAge < s.MinAge {
				s.MinAge = other.MinAge
			}
			if other.MaxAge > s.MaxAge {
				s.MaxAge = other.MaxAge
			}
		}
	}
	if other.PriceCount > 0 {
		if s.PriceCount == 0 || other.MinPrice < s.MinPrice {
			s.MinPrice = other.MinPrice
		}
		if other.MaxPrice > s.MaxPrice {
			s.MaxPrice = other.MaxPrice
		}
	}
	s.EventCount += other.EventCount
	s.DefectSum += other.DefectSum
	s.DefectSqSum += other.DefectSqSum
	s.VehicleYears += other.VehicleYears
	s.RateSum += other.RateSum
	s.RateSqSum += other.RateSqSum
	s.AgeSum += other.AgeSum
	s.PriceSum += other.PriceSum
	s.PriceCount += other.PriceCount
	for id, fuel := range other.vehicleFuel {
		if _, seen := s.vehicleFuel[id]; !seen {
			s.vehicleFuel[id] = fuel
		}
	}
	for code, n := range other.DefectCodes {
		s.DefectCodes[code] += n
	}
	for name, ob := range other.Brackets {
		bs := s.Brackets[name]
		if bs == nil {
			bs = &BracketStats{vehicles: make(map[string]struct{})}
			s.Brackets[name] = bs
		}
		bs.EventCount += ob.EventCount
		bs.DefectSum += ob.DefectSum
		for id := range ob.vehicles {
			bs.vehicles[id] = struct{}{}
		}
	}
}

// Seal derives the distinct-vehicle and per-fuel counts and drops the
// vehicle identity maps. After Seal the value is immutable and ready for
// serialization and metric derivation.
func (s *Stats) Seal() {
	if s.sealed {
		return
	}
	s.VehicleCount = int64(len(s.vehicleFuel))
	for _, fuel := range s.vehicleFuel {
		s.FuelCounts[fuel]++
	}
	s.vehicleFuel = nil
	for _, bs := range s.Brackets {
		bs.VehicleCount = int64(len(bs.vehicles))
		bs.vehicles = nil
	}
	s.sealed = true
}

// Sealed reports whether Seal has run.
func (s *Stats) Sealed() bool { return s.sealed }
