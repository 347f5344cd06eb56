package stats

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func obs(vehicle string, age int, coverage float64, defects int64) Observation {
	return Observation{
		VehicleID:     vehicle,
		AgeYears:      age,
		CoverageYears: coverage,
		Defects:       defects,
		DefectCodes:   map[string]int64{"205": defects},
		Fuel:          "Benzine",
	}
}

func aggregate(events []Observation) *Stats {
	s := New()
	for _, e := range events {
		s.Observe(e)
	}
	return s
}

func requireClose(t *testing.T, want, got float64) {
	t.Helper()
	if want == 0 {
		require.InDelta(t, want, got, 1e-9)
		return
	}
	require.InEpsilon(t, want, got, 1e-9)
}

func requireStatsEqual(t *testing.T, want, got *Stats) {
	t.Helper()
	require.Equal(t, want.EventCount, got.EventCount)
	require.Equal(t, want.VehicleCount, got.VehicleCount)
	requireClose(t, want.DefectSum, got.DefectSum)
	requireClose(t, want.DefectSqSum, got.DefectSqSum)
	requireClose(t, want.VehicleYears, got.VehicleYears)
	requireClose(t, want.RateSum, got.RateSum)
	requireClose(t, want.RateSqSum, got.RateSqSum)
	require.Equal(t, want.MinAge, got.MinAge)
	require.Equal(t, want.MaxAge, got.MaxAge)
	requireClose(t, want.MaxPrice, got.MaxPrice)
	require.Equal(t, want.FuelCounts, got.FuelCounts)
	require.Equal(t, want.DefectCodes, got.DefectCodes)
	require.Equal(t, len(want.Brackets), len(got.Brackets))
	for name, wb := range want.Brackets {
		gb := got.Brackets[name]
		require.NotNil(t, gb, "bracket %s", name)
		require.Equal(t, wb.EventCount, gb.EventCount)
		require.Equal(t, wb.VehicleCount, gb.VehicleCount)
		requireClose(t, wb.DefectSum, gb.DefectSum)
	}
}

func TestMergeMatchesSerialAggregation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := make([]Observation, 500)
	for i := range events {
		// Deliberately reuse vehicle IDs so splits put the same vehicle
		// on both sides.
		events[i] = obs(
			fmt.Sprintf("VH-%03d", rng.Intn(120)),
			rng.Intn(25),
			0.25+rng.Float64()*2,
			int64(rng.Intn(6)),
		)
	}

	serial := aggregate(events)
	serial.Seal()

	for _, split := range []int{1, 100, 250, 499} {
		a := aggregate(events[:split])
		b := aggregate(events[split:])
		a.Merge(b)
		a.Seal()
		requireStatsEqual(t, serial, a)
	}
}

func TestMergeIsAssociative(t *testing.T) {
	events := make([]Observation, 90)
	for i := range events {
		events[i] = obs(fmt.Sprintf("VH-%02d", i%30), i%20, 1.0+float64(i%4)*0.5, int64(i%3))
	}
	a, b, c := events[:30], events[30:60], events[60:]

	left := aggregate(a)
	left.Merge(aggregate(b))
	left.Merge(aggregate(c))
	left.Seal()

	inner := aggregate(b)
	inner.Merge(aggregate(c))
	right := aggregate(a)
	right.Merge(inner)
	right.Seal()

	requireStatsEqual(t, left, right)
}

func TestIncrementalObserve(t *testing.T) {
	s := New()
	s.Observe(Observation{VehicleID: "V1", AgeYears: 6, CoverageYears: 2.0, Defects: 1})
	s.Observe(Observation{VehicleID: "V2", AgeYears: 9, CoverageYears: 1.0, Defects: 0})

	require.EqualValues(t, 1, s.DefectSum)
	require.EqualValues(t, 3.0, s.VehicleYears)
	require.InDelta(t, 0.3333, s.DefectSum/s.VehicleYears, 1e-4)

	// A third event updates the sums without touching the first two.
	s.Observe(Observation{VehicleID: "V1", AgeYears: 7, CoverageYears: 1.0, Defects: 2})
	require.EqualValues(t, 3, s.DefectSum)
	require.EqualValues(t, 4.0, s.VehicleYears)
	require.InDelta(t, 0.75, s.DefectSum/s.VehicleYears, 1e-9)
}

func TestBracketAssignment(t *testing.T) {
	tests := []struct {
		age  int
		want []string
	}{
		{age: 3, want: nil},
		{age: 4, want: []string{"4_7"}},
		{age: 6, want: []string{"4_7", "5_15"}},
		{age: 10, want: []string{"8_12", "5_15"}},
		{age: 15, want: []string{"13_20", "5_15"}},
		{age: 18, want: []string{"13_20"}},
		{age: 25, want: nil},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("age_%d", tc.age), func(t *testing.T) {
			s := New()
			s.Observe(obs("V1", tc.age, 1.0, 1))
			require.Len(t, s.Brackets, len(tc.want))
			for _, name := range tc.want {
				require.Contains(t, s.Brackets, name)
			}
		})
	}
}

func TestSealDerivesVehicleAndFuelCounts(t *testing.T) {
	s := New()
	s.Observe(Observation{VehicleID: "V1", AgeYears: 6, CoverageYears: 1, Defects: 1, Fuel: "Diesel"})
	s.Observe(Observation{VehicleID: "V1", AgeYears: 7, CoverageYears: 1, Defects: 0, Fuel: "Diesel"})
	s.Observe(Observation{VehicleID: "V2", AgeYears: 6, CoverageYears: 1, Defects: 2, Fuel: "Benzine"})
	s.Seal()

	require.EqualValues(t, 2, s.VehicleCount)
	require.Equal(t, map[string]int64{"Diesel": 1, "Benzine": 1}, s.FuelCounts)
	require.EqualValues(t, 2, s.Brackets["4_7"].VehicleCount)
	require.True(t, s.Sealed())
}

func TestObservedRanges(t *testing.T) {
	s := New()
	s.Observe(Observation{VehicleID: "V1", AgeYears: 6, CoverageYears: 1, Price: 18000, HasPrice: true})
	s.Observe(Observation{VehicleID: "V2", AgeYears: 14, CoverageYears: 1, Price: 42000, HasPrice: true})
	s.Observe(Observation{VehicleID: "V3", AgeYears: 2, CoverageYears: 1})

	require.Equal(t, 2, s.MinAge)
	require.Equal(t, 14, s.MaxAge)
	require.EqualValues(t, 18000, s.MinPrice)
	require.EqualValues(t, 42000, s.MaxPrice)

	other := New()
	other.Observe(Observation{VehicleID: "V4", AgeYears: 30, CoverageYears: 1, Price: 9000, HasPrice: true})
	s.Merge(other)
	require.Equal(t, 2, s.MinAge)
	require.Equal(t, 30, s.MaxAge)
	require.EqualValues(t, 9000, s.MinPrice)
	require.EqualValues(t, 42000, s.MaxPrice)

	// Merging into an empty accumulator adopts the operand's range.
	empty := New()
	empty.Merge(other)
	require.Equal(t, 30, empty.MinAge)
	require.Equal(t, 30, empty.MaxAge)
	require.EqualValues(t, 9000, empty.MinPrice)
}

func TestRateSumsSupportVariance(t *testing.T) {
	s := New()
	rates := []float64{0.5, 1.0, 1.5, 2.0}
	for i, r := range rates {
		s.Observe(Observation{VehicleID: fmt.Sprintf("V%d", i), AgeYears: 8, CoverageYears: 1.0, Defects: int64(r * 2)})
	}
	// defects were 1,2,3,4 over 1.0y each; rates 1,2,3,4
	n := float64(s.EventCount)
	variance := (s.RateSqSum - s.RateSum*s.RateSum/n) / (n - 1)
	require.InDelta(t, 5.0/3.0, variance, 1e-9)
	require.False(t, math.IsNaN(variance))
}
