package normalize

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/apklens/apklens/internal/core/stats"
	"github.com/apklens/apklens/internal/segment"
)

// Discard reasons reported while normalizing.
const (
	DiscardMissingKey         = "missing_key"
	DiscardNotPeriodic        = "not_periodic"
	DiscardDuplicateSameDay   = "duplicate_same_day"
	DiscardUnmatchedVehicle   = "unmatched_vehicle"
	DiscardBadInspectionDate  = "bad_inspection_date"
	DiscardBadRegistration    = "bad_registration_date"
	DiscardAgeOutOfRange      = "age_out_of_range"
	DiscardBeforeRegistration = "inspection_before_registration"
)

// Event is one accepted primary inspection with its joined vehicle context.
type Event struct {
	Brand string
	Model string
	Obs   stats.Observation
}

// Joiner merge-joins the sorted dataset streams by license plate and emits
// normalized events. Inspections drive the join; a plate without a matching
// vehicle record is discarded, missing fuel data degrades to Other.
type Joiner struct {
	inspections *groupCursor
	vehicles    *seeker
	defects     *seeker
	fuel        *seeker
	onDiscard   func(reason string)
}

// NewJoiner wires a joiner over the four dataset sources. onDiscard receives
// one call per dropped inspection record; pass nil to ignore.
func NewJoiner(inspections, vehicles, defects, fuel Source, onDiscard func(reason string)) *Joiner {
	if onDiscard == nil {
		onDiscard = func(string) {}
	}
	return &Joiner{
		inspections: newGroupCursor(inspections, "kenteken"),
		vehicles:    newSeeker(newGroupCursor(vehicles, "kenteken")),
		defects:     newSeeker(newGroupCursor(defects, "kenteken")),
		fuel:        newSeeker(newGroupCursor(fuel, "kenteken")),
		onDiscard:   onDiscard,
	}
}

// defectTally aggregates the defect rows of one inspection key.
type defectTally struct {
	count int64
	codes map[string]int64
}

// Run streams events to emit until the inspection stream is exhausted.
func (j *Joiner) Run(ctx context.Context, emit func(Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		plate, inspRows, err := j.inspections.nextGroup()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(plate) == "" {
			for range inspRows {
				j.onDiscard(DiscardMissingKey)
			}
			continue
		}

		vehicleRows, err := j.vehicles.seek(plate)
		if err != nil {
			return err
		}

		primaries, dropped := primaryInspections(inspRows)
		for _, reason := range dropped {
			j.onDiscard(reason)
		}
		if len(primaries) == 0 {
			continue
		}
		if len(vehicleRows) == 0 {
			for range primaries {
				j.onDiscard(DiscardUnmatchedVehicle)
			}
			continue
		}
		vehicle := vehicleRows[0]

		brand := CleanName(vehicle["merk"])
		model := CleanName(vehicle["handelsbenaming"])
		regDate, regOK := ParseDate(vehicle["datum_eerste_toelating"])
		price, priceErr := strconv.ParseFloat(strings.TrimSpace(vehicle["catalogusprijs"]), 64)
		hasPrice := priceErr == nil && price > 0

		defectRows, err := j.defects.seek(plate)
		if err != nil {
			return err
		}
		tallies := tallyDefects(defectRows)

		fuelRows, err := j.fuel.seek(plate)
		if err != nil {
			return err
		}
		fuelDescs := make([]string, 0, len(fuelRows))
		for _, row := range fuelRows {
			fuelDescs = append(fuelDescs, row["brandstof_omschrijving"])
		}
		fuelCategory := PrimaryFuel(fuelDescs)

		for _, insp := range primaries {
			inspDate, ok := ParseDate(insp["meld_datum_door_keuringsinstantie"])
			if !ok {
				j.onDiscard(DiscardBadInspectionDate)
				continue
			}
			if !regOK {
				j.onDiscard(DiscardBadRegistration)
				continue
			}
			if inspDate.Before(regDate) {
				j.onDiscard(DiscardBeforeRegistration)
				continue
			}
			age, ok := AgeAtInspection(regDate, inspDate)
			if !ok {
				j.onDiscard(DiscardAgeOutOfRange)
				continue
			}

			key := insp["meld_datum_door_keuringsinstantie"] + "|" + NormalizeTime(insp["meld_tijd_door_keuringsinstantie"])
			tally := tallies[key]

			obs := stats.Observation{
				VehicleID:     plate,
				AgeYears:      age,
				CoverageYears: CoverageYears(inspDate, insp["vervaldatum_keuring"]),
				Fuel:          fuelCategory,
				Price:         price,
				HasPrice:      hasPrice,
			}
			if tally != nil {
				obs.Defects = tally.count
				obs.DefectCodes = tally.codes
			}

			if err := emit(Event{Brand: brand, Model: model, Obs: obs}); err != nil {
				return err
			}
		}
	}
}

// primaryInspections filters one plate's inspection rows down to primary
// periodic inspections: one per day, earliest normalized time wins. Returned
// reasons account for every dropped row.
func primaryInspections(rows []segment.Row) ([]segment.Row, []string) {
	var dropped []string
	type candidate struct {
		row  segment.Row
		time string
	}
	byDay := make(map[string]candidate)

	for _, row := range rows {
		if !IsPeriodicInspection(row["soort_melding_ki_omschrijving"]) {
			dropped = append(dropped, DiscardNotPeriodic)
			continue
		}
		date := strings.TrimSpace(row["meld_datum_door_keuringsinstantie"])
		if date == "" {
			dropped = append(dropped, DiscardMissingKey)
			continue
		}
		t := NormalizeTime(row["meld_tijd_door_keuringsinstantie"])
		existing, seen := byDay[date]
		if !seen {
			byDay[date] = candidate{row: row, time: t}
			continue
		}
		dropped = append(dropped, DiscardDuplicateSameDay)
		if t != "" && (existing.time == "" || t < existing.time) {
			byDay[date] = candidate{row: row, time: t}
		}
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	out := make([]segment.Row, 0, len(byDay))
	for _, d := range days {
		out = append(out, byDay[d].row)
	}
	return out, dropped
}

// tallyDefects groups one plate's defect rows by inspection key. A missing
// per-row count defaults to one.
func tallyDefects(rows []segment.Row) map[string]*defectTally {
	if len(rows) == 0 {
		return nil
	}
	out := make(map[string]*defectTally)
	for _, row := range rows {
		key := strings.TrimSpace(row["meld_datum_door_keuringsinstantie"]) + "|" + NormalizeTime(row["meld_tijd_door_keuringsinstantie"])
		t := out[key]
		if t == nil {
			t = &defectTally{codes: make(map[string]int64)}
			out[key] = t
		}

		n := int64(1)
		if raw, ok := row["aantal_gebreken_geconstateerd"]; ok && strings.TrimSpace(raw) != "" {
			if parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
				n = parsed
			}
		}
		t.count += n
		if code := strings.ToUpper(strings.TrimSpace(row["gebrek_identificatie"])); code != "" {
			t.codes[code] += n
		}
	}
	return out
}
