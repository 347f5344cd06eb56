// Package normalize turns raw partition rows into inspection observations:
// joining vehicles, inspections, recorded defects and fuel data by license
// plate, filtering to primary periodic inspections, and computing the
// derived fields (vehicle age, coverage window, defect counts) that feed
// aggregation.
package normalize

import (
	"strings"
	"time"
)

// ParseDate parses the upstream YYYYMMDD date form.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeTime zero-pads numeric HHMM inspection times to four digits so
// "930" and "0930" compare equal. Non-numeric values pass through trimmed.
func NormalizeTime(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return trimmed
		}
	}
	for len(trimmed) < 4 {
		trimmed = "0" + trimmed
	}
	return trimmed
}

// IsPeriodicInspection reports whether the record is a periodic inspection
// rather than an administrative notification.
func IsPeriodicInspection(soortMelding string) bool {
	return strings.ToLower(strings.TrimSpace(soortMelding)) == "periodieke controle"
}

const (
	minAgeYears = 0
	maxAgeYears = 100
)

// AgeAtInspection computes the vehicle's age in whole years from the
// registration and inspection dates (calendar year difference). The second
// return is false when the age fails the sanity bounds.
func AgeAtInspection(registration, inspection time.Time) (int, bool) {
	age := inspection.Year() - registration.Year()
	if age < minAgeYears || age > maxAgeYears {
		return 0, false
	}
	return age, true
}

const (
	daysPerYear     = 365.25
	minCoverage     = 0.25
	defaultCoverage = 1.0
)

// CoverageYears estimates the exposure window an inspection represents: the
// span until the issued expiry date, floored at a quarter year. Without a
// parseable expiry the conventional one-year window applies.
func CoverageYears(inspection time.Time, expiry string) float64 {
	exp, ok := ParseDate(expiry)
	if !ok {
		return defaultCoverage
	}
	years := exp.Sub(inspection).Hours() / 24 / daysPerYear
	if years < minCoverage {
		return minCoverage
	}
	return years
}

// CleanName uppercases and trims a brand or trade name.
func CleanName(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
