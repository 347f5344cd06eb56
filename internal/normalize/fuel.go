package normalize

import "strings"

// Fuel category names as published in artifacts. Dutch names come straight
// from the upstream fuel descriptions.
const (
	FuelLPG      = "LPG"
	FuelHybrid   = "Hybrid"
	FuelElectric = "Elektriciteit"
	FuelDiesel   = "Diesel"
	FuelBenzine  = "Benzine"
	FuelOther    = "Other"
)

// PrimaryFuel reduces all fuel records of one vehicle to a single category.
// Priority: any LPG record wins; electric combined with a combustion fuel is
// a hybrid; then pure electric, diesel, benzine; anything else is Other.
func PrimaryFuel(descriptions []string) string {
	var hasLPG, hasElectric, hasBenzine, hasDiesel bool
	for _, d := range descriptions {
		switch strings.TrimSpace(d) {
		case "LPG":
			hasLPG = true
		case "Elektriciteit":
			hasElectric = true
		case "Benzine":
			hasBenzine = true
		case "Diesel":
			hasDiesel = true
		}
	}
	switch {
	case hasLPG:
		return FuelLPG
	case hasElectric && (hasBenzine || hasDiesel):
		return FuelHybrid
	case hasElectric:
		return FuelElectric
	case hasDiesel:
		return FuelDiesel
	case hasBenzine:
		return FuelBenzine
	default:
		return FuelOther
	}
}
