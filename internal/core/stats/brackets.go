package stats

// Bracket is a fixed vehicle-age range used to bucket inspection events for
// age-normalized comparison. Bounds are inclusive, and brackets may overlap:
// 5_15 is a wide bracket presented alongside the three narrow ones.
type Bracket struct {
	Name string
	Min  int
	Max  int
}

// AgeBrackets is the fixed bracket set published in artifacts.
var AgeBrackets = []Bracket{
	{Name: "4_7", Min: 4, Max: 7},
	{Name: "8_12", Min: 8, Max: 12},
	{Name: "13_20", Min: 13, Max: 20},
	{Name: "5_15", Min: 5, Max: 15},
}

// BracketNames returns the bracket names in publication order.
func BracketNames() []string {
	names := make([]string, len(AgeBrackets))
	for i, b := range AgeBrackets {
		names[i] = b.Name
	}
	return names
}
