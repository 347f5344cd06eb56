package normalize

import "strings"

// Tire, light and wiper defects mark consumable wear rather than mechanical
// weakness, so reliability filtering separates them from the rest.

var wearAndTearCodes = map[string]struct{}{
	"205": {}, // tire profile insufficient
	"206": {}, // tire profile below 1.4mm
	"212": {}, // tire pressure warning
	"213": {}, // tire mounting not per spec
	"216": {}, // load index too small
	"217": {}, // load index not determinable
	"701": {}, // tire profile advisory
	"875": {}, // tire profile just below minimum
	"876": {}, // tire profile insufficient
	"RA4": {}, // tire pressure system warning
	"AC1": {}, // tire profile advisory
}

// Advisory (AC) and APK+ (AP) codes are informational, not failures.
var wearAndTearPrefixes = []string{"AC", "AP"}

var wearAndTearArticles = map[string]struct{}{
	// tires
	"5.*.27": {},
	"5.2.27": {},
	"5.3.27": {},
	"TA.5C":  {},
	"TA.5D":  {},
	"TA.6G":  {},
	"TA.6H":  {},
	"AC1":    {},
	// light bulbs
	"5.*.51": {},
	"5.*.52": {},
	"5.*.53": {},
	"5.*.55": {},
	"5.*.61": {},
	"5.*.62": {},
	"5.2.51": {},
	"5.2.52": {},
	"5.2.53": {},
	"5.2.55": {},
	"5.3.51": {},
	"5.3.52": {},
	"5.3.53": {},
	"5.3.55": {},
	// wipers
	"5.*.36": {},
	"5.2.36": {},
	"5.3.36": {},
}

// DefectIndex maps defect codes to their reference metadata.
type DefectIndex struct {
	descriptions map[string]string
	articles     map[string]string
}

// NewDefectIndex builds an index from the reference table rows.
func NewDefectIndex() *DefectIndex {
	return &DefectIndex{
		descriptions: make(map[string]string),
		articles:     make(map[string]string),
	}
}

// Add registers one reference row.
func (idx *DefectIndex) Add(code, description, articleNumber string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return
	}
	idx.descriptions[code] = strings.TrimSpace(description)
	idx.articles[code] = strings.TrimSpace(articleNumber)
}

// Description returns the human-readable description for a code.
func (idx *DefectIndex) Description(code string) string {
	return idx.descriptions[strings.ToUpper(strings.TrimSpace(code))]
}

// Len returns the number of indexed codes.
func (idx *DefectIndex) Len() int {
	return len(idx.descriptions)
}

// IsWearAndTear reports whether a defect code marks consumable wear. The
// code itself is checked first, then its article number via the reference
// index, including the wildcard form ("5.2.27" matches "5.*.27").
func (idx *DefectIndex) IsWearAndTear(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := wearAndTearCodes[code]; ok {
		return true
	}
	for _, prefix := range wearAndTearPrefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}

	article := idx.articles[code]
	if article == "" {
		return false
	}
	if _, ok := wearAndTearArticles[article]; ok {
		return true
	}
	if parts := strings.Split(article, "."); len(parts) >= 3 {
		if _, ok := wearAndTearArticles[parts[0]+".*."+parts[2]]; ok {
			return true
		}
	}
	return false
}
