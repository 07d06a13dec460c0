package policy

import "strings"

// regionAliases expands a region keyword in a rule's location field to the
// set of ISO-3166-1 alpha-2 country codes it covers.
var regionAliases = map[string]map[string]bool{
	"EU": {
		"AT": true, "BE": true, "BG": true, "HR": true, "CY": true,
		"CZ": true, "DK": true, "EE": true, "FI": true, "FR": true,
		"DE": true, "GR": true, "HU": true, "IE": true, "IT": true,
		"LV": true, "LT": true, "LU": true, "MT": true, "NL": true,
		"PL": true, "PT": true, "RO": true, "SK": true, "SI": true,
		"ES": true, "SE": true,
	},
}

// LocationMatches reports whether a context location satisfies a rule's
// location field. Matching is case-insensitive; a rule location naming a
// region alias ("EU") matches every country code in that region.
func LocationMatches(ruleLoc, ctxLoc string) bool {
	if ruleLoc == Wildcard {
		return true
	}
	rl := strings.ToUpper(strings.TrimSpace(ruleLoc))
	cl := strings.ToUpper(strings.TrimSpace(ctxLoc))
	if rl == cl {
		return true
	}
	if region, ok := regionAliases[rl]; ok {
		return region[cl]
	}
	return false
}
