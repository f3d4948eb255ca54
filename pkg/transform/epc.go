package transform

import (
	"math"
	"regexp"
	"strconv"
)

var (
	yearRange   = regexp.MustCompile(`(\d{4})-(\d{4})`)
	yearBefore  = regexp.MustCompile(`before (\d{4})`)
	yearOnwards = regexp.MustCompile(`(\d{4}) onwards`)
	yearAny     = regexp.MustCompile(`\d{4}`)
)

// NominalConstructionYear reduces an EPC construction age band to a
// single year. A range becomes its rounded midpoint, "before YYYY" and
// "YYYY onwards" become YYYY, and otherwise the first four-digit year
// anywhere in the band is used. Bands with no year report false.
func NominalConstructionYear(band string) (int, bool) {
	if m := yearRange.FindStringSubmatch(band); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		return int(math.Round(float64(a+b) / 2)), true
	}
	if m := yearBefore.FindStringSubmatch(band); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y, true
	}
	if m := yearOnwards.FindStringSubmatch(band); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y, true
	}
	if m := yearAny.FindString(band); m != "" {
		y, _ := strconv.Atoi(m)
		return y, true
	}
	return 0, false
}

// ConstructionEpoch buckets a nominal construction year into the three
// reporting epochs.
func ConstructionEpoch(year int, known bool) string {
	switch {
	case !known:
		return "Unknown"
	case year < 1900:
		return "Before 1900"
	case year <= 1930:
		return "1900 - 1930"
	default:
		return "1930 to present"
	}
}

// CleanTenure normalizes the tenure spellings the EPC register has used
// over the years. Unrecognized values map to the empty string, stored
// as NULL.
func CleanTenure(tenure string) string {
	switch tenure {
	case "owner-occupied", "Owner-occupied":
		return "Owner occupied"
	case "Rented (social)", "rental (social)":
		return "Social rented"
	case "rental (private)", "Rented (private)":
		return "Private rented"
	}
	return ""
}
