// Package transform holds the column and row normalizations applied
// between the raw extracted tables and the analytical ones.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// RemoveNumbers lowercases a column name and strips every digit, so
// vintage-stamped geography columns (LSOA21CD, LSOA11CD) collapse to a
// stable name.
func RemoveNumbers(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return r
	}, strings.ToLower(s))
}

// Lower is the identity rename for datasets that only need lowercasing.
func Lower(s string) string {
	return strings.ToLower(s)
}

// StorageName makes an upstream column header safe to store: lowercase,
// with each run of non-alphanumeric characters collapsed to a single
// underscore ("Population ('000s, mid-year estimate)" becomes
// population_000s_mid_year_estimate).
func StorageName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// EPCName converts the EPC API's lowercase-hyphenated column names to
// the certificate schema's uppercase-underscored ones
// (lmk-key -> LMK_KEY).
func EPCName(s string) string {
	return strings.ReplaceAll(strings.ToUpper(s), "-", "_")
}

// RenameMap maps each column through fn, suffixing every member of a
// colliding group with _1, _2, ... in input order so no two columns end
// up with the same name.
func RenameMap(cols []string, fn func(string) string) map[string]string {
	mapped := lo.Map(cols, func(c string, _ int) string { return fn(c) })
	tally := lo.CountValues(mapped)

	counts := make(map[string]int)
	renames := make(map[string]string, len(cols))
	for i, col := range cols {
		name := mapped[i]
		if tally[name] > 1 {
			counts[name]++
			name = fmt.Sprintf("%s_%d", name, counts[name])
		}
		renames[col] = name
	}
	return renames
}

// RenameRow returns a copy of the row with its keys mapped through the
// rename table. Keys absent from the table keep their name.
func RenameRow(row map[string]any, renames map[string]string) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if name, ok := renames[k]; ok {
			out[name] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// DropColumns returns a copy of the row without the named columns.
func DropColumns(row map[string]any, cols ...string) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if !lo.Contains(cols, k) {
			out[k] = v
		}
	}
	return out
}

// NorthSomersetRow is the one local authority the combined-authority
// lookup omits: North Somerset sits outside the mayoral combined
// authority but belongs to the West of England for this analysis.
func NorthSomersetRow() map[string]any {
	return map[string]any{
		"ladcd":   "E06000024",
		"ladnm":   "North Somerset",
		"cauthcd": "E47000009",
		"cauthnm": "West of England",
	}
}

// FilterByColumn keeps the rows whose column value is one of the
// allowed strings.
func FilterByColumn(rows []map[string]any, col string, allowed []string) []map[string]any {
	set := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		set[v] = struct{}{}
	}
	return lo.Filter(rows, func(row map[string]any, _ int) bool {
		v, ok := row[col].(string)
		if !ok {
			return false
		}
		_, keep := set[v]
		return keep
	})
}

// LatestYearRows keeps only the rows whose year column holds the
// maximum year present in the batch.
func LatestYearRows(rows []map[string]any, col string) []map[string]any {
	maxYear, found := 0, false
	for _, row := range rows {
		if y, ok := rowInt(row[col]); ok && (!found || y > maxYear) {
			maxYear, found = y, true
		}
	}
	if !found {
		return nil
	}
	return lo.Filter(rows, func(row map[string]any, _ int) bool {
		y, ok := rowInt(row[col])
		return ok && y == maxYear
	})
}

func rowInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}
