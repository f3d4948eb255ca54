package transform

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/samber/lo"
)

// Fingerprint hashes the named columns of a row for deduplication.
// With no columns named, every column participates in sorted order, so
// identical rows collide regardless of map iteration.
func Fingerprint(row map[string]any, cols ...string) uint64 {
	if len(cols) == 0 {
		cols = lo.Keys(row)
		sort.Strings(cols)
	}
	h := fnv.New64a()
	for _, c := range cols {
		fmt.Fprintf(h, "%v|", row[c])
	}
	return h.Sum64()
}

// DedupeRows keeps the first occurrence of each fingerprint over the
// named columns (all columns when none are named).
func DedupeRows(rows []map[string]any, cols ...string) []map[string]any {
	seen := make(map[uint64]struct{}, len(rows))
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		fp := Fingerprint(row, cols...)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, row)
	}
	return out
}
