// Package paginate implements the continuation protocols spoken by the
// upstream APIs: plain offset windows, the ArcGIS transfer-limit flag,
// and the EPC search-after response header. A strategy holds no per-walk
// state of its own; everything mutable lives in the Cursor, so one
// strategy value can serve any number of walks.
package paginate

import (
	"encoding/json"
	"net/url"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
)

// Strategy decides, from the page just fetched, whether another page
// exists and how to ask for it.
//
// Prepare sets the continuation parameters for the next request from the
// cursor's current position. Advance consumes the fetched page together
// with the number of records assembled from it, moves the cursor, and
// reports whether a further page should be requested. Once a cursor is
// terminal, Advance reports false without touching it again.
type Strategy interface {
	Prepare(cur *Cursor, params url.Values)
	Advance(cur *Cursor, page *fetch.Page, count int) (bool, error)
}

// bodyField returns the raw JSON value of a top-level object field.
// A body that is not a JSON object, or lacks the field, reports false.
func bodyField(body []byte, name string) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, false
	}
	raw, ok := m[name]
	return raw, ok
}
