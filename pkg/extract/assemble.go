package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
)

// MalformedPageError is a response that parsed as HTTP but does not
// match the shape the resource descriptor promises. It fails the whole
// resource; records already yielded from earlier pages stay valid.
type MalformedPageError struct {
	Resource string
	Page     int
	Reason   string
}

func (e *MalformedPageError) Error() string {
	return fmt.Sprintf("malformed page %d of %s: %s", e.Page, e.Resource, e.Reason)
}

// CSVRecords flattens a whole CSV document into records, as if it had
// arrived as a single fetched page. Bulk files land on disk first and
// re-enter the pipeline here.
func CSVRecords(resource string, body []byte) ([]Record, error) {
	return assembleCSV(Resource{Name: resource, Format: FormatCSV}, body, 0)
}

// assemblePage flattens one page body into records. pageIndex is the
// zero-based position of the page within the walk, stamped on each
// record as provenance.
func assemblePage(res Resource, page *fetch.Page, pageIndex int) ([]Record, error) {
	switch res.Format {
	case FormatCSV:
		return assembleCSV(res, page.Body, pageIndex)
	default:
		return assembleJSON(res, page.Body, pageIndex)
	}
}

func assembleJSON(res Resource, body []byte, pageIndex int) ([]Record, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &MalformedPageError{Resource: res.Name, Page: pageIndex, Reason: "body is not a JSON object"}
	}

	// A missing selector is how some of these APIs say "nothing here":
	// zero records, walk ends normally.
	raw, ok := top[res.Selector]
	if !ok {
		return nil, nil
	}

	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, &MalformedPageError{
			Resource: res.Name,
			Page:     pageIndex,
			Reason:   fmt.Sprintf("%q is not an array of objects", res.Selector),
		}
	}

	records := make([]Record, 0, len(elements))
	for i, element := range elements {
		obj := element
		if res.Nested != "" {
			rawNested, ok := element[res.Nested]
			if !ok {
				return nil, &MalformedPageError{
					Resource: res.Name,
					Page:     pageIndex,
					Reason:   fmt.Sprintf("element %d has no %q object", i, res.Nested),
				}
			}
			if err := json.Unmarshal(rawNested, &obj); err != nil {
				return nil, &MalformedPageError{
					Resource: res.Name,
					Page:     pageIndex,
					Reason:   fmt.Sprintf("element %d: %q is not an object", i, res.Nested),
				}
			}
		}

		fields := make(map[string]any, len(obj))
		for k, v := range obj {
			fields[k] = scalarValue(v)
		}
		for _, name := range res.Merge {
			rawMerge, ok := element[name]
			if !ok {
				continue
			}
			var sub map[string]json.RawMessage
			if err := json.Unmarshal(rawMerge, &sub); err != nil {
				continue
			}
			for k, v := range sub {
				fields[k] = scalarValue(v)
			}
		}

		records = append(records, Record{Resource: res.Name, Page: pageIndex, Fields: fields})
	}

	padFields(records)
	return records, nil
}

func assembleCSV(res Resource, body []byte, pageIndex int) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(body))

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, &MalformedPageError{Resource: res.Name, Page: pageIndex, Reason: err.Error()}
	}

	var records []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, &MalformedPageError{Resource: res.Name, Page: pageIndex, Reason: err.Error()}
		}

		fields := make(map[string]any, len(header))
		for i, col := range header {
			// empty cells become NULLs downstream
			if row[i] == "" {
				fields[col] = nil
			} else {
				fields[col] = row[i]
			}
		}
		records = append(records, Record{Resource: res.Name, Page: pageIndex, Fields: fields})
	}
}

// scalarValue decodes one JSON value into what the loader can bind.
// Arrays and objects (polygon rings, nested blobs) are carried as their
// JSON text so every record stays flat.
func scalarValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case nil, bool, string:
		return v
	default:
		return string(bytes.TrimSpace(raw))
	}
}

// padFields gives every record of a page the union of the page's keys,
// padding gaps with explicit nils so downstream schema inference sees a
// rectangular batch.
func padFields(records []Record) {
	keys := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Fields {
			keys[k] = struct{}{}
		}
	}
	for _, rec := range records {
		for k := range keys {
			if _, ok := rec.Fields[k]; !ok {
				rec.Fields[k] = nil
			}
		}
	}
}
