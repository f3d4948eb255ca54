package extract

import (
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/paginate"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Resource describes one extractable endpoint. Values are immutable once
// handed to the orchestrator; per-call variants are derived with
// WithName/WithParam.
type Resource struct {
	Name   string
	URL    string
	Params url.Values
	Header http.Header
	Format Format

	// JSON payload shape: Selector names the body field holding the
	// record array, Nested the per-element object carrying the record
	// fields, and Merge any sibling objects folded into the record
	// (e.g. a centroid's geometry next to its attributes).
	Selector string
	Nested   string
	Merge    []string

	// Key names the natural-key column downstream loaders dedupe and
	// upsert by. Empty for append-only datasets.
	Key string

	// Strategy drives the multi-page walk. A nil strategy means the
	// resource is fetched in a single request.
	Strategy paginate.Strategy
}

func (r Resource) Validate() error {
	if r.Name == "" {
		return xerrors.New("resource name is empty")
	}
	if r.URL == "" {
		return xerrors.Errorf("resource %s: url is empty", r.Name)
	}
	if _, err := url.Parse(r.URL); err != nil {
		return xerrors.Errorf("resource %s: invalid url: %w", r.Name, err)
	}
	switch r.Format {
	case FormatJSON:
		if r.Selector == "" {
			return xerrors.Errorf("resource %s: json resources need a record selector", r.Name)
		}
	case FormatCSV:
	default:
		return xerrors.Errorf("resource %s: unknown format %q", r.Name, r.Format)
	}
	return nil
}

// WithName returns a copy under a different name.
func (r Resource) WithName(name string) Resource {
	r.Name = name
	return r
}

// WithParam returns a copy with one query parameter set, leaving the
// original's parameters untouched.
func (r Resource) WithParam(key, value string) Resource {
	params := make(url.Values, len(r.Params)+1)
	for k, vs := range r.Params {
		params[k] = append([]string(nil), vs...)
	}
	params.Set(key, value)
	r.Params = params
	return r
}

// Record is one flattened row tagged with where it came from. Ownership
// passes to the consumer as soon as it is yielded.
type Record struct {
	Resource string
	Page     int
	Fields   map[string]any
}
