// Package catalog pins down the upstream datasets: which endpoint each
// one lives at, which continuation protocol it speaks, and how its
// records are keyed and named in storage.
package catalog

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/extract"
	"github.com/weca-analytics/ca-epc-db/pkg/paginate"
	"github.com/weca-analytics/ca-epc-db/pkg/transform"
)

const (
	arcgisBaseURL = "https://services1.arcgis.com/ESMARspQHYMw9BZ9/arcgis/rest/services/"

	// EPCBaseURL is the certificate register's API root. The bulk file
	// endpoint lives under the same host.
	EPCBaseURL = "https://epc.opendatacommunities.org/api/v1/"

	// The geoportal and the r-universe CDN both reject default client
	// agents.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	arcgisPageSize = 2000
	epcPageSize    = "5000"

	defaultProbeTimeout = 5 * time.Second
)

// The strategies hold no per-walk state, so one value serves every
// resource speaking the same protocol.
var (
	arcgisFlag   = lo.Must(paginate.NewTransferLimitFlag(paginate.TransferLimitOption{PageSize: arcgisPageSize}))
	arcgisOffset = lo.Must(paginate.NewOffsetLimit(paginate.OffsetLimitOption{PageSize: arcgisPageSize}))
	epcCursor    = paginate.NewCursorHeader(paginate.CursorHeaderOption{})
)

// Resources returns the open-data catalogue in a stable order. Every
// call builds fresh values, so callers may adjust their copies freely.
func Resources() []extract.Resource {
	// Centroids answer offset windows without a transfer-limit flag, and
	// their point geometry rides next to the attributes.
	pwc := arcgisResource("lsoa_2021_pwc", "LLSOA_Dec_2021_PWC_for_England_and_Wales_2022")
	pwc.Strategy = arcgisOffset
	pwc.Merge = []string{"geometry"}

	// The LAD to combined authority lookup fits in one page.
	caLa := arcgisResource("ca_la_lookup", "LAD25_CAUTH25_EN_LU")
	caLa.Params.Set("SR", "4326")
	caLa.Strategy = nil

	caBounds := arcgisResource("ca_boundaries_2025", "CAUTH_MAY_2025_EN_BGC")
	caBounds.Params.Set("f", "geojson")
	caBounds.Nested = "properties"
	caBounds.Merge = []string{"geometry"}
	caBounds.Strategy = nil

	return []extract.Resource{
		arcgisResource("lsoa_2021_boundaries", "Lower_layer_Super_Output_Areas_December_2021_Boundaries_EW_BFC_V10"),
		arcgisResource("lsoa_2011_boundaries", "LSOA_Dec_2011_Boundaries_Generalised_Clipped_BGC_EW_V3"),
		pwc,
		arcgisResource("lsoa_2021_lookups", "LSOA21_WD24_LAD24_EW_LU"),
		arcgisResource("lsoa_2011_lookups", "LSOA01_LSOA11_LAD11_EW_LU_ddfe1cd1c2784c9b991cded95bc915a9"),
		caLa,
		caBounds,
		{
			Name:   "dft_traffic",
			URL:    "https://storage.googleapis.com/dft-statistics/road-traffic/downloads/data-gov-uk/local_authority_traffic.csv",
			Format: extract.FormatCSV,
		},
		{
			Name:   "ghg_emissions",
			URL:    "https://assets.publishing.service.gov.uk/media/68653c7ee6c3cc924228943f/2005-23-uk-local-authority-ghg-emissions-CSV-dataset.csv",
			Format: extract.FormatCSV,
		},
		{
			Name: "imd_2025",
			URL:  "https://humaniverse.r-universe.dev/IMD/data/imd2025_england_lsoa21_indicators/csv",
			Header: http.Header{
				"User-Agent": []string{browserUserAgent},
				"Accept":     []string{"text/csv"},
			},
			Format: extract.FormatCSV,
		},
	}
}

// EPCSearch returns the register's search endpoint for one certificate
// type. The walk continues through the X-Next-Search-After header and
// rows are keyed on LMK_KEY. The token is the account's base64
// email:key pair; without one the register answers 401.
func EPCSearch(certType, authToken string) (extract.Resource, error) {
	var path string
	switch certType {
	case "domestic":
		path = "domestic/search"
	case "non-domestic":
		path = "non-domestic/search"
	default:
		return extract.Resource{}, xerrors.Errorf("unknown certificate type %q", certType)
	}

	header := http.Header{"Accept": []string{"text/csv"}}
	if authToken != "" {
		header.Set("Authorization", "Basic "+authToken)
	}
	return extract.Resource{
		Name:     "epc_" + strings.ReplaceAll(certType, "-", "_"),
		URL:      EPCBaseURL + path,
		Params:   url.Values{"size": []string{epcPageSize}},
		Header:   header,
		Format:   extract.FormatCSV,
		Key:      "LMK_KEY",
		Strategy: epcCursor,
	}, nil
}

func arcgisResource(name, service string) extract.Resource {
	return extract.Resource{
		Name: name,
		URL:  arcgisBaseURL + service + "/FeatureServer/0/query",
		Params: url.Values{
			"where":     []string{"1=1"},
			"outFields": []string{"*"},
			"f":         []string{"json"},
		},
		Header: http.Header{
			"User-Agent": []string{browserUserAgent},
			"Accept":     []string{"application/json"},
			"Referer":    []string{"https://geoportal.statistics.gov.uk/"},
		},
		Format:   extract.FormatJSON,
		Selector: "features",
		Nested:   "attributes",
		Strategy: arcgisFlag,
	}
}

// Filter narrows the catalogue to the named resources. An only list
// wins over skip, and unknown names are an error so a typo does not
// silently drop a dataset.
func Filter(resources []extract.Resource, only, skip []string) ([]extract.Resource, error) {
	names := lo.Map(resources, func(r extract.Resource, _ int) string { return r.Name })
	for _, name := range append(append([]string(nil), only...), skip...) {
		if !lo.Contains(names, name) {
			return nil, xerrors.Errorf("unknown resource %q", name)
		}
	}
	return lo.Filter(resources, func(r extract.Resource, _ int) bool {
		if len(only) > 0 {
			return lo.Contains(only, r.Name)
		}
		return !lo.Contains(skip, r.Name)
	}), nil
}

// Renamer picks the column naming for a resource's landing table.
// Certificate columns keep the register's upper-case convention, open
// data folds to storage-safe lower case.
func Renamer(resource string) func(string) string {
	if strings.HasPrefix(resource, "epc_") {
		return transform.EPCName
	}
	return transform.StorageName
}

// Keys returns the unique-column map for keyed resources, in the shape
// the loader takes.
func Keys(resources []extract.Resource) map[string]string {
	keys := make(map[string]string)
	for _, r := range resources {
		if r.Key != "" {
			keys[r.Name] = r.Key
		}
	}
	return keys
}

// Validate probes every resource URL and reports the ones that do not
// answer. Each probe carries the resource's own headers and query, so
// auth and agent-gating failures surface here instead of mid-run.
func Validate(ctx context.Context, resources []extract.Resource, timeout time.Duration) map[string]error {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	client := &http.Client{Timeout: timeout}

	failed := make(map[string]error)
	for _, res := range resources {
		if err := probe(ctx, client, res); err != nil {
			failed[res.Name] = err
		}
	}
	return failed
}

func probe(ctx context.Context, client *http.Client, res extract.Resource) error {
	probeURL := res.URL
	if len(res.Params) > 0 {
		probeURL += "?" + res.Params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return xerrors.Errorf("invalid request: %w", err)
	}
	for k, vs := range res.Header {
		req.Header[k] = vs
	}

	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	// The status line is the answer; the body is abandoned.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= http.StatusBadRequest {
		return xerrors.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
