package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryMax     = 5
	defaultRetryWaitMin = 1 * time.Second
	defaultRetryWaitMax = 30 * time.Second
	defaultRate         = 4 // requests per second across all resources
)

// Page is one HTTP response reduced to what the pagination strategies and
// the record assembler consume. It is not retained once a page has been
// processed.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Option struct {
	Timeout           time.Duration
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64
}

// Client issues single page fetches. Transient failures (network errors,
// 5xx, 429) are retried with backoff; 4xx responses surface immediately
// as a StatusError. The client is safe for concurrent use and is shared
// by all resource extractions.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(opt Option) *Client {
	if opt.Timeout == 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = defaultRetryMax
	}
	if opt.RetryWaitMin == 0 {
		opt.RetryWaitMin = defaultRetryWaitMin
	}
	if opt.RetryWaitMax == 0 {
		opt.RetryWaitMax = defaultRetryWaitMax
	}
	if opt.RequestsPerSecond == 0 {
		opt.RequestsPerSecond = defaultRate
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opt.RetryMax
	client.Logger = slog.Default()
	client.RetryWaitMin = opt.RetryWaitMin
	client.RetryWaitMax = opt.RetryWaitMax
	client.HTTPClient.Timeout = opt.Timeout
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp.StatusCode != http.StatusOK {
			slog.Warn("Unexpected http response", slog.String("url", resp.Request.URL.String()),
				slog.String("status", resp.Status))
		}
	}
	client.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		logger := slog.Default()
		if resp != nil {
			logger = logger.With(slog.String("url", resp.Request.URL.String()), slog.Int("status_code", resp.StatusCode),
				slog.Int("num_tries", numTries))
		}
		if err != nil {
			logger = logger.With(slog.Any("error", err))
		}
		logger.Error("HTTP request failed after retries")
		if err == nil && resp != nil {
			err = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: resp.Request.URL.String()}
		}
		return resp, xerrors.Errorf("HTTP request failed after retries: %w", err)
	}

	return &Client{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(opt.RequestsPerSecond), 1),
		logger:  slog.Default().With(slog.String("component", "fetch")),
	}
}

// Get fetches one page. params are merged into the URL's query string,
// overriding any duplicates already present; header entries are added to
// the request as-is.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, header http.Header) (*Page, error) {
	// Pace requests to avoid 429 responses from the upstream APIs
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Errorf("rate limit wait: %w", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("invalid url %s: %w", rawURL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Errorf("unable to create a HTTP request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("http error (%s): %w", u.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: u.String()}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("failed to read the response from %s: %w", u.String(), err)
	}
	return &Page{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
