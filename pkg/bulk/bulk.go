package bulk

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/extract"
	"github.com/weca-analytics/ca-epc-db/pkg/fileutil"
	"github.com/weca-analytics/ca-epc-db/pkg/load"
)

const (
	// FilesBaseURL is where the register publishes one archive per local
	// authority and certificate type.
	FilesBaseURL = "https://epc.opendatacommunities.org/api/v1/files/"

	certificatesFile = "certificates.csv"
	defaultLimit     = 4
)

type CertType string

const (
	Domestic    CertType = "domestic"
	NonDomestic CertType = "non-domestic"
)

func (t CertType) Validate() error {
	if t != Domestic && t != NonDomestic {
		return xerrors.Errorf("unknown certificate type %q", t)
	}
	return nil
}

// Resource returns the extraction resource the certificate type lands as,
// so bulk files and API pages share one raw table.
func (t CertType) Resource() string {
	if t == NonDomestic {
		return "epc_non_domestic"
	}
	return "epc_domestic"
}

// ZipFile pairs one local authority with its bulk archive URL.
type ZipFile struct {
	LADCD string
	URL   string
}

// Archive names embed the LA name with its separators collapsed, e.g.
// "Bristol, City of" appears as domestic-E06000023-Bristol-City-of.zip.
var laNameSeps = regexp.MustCompile(`, |\. | `)

// ZipList derives the archive list from combined authority lookup rows,
// which carry ladcd and ladnm columns.
func ZipList(baseURL string, certType CertType, rows []map[string]any) []ZipFile {
	files := make([]ZipFile, 0, len(rows))
	for _, row := range rows {
		ladcd, ok := row["ladcd"].(string)
		if !ok {
			continue
		}
		ladnm, _ := row["ladnm"].(string)
		name := laNameSeps.ReplaceAllString(ladnm, "-")
		files = append(files, ZipFile{
			LADCD: ladcd,
			URL:   baseURL + string(certType) + "-" + ladcd + "-" + name + ".zip",
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].LADCD < files[j].LADCD })
	return files
}

type Option struct {
	// Dir is where archives and their unpacked CSV files are kept.
	Dir string
	// AuthToken is the base64 token for the register's Basic auth.
	AuthToken string
	// Limit caps concurrent downloads.
	Limit int64
}

// Downloader fetches per-LA certificate archives, unpacks them and feeds
// the unpacked CSV files back through the loader.
type Downloader struct {
	dir    string
	auth   string
	http   *retryablehttp.Client
	limit  *semaphore.Weighted
	logger *slog.Logger
}

func NewDownloader(opt Option) Downloader {
	if opt.Limit <= 0 {
		opt.Limit = defaultLimit
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = slog.Default()
	client.RetryWaitMin = 10 * time.Second
	client.RetryWaitMax = 1 * time.Minute
	client.Backoff = retryablehttp.LinearJitterBackoff
	// Archives run to hundreds of megabytes for the larger authorities
	client.HTTPClient.Timeout = 15 * time.Minute
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp.StatusCode != http.StatusOK {
			slog.Warn("Unexpected http response", slog.String("url", resp.Request.URL.String()),
				slog.String("status", resp.Status))
		}
	}

	return Downloader{
		dir:    opt.Dir,
		auth:   opt.AuthToken,
		http:   client,
		limit:  semaphore.NewWeighted(opt.Limit),
		logger: slog.Default().With(slog.String("component", "bulk")),
	}
}

// Download fetches every archive into the download dir as <ladcd>.zip.
// A failed authority does not stop the others; the error afterwards names
// every authority that could not be fetched.
func (d *Downloader) Download(ctx context.Context, files []ZipFile) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return xerrors.Errorf("failed to mkdir: %w", err)
	}
	d.logger.Info("Downloading bulk archives", slog.Int("count", len(files)), slog.String("dir", d.dir))
	bar := pb.StartNew(len(files))
	defer bar.Finish()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	for _, file := range files {
		if err := d.limit.Acquire(ctx, 1); err != nil {
			return xerrors.Errorf("semaphore acquire error: %w", err)
		}
		wg.Add(1)
		go func(file ZipFile) {
			defer d.limit.Release(1)
			defer wg.Done()
			defer bar.Increment()
			if err := d.fetchZip(ctx, file); err != nil {
				d.logger.Error("Archive download failed", slog.String("ladcd", file.LADCD),
					slog.String("url", file.URL), slog.Any("error", err))
				mu.Lock()
				failed = append(failed, file.LADCD)
				mu.Unlock()
			}
		}(file)
	}
	wg.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return xerrors.Errorf("failed to download archives for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (d *Downloader) fetchZip(ctx context.Context, file ZipFile) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return xerrors.Errorf("unable to create a HTTP request: %w", err)
	}
	if d.auth != "" {
		req.Header.Set("Authorization", "Basic "+d.auth)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return xerrors.Errorf("http error (%s): %w", file.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return xerrors.Errorf("unexpected status %s", resp.Status)
	}

	path := filepath.Join(d.dir, file.LADCD+".zip")
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("unable to create %s: %w", path, err)
	}
	defer f.Close()
	if _, err = io.Copy(f, resp.Body); err != nil {
		return xerrors.Errorf("unable to save %s: %w", path, err)
	}
	return nil
}

// ExtractCSVs unpacks certificates.csv from every archive in the download
// dir into <ladcd>.csv alongside it. Archives without a certificates file
// are logged and skipped.
func (d *Downloader) ExtractCSVs() ([]string, error) {
	zips, err := filepath.Glob(filepath.Join(d.dir, "*.zip"))
	if err != nil {
		return nil, xerrors.Errorf("glob error: %w", err)
	}
	var paths []string
	for _, zipPath := range zips {
		csvPath, err := extractCertificates(zipPath)
		if err != nil {
			d.logger.Warn("Skipping archive", slog.String("path", zipPath), slog.Any("error", err))
			continue
		}
		paths = append(paths, csvPath)
	}
	sort.Strings(paths)
	return paths, nil
}

func extractCertificates(zipPath string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", xerrors.Errorf("unable to open %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != certificatesFile {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return "", xerrors.Errorf("unable to open %s in %s: %w", f.Name, zipPath, err)
		}
		defer src.Close()

		csvPath := strings.TrimSuffix(zipPath, ".zip") + ".csv"
		dst, err := os.Create(csvPath)
		if err != nil {
			return "", xerrors.Errorf("unable to create %s: %w", csvPath, err)
		}
		defer dst.Close()
		if _, err = io.Copy(dst, src); err != nil {
			return "", xerrors.Errorf("unable to extract %s: %w", csvPath, err)
		}
		return csvPath, nil
	}
	return "", xerrors.Errorf("no %s in %s", certificatesFile, zipPath)
}

// LoadCSVs streams every unpacked CSV in the download dir through the
// loader into the certificate type's raw table and returns the loader's
// row counts.
func (d *Downloader) LoadCSVs(ctx context.Context, loader *load.Loader, certType CertType) (map[string]int, error) {
	resource := certType.Resource()
	recordCh := make(chan extract.Record, 1000)

	var counts map[string]int
	var loadErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		counts, loadErr = loader.Load(ctx, recordCh)
	}()

	walkErr := fileutil.Walk(d.dir, func(r io.Reader, path string) error {
		if filepath.Ext(path) != ".csv" {
			return nil
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return xerrors.Errorf("failed to read %s: %w", path, err)
		}
		records, err := extract.CSVRecords(resource, body)
		if err != nil {
			return xerrors.Errorf("failed to parse %s: %w", path, err)
		}
		for _, rec := range records {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				return xerrors.New("loader stopped early")
			case recordCh <- rec:
			}
		}
		d.logger.Info("Loaded bulk file", slog.String("path", path), slog.Int("records", len(records)))
		return nil
	})
	close(recordCh)
	<-done

	if walkErr != nil {
		return counts, walkErr
	}
	return counts, loadErr
}
