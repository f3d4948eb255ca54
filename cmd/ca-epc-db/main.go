package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/builder"
	"github.com/weca-analytics/ca-epc-db/pkg/bulk"
	"github.com/weca-analytics/ca-epc-db/pkg/catalog"
	"github.com/weca-analytics/ca-epc-db/pkg/config"
	"github.com/weca-analytics/ca-epc-db/pkg/db"
	"github.com/weca-analytics/ca-epc-db/pkg/extract"
	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
	"github.com/weca-analytics/ca-epc-db/pkg/fileutil"
	"github.com/weca-analytics/ca-epc-db/pkg/load"
	"github.com/weca-analytics/ca-epc-db/pkg/metadata"
)

const (
	recordBuffer      = 1000
	defaultConfigFile = "ca-epc-db.yaml"
)

var version = "dev"

var (
	flagConfig   string
	flagCacheDir string
	flagDebug    bool

	flagSample int
	flagOnly   []string
	flagSkip   []string
	flagReport string

	flagEPC       bool
	flagCertType  string
	flagFromYear  int
	flagFromMonth int
	flagToYear    int
	flagToMonth   int
	flagBulkDir   string
	flagProbeSec  int

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:           "ca-epc-db",
		Short:         "Build and refresh the combined authority energy certificate database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogger(flagDebug)
			path := flagConfig
			if path == "" {
				if _, err := os.Stat(defaultConfigFile); err == nil {
					path = defaultConfigFile
				}
			}
			var err error
			if cfg, err = config.Load(path); err != nil {
				return err
			}
			if flagCacheDir != "" {
				cfg.CacheDir = flagCacheDir
			}
			return nil
		},
	}

	extractCmd = &cobra.Command{
		Use:   "extract",
		Short: "Pull the open data sources into raw tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd)
		},
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Transform raw tables into the analytical schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbc, err := openDB()
			if err != nil {
				return err
			}
			defer dbc.Close()

			b := builder.NewBuilder(dbc, metadata.New(cfg.CacheDir))
			return b.Build()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: extract, build, and optionally refresh certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd)
		},
	}

	updateEPCCmd = &cobra.Command{
		Use:   "update-epc",
		Short: "Pull new certificate lodgements into the raw tables",
		Long: `Pull certificate lodgements for every authority in the combined
authority lookup, from the month after the stored certificates (or
--from-year/--from-month) up to the previous month. New lodgements land
in the raw tables; run build afterwards to refresh the analytical ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbc, err := openDB()
			if err != nil {
				return err
			}
			defer dbc.Close()

			return updateEPC(cmd.Context(), dbc, flagCertType)
		},
	}

	bulkEPCCmd = &cobra.Command{
		Use:   "bulk-epc",
		Short: "Download the full certificate archives and load them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulk(cmd.Context())
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Probe every source URL and report the unreachable ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "cache directory (overrides the config)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	for _, cmd := range []*cobra.Command{extractCmd, runCmd} {
		cmd.Flags().IntVar(&flagSample, "sample", 0, "cap the records per resource, 0 extracts everything")
		cmd.Flags().StringSliceVar(&flagOnly, "only", nil, "extract only the named resources")
		cmd.Flags().StringSliceVar(&flagSkip, "skip", nil, "skip the named resources")
		cmd.Flags().StringVar(&flagReport, "report", "", "run report path, defaults into the cache directory")
	}
	runCmd.Flags().BoolVar(&flagEPC, "epc", false, "refresh domestic certificates after the build")
	runCmd.Flags().IntVar(&flagFromYear, "from-year", 0, "certificate start year, defaults from the stored certificates")
	runCmd.Flags().IntVar(&flagFromMonth, "from-month", 0, "certificate start month")

	updateEPCCmd.Flags().StringVar(&flagCertType, "type", "domestic", "certificate type: domestic or non-domestic")
	updateEPCCmd.Flags().IntVar(&flagFromYear, "from-year", 0, "start year, defaults from the stored certificates")
	updateEPCCmd.Flags().IntVar(&flagFromMonth, "from-month", 0, "start month")
	updateEPCCmd.Flags().IntVar(&flagToYear, "to-year", 0, "end year, defaults to the previous month")
	updateEPCCmd.Flags().IntVar(&flagToMonth, "to-month", 0, "end month")

	bulkEPCCmd.Flags().StringVar(&flagCertType, "type", "domestic", "certificate type: domestic or non-domestic")
	bulkEPCCmd.Flags().StringVar(&flagBulkDir, "dir", "", "archive directory, defaults into the cache directory")

	validateCmd.Flags().IntVar(&flagProbeSec, "timeout", 5, "per-probe timeout in seconds")

	rootCmd.AddCommand(extractCmd, buildCmd, runCmd, updateEPCCmd, bulkEPCCmd, validateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openDB() (db.DB, error) {
	dbc, err := db.New(cfg.CacheDir)
	if err != nil {
		return db.DB{}, xerrors.Errorf("failed to open db: %w", err)
	}
	if err = dbc.Init(); err != nil {
		return db.DB{}, xerrors.Errorf("failed to init db: %w", err)
	}
	return dbc, nil
}

func newFetchClient() *fetch.Client {
	return fetch.NewClient(fetch.Option{
		Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

// rowLimit resolves the per-resource record cap: an explicit --sample
// wins over the configured one.
func rowLimit(cmd *cobra.Command) int {
	if cmd.Flags().Changed("sample") {
		return flagSample
	}
	return cfg.SampleSize
}

// selectResources filters the catalogue, with --only/--skip overriding
// the configured lists.
func selectResources(cmd *cobra.Command) ([]extract.Resource, error) {
	only, skip := cfg.Only, cfg.Skip
	if cmd.Flags().Changed("only") {
		only = flagOnly
	}
	if cmd.Flags().Changed("skip") {
		skip = flagSkip
	}
	return catalog.Filter(catalog.Resources(), only, skip)
}

func runExtract(cmd *cobra.Command) error {
	resources, err := selectResources(cmd)
	if err != nil {
		return err
	}

	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer dbc.Close()

	report, counts, err := extractResources(cmd.Context(), dbc, resources, rowLimit(cmd))
	if err != nil {
		return err
	}
	return finishRun(report, counts)
}

func runPipeline(cmd *cobra.Command) error {
	ctx := cmd.Context()
	resources, err := selectResources(cmd)
	if err != nil {
		return err
	}

	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer dbc.Close()

	report, counts, err := extractResources(ctx, dbc, resources, rowLimit(cmd))
	if err != nil {
		return err
	}
	// A failed resource does not stop the build; its tables are simply
	// skipped. The failure still decides the exit status.
	runErr := finishRun(report, counts)
	if runErr != nil {
		slog.Warn("Building with incomplete raw data", slog.Any("error", runErr))
	}

	b := builder.NewBuilder(dbc, metadata.New(cfg.CacheDir))
	if err = b.Build(); err != nil {
		return err
	}

	// Certificates need the freshly built authority lookup, and the
	// build is repeated so the new lodgements reach the analytical
	// tables.
	if flagEPC {
		if err = updateEPC(ctx, dbc, "domestic"); err != nil {
			return err
		}
		if err = b.Build(); err != nil {
			return err
		}
	}
	return runErr
}

// extractResources walks the resources concurrently while a single
// loader drains their records into raw tables. The loader keeps
// draining after a failure so the walks can finish and be reported.
func extractResources(ctx context.Context, dbc db.DB, resources []extract.Resource, limit int) (*extract.Report, map[string]int, error) {
	o, err := extract.NewOrchestrator(newFetchClient(), resources)
	if err != nil {
		return nil, nil, err
	}
	loader := load.New(dbc, load.Option{
		Renamer: catalog.Renamer,
		Keys:    catalog.Keys(resources),
	})

	recordCh := make(chan extract.Record, recordBuffer)
	var counts map[string]int
	var loadErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		counts, loadErr = loader.Load(ctx, recordCh)
		for range recordCh {
		}
	}()

	report, runErr := o.Run(ctx, extract.RunOptions{
		RowLimit:    limit,
		Concurrency: cfg.Concurrency,
	}, recordCh)
	close(recordCh)
	<-done

	if runErr != nil {
		return report, counts, runErr
	}
	if loadErr != nil {
		return report, counts, loadErr
	}
	return report, counts, nil
}

// finishRun stamps the run onto the metadata, writes the report file
// and turns failed resources into the command's error.
func finishRun(report *extract.Report, counts map[string]int) error {
	meta := metadata.New(cfg.CacheDir)
	m, err := meta.Get()
	if err != nil {
		m = metadata.Metadata{}
	}
	m.RunID = report.ID
	if m.Resources == nil {
		m.Resources = make(map[string]int)
	}
	for table, n := range counts {
		m.Resources[table] = n
	}
	if err = meta.Update(m); err != nil {
		return xerrors.Errorf("failed to update metadata: %w", err)
	}

	path := flagReport
	if path == "" {
		path = filepath.Join(cfg.CacheDir, "extract_report.json")
	}
	if err = fileutil.WriteJSON(path, reportFile(report)); err != nil {
		return xerrors.Errorf("failed to write the run report: %w", err)
	}
	slog.Info("Run report written", slog.String("path", path))

	if failed := report.Failed(); len(failed) > 0 {
		names := lo.Map(failed, func(o extract.Outcome, _ int) string { return o.Resource })
		return xerrors.Errorf("extraction failed for %s", strings.Join(names, ", "))
	}
	return nil
}

// reportView is the run report as written to disk, with errors reduced
// to strings.
type reportView struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Resources  []outcomeView
}

type outcomeView struct {
	Resource  string
	State     string
	Pages     int
	Records   int
	Truncated bool   `json:",omitempty"`
	Error     string `json:",omitempty"`
}

func reportFile(report *extract.Report) reportView {
	return reportView{
		ID:         report.ID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Resources: lo.Map(report.Outcomes, func(o extract.Outcome, _ int) outcomeView {
			v := outcomeView{
				Resource:  o.Resource,
				State:     o.State.String(),
				Pages:     o.Pages,
				Records:   o.Records,
				Truncated: o.Truncated,
			}
			if o.Err != nil {
				v.Error = o.Err.Error()
			}
			return v
		}),
	}
}

func updateEPC(ctx context.Context, dbc db.DB, certTypeName string) error {
	certType := bulk.CertType(certTypeName)
	if err := certType.Validate(); err != nil {
		return err
	}
	if cfg.EPC.AuthToken == "" {
		return xerrors.New("no EPC auth token configured, set epc.auth_token or EPC_AUTH_TOKEN")
	}

	base, err := catalog.EPCSearch(certTypeName, cfg.EPC.AuthToken)
	if err != nil {
		return err
	}
	loader := load.New(dbc, load.Option{
		Renamer: catalog.Renamer,
		Keys:    catalog.Keys([]extract.Resource{base}),
	})

	u := bulk.NewUpdater(dbc, newFetchClient())
	counts, err := u.Update(ctx, base, certType, loader, bulk.UpdateOptions{
		FromYear:  flagFromYear,
		FromMonth: flagFromMonth,
		ToYear:    flagToYear,
		ToMonth:   flagToMonth,
	})
	if err != nil {
		return err
	}
	for table, n := range counts {
		slog.Info("Updated certificates", slog.String("table", table), slog.Int("rows", n))
	}
	return nil
}

func runBulk(ctx context.Context) error {
	certType := bulk.CertType(flagCertType)
	if err := certType.Validate(); err != nil {
		return err
	}
	if cfg.EPC.AuthToken == "" {
		return xerrors.New("no EPC auth token configured, set epc.auth_token or EPC_AUTH_TOKEN")
	}

	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer dbc.Close()

	ok, err := dbc.TableExists("ca_la_lookup")
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New("combined authority lookup not built, run a build first")
	}
	rows, err := dbc.SelectRows(`SELECT ladcd, ladnm FROM ca_la_lookup ORDER BY ladcd`)
	if err != nil {
		return xerrors.Errorf("failed to read the combined authority lookup: %w", err)
	}

	files := bulk.ZipList(bulk.FilesBaseURL, certType, rows)
	if len(files) == 0 {
		return xerrors.New("combined authority lookup is empty")
	}

	d := bulk.NewDownloader(bulk.Option{
		Dir:       bulkDir(),
		AuthToken: cfg.EPC.AuthToken,
		Limit:     cfg.EPC.BulkLimit,
	})
	if err = d.Download(ctx, files); err != nil {
		return err
	}
	csvs, err := d.ExtractCSVs()
	if err != nil {
		return err
	}
	slog.Info("Extracted certificate files", slog.Int("count", len(csvs)))

	loader := load.New(dbc, load.Option{
		Renamer: catalog.Renamer,
		Keys:    map[string]string{certType.Resource(): "LMK_KEY"},
	})
	counts, err := d.LoadCSVs(ctx, loader, certType)
	if err != nil {
		return err
	}
	for table, n := range counts {
		slog.Info("Loaded certificates", slog.String("table", table), slog.Int("rows", n))
	}
	return nil
}

func bulkDir() string {
	if flagBulkDir != "" {
		return flagBulkDir
	}
	if cfg.EPC.BulkDir != "" {
		return cfg.EPC.BulkDir
	}
	return filepath.Join(cfg.CacheDir, "epc_bulk")
}

func runValidate(ctx context.Context) error {
	resources := catalog.Resources()
	if cfg.EPC.AuthToken != "" {
		for _, certType := range []string{"domestic", "non-domestic"} {
			res, err := catalog.EPCSearch(certType, cfg.EPC.AuthToken)
			if err != nil {
				return err
			}
			resources = append(resources, res)
		}
	}

	failed := catalog.Validate(ctx, resources, time.Duration(flagProbeSec)*time.Second)
	for name, probeErr := range failed {
		slog.Error("Source unreachable", slog.String("resource", name), slog.Any("error", probeErr))
	}
	if len(failed) > 0 {
		return xerrors.Errorf("%d of %d sources unreachable", len(failed), len(resources))
	}
	slog.Info("All sources reachable", slog.Int("count", len(resources)))
	return nil
}
