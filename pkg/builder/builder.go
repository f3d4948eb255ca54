package builder

import (
	"log/slog"
	"sort"

	"github.com/cheggaaa/pb/v3"
	"github.com/samber/lo"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/weca-analytics/ca-epc-db/pkg/db"
	"github.com/weca-analytics/ca-epc-db/pkg/load"
	"github.com/weca-analytics/ca-epc-db/pkg/metadata"
	"github.com/weca-analytics/ca-epc-db/pkg/transform"
)

const insertBatchSize = 1000

// Candidate names for the local authority code column in the emissions
// feed, which has changed header style between releases.
var ghgCodeColumns = []string{"la_code", "local_authority_code", "ladcd"}

type Builder struct {
	db     db.DB
	meta   metadata.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewBuilder(dbc db.DB, meta metadata.Client) Builder {
	return Builder{
		db:     dbc,
		meta:   meta,
		clock:  clock.RealClock{},
		logger: slog.Default().With(slog.String("component", "build")),
	}
}

// Build derives the analytical tables from whatever raw tables the
// extraction stages have landed, then recreates the views and stamps the
// metadata. Steps whose raw table is absent are skipped so a partial
// extract still builds.
func (b *Builder) Build() error {
	steps := []struct {
		table string
		raw   string
		build func(rows []map[string]any) error
	}{
		{table: "ca_la_lookup", raw: load.TableName("ca_la_lookup"), build: b.buildCaLaLookup},
		{table: "lsoa_2021_pwc", raw: load.TableName("lsoa_2021_pwc"), build: b.buildLsoaPwc},
		{table: "dft_la_lookup", raw: load.TableName("dft_traffic"), build: b.buildDftLookup},
		{table: "ghg_emissions", raw: load.TableName("ghg_emissions"), build: b.buildGhgEmissions},
		{table: "imd_2025", raw: load.TableName("imd_2025"), build: b.buildImd},
		{table: "epc_domestic", raw: load.TableName("epc_domestic"), build: b.buildEpcDomestic},
		{table: "epc_non_domestic", raw: load.TableName("epc_non_domestic"), build: b.buildEpcNonDomestic},
	}

	bar := pb.StartNew(len(steps))
	defer b.logger.Info("Build completed")
	defer bar.Finish()

	for _, step := range steps {
		exists, err := b.db.TableExists(step.raw)
		if err != nil {
			return err
		}
		if !exists {
			b.logger.Info("Skipping table, raw data not loaded",
				slog.String("table", step.table), slog.String("raw", step.raw))
			bar.Increment()
			continue
		}
		rows, err := b.db.SelectRows("SELECT * FROM " + step.raw)
		if err != nil {
			return xerrors.Errorf("failed to read %q: %w", step.raw, err)
		}
		if err = step.build(rows); err != nil {
			return xerrors.Errorf("failed to build %q: %w", step.table, err)
		}
		bar.Increment()
	}

	created, failed := b.db.CreateViews()
	for name, err := range failed {
		b.logger.Warn("View not created", slog.String("view", name), slog.Any("error", err))
	}
	b.logger.Info("Views created", slog.Int("count", len(created)), slog.Int("failed", len(failed)))

	if err := b.db.VacuumDB(); err != nil {
		return xerrors.Errorf("failed to vacuum db: %w", err)
	}

	// save metadata, keeping the run and row counts from the extract stage
	meta, err := b.meta.Get()
	if err != nil {
		meta = metadata.Metadata{}
	}
	now := b.clock.Now().UTC()
	meta.SchemaVersion = metadata.SchemaVersion
	meta.UpdatedAt = now
	meta.NextUpdate = now.Add(metadata.UpdateInterval)
	if err = b.meta.Update(meta); err != nil {
		return xerrors.Errorf("failed to update metadata: %w", err)
	}

	return nil
}

func (b *Builder) buildCaLaLookup(rows []map[string]any) error {
	cleaned := lo.Map(rows, func(row map[string]any, _ int) map[string]any {
		return transform.DropColumns(row, "objectid")
	})
	if len(cleaned) > 0 {
		renames := transform.RenameMap(sortedColumns(cleaned), transform.RemoveNumbers)
		cleaned = lo.Map(cleaned, func(row map[string]any, _ int) map[string]any {
			return transform.RenameRow(row, renames)
		})
	}
	// North Somerset left the combined authority lookup upstream but is
	// still part of the LEP reporting footprint
	cleaned = append(cleaned, transform.NorthSomersetRow())

	if err := b.writeTable("ca_la_lookup", cleaned); err != nil {
		return err
	}
	return b.db.CreateIndex("ca_la_lookup", []string{"ladcd"}, true)
}

func (b *Builder) buildLsoaPwc(rows []map[string]any) error {
	deduped := transform.DedupeRows(rows)
	columns := sortedColumns(deduped)
	if !lo.Contains(columns, "x") || !lo.Contains(columns, "y") {
		return xerrors.Errorf("centroid data is missing the x/y geometry columns")
	}
	if err := b.writeTable("lsoa_2021_pwc", deduped); err != nil {
		return err
	}
	return b.db.AddPointGeometry("lsoa_2021_pwc", "x", "y")
}

func (b *Builder) buildDftLookup(rows []map[string]any) error {
	columns := sortedColumns(rows)
	for _, col := range []string{"local_authority_id", "local_authority_code", "year"} {
		if !lo.Contains(columns, col) {
			return xerrors.Errorf("traffic data is missing the %q column", col)
		}
	}
	latest := transform.LatestYearRows(rows, "year")
	lookup := lo.Map(latest, func(row map[string]any, _ int) map[string]any {
		return map[string]any{
			"dft_la_id": row["local_authority_id"],
			"ladcd":     row["local_authority_code"],
			"year":      row["year"],
		}
	})

	codes, err := b.caLaCodes()
	if err != nil {
		return err
	}
	if codes != nil {
		lookup = transform.FilterByColumn(lookup, "ladcd", codes)
	}
	if err = b.writeTable("dft_la_lookup", lookup); err != nil {
		return err
	}
	return b.db.CreateIndex("dft_la_lookup", []string{"ladcd"}, true)
}

func (b *Builder) buildGhgEmissions(rows []map[string]any) error {
	deduped := transform.DedupeRows(rows)

	codes, err := b.caLaCodes()
	if err != nil {
		return err
	}
	if codes != nil {
		columns := sortedColumns(deduped)
		codeColumn, found := lo.Find(ghgCodeColumns, func(col string) bool {
			return lo.Contains(columns, col)
		})
		if !found {
			return xerrors.Errorf("emissions data has no local authority code column")
		}
		deduped = transform.FilterByColumn(deduped, codeColumn, codes)
	}
	return b.writeTable("ghg_emissions", deduped)
}

func (b *Builder) buildImd(rows []map[string]any) error {
	if !lo.Contains(sortedColumns(rows), "lsoa21_code") {
		return xerrors.Errorf("deprivation data is missing the lsoa21_code column")
	}
	deduped := transform.DedupeRows(rows, "lsoa21_code")

	exists, err := b.db.TableExists("lsoa_2021_pwc")
	if err != nil {
		return err
	}
	if exists {
		lsoaRows, err := b.db.SelectRows(`SELECT DISTINCT lsoa21cd FROM lsoa_2021_pwc`)
		if err != nil {
			return err
		}
		lsoaCodes := lo.FilterMap(lsoaRows, func(row map[string]any, _ int) (string, bool) {
			code, ok := row["lsoa21cd"].(string)
			return code, ok
		})
		deduped = transform.FilterByColumn(deduped, "lsoa21_code", lsoaCodes)
	}

	if err = b.writeTable("imd_2025", deduped); err != nil {
		return err
	}
	return b.db.CreateIndex("imd_2025", []string{"lsoa21_code"}, true)
}

func (b *Builder) buildEpcDomestic(rows []map[string]any) error {
	deduped := transform.DedupeRows(rows, "LMK_KEY")
	valid := lo.Filter(deduped, func(row map[string]any, _ int) bool {
		return row["CURRENT_ENERGY_RATING"] != nil
	})
	for _, row := range valid {
		band, _ := row["CONSTRUCTION_AGE_BAND"].(string)
		year, known := transform.NominalConstructionYear(band)
		if known {
			row["NOMINAL_CONSTRUCTION_YEAR"] = int64(year)
		} else {
			row["NOMINAL_CONSTRUCTION_YEAR"] = nil
		}
		row["CONSTRUCTION_EPOCH"] = transform.ConstructionEpoch(year, known)

		tenure, _ := row["TENURE"].(string)
		if clean := transform.CleanTenure(tenure); clean != "" {
			row["TENURE_CLEAN"] = clean
		} else {
			row["TENURE_CLEAN"] = nil
		}
	}
	if err := b.writeTable("epc_domestic", valid); err != nil {
		return err
	}
	return b.db.CreateIndex("epc_domestic", []string{"LMK_KEY"}, true)
}

func (b *Builder) buildEpcNonDomestic(rows []map[string]any) error {
	deduped := transform.DedupeRows(rows, "LMK_KEY")
	if err := b.writeTable("epc_non_domestic", deduped); err != nil {
		return err
	}
	return b.db.CreateIndex("epc_non_domestic", []string{"LMK_KEY"}, true)
}

// caLaCodes returns the LA codes of the combined authority lookup, or nil
// when that table has not been built, in which case the dependent steps
// process their feeds unfiltered.
func (b *Builder) caLaCodes() ([]string, error) {
	exists, err := b.db.TableExists("ca_la_lookup")
	if err != nil {
		return nil, err
	}
	if !exists {
		b.logger.Info("Combined authority lookup not built, processing without LA filtering")
		return nil, nil
	}
	rows, err := b.db.SelectRows(`SELECT ladcd FROM ca_la_lookup`)
	if err != nil {
		return nil, err
	}
	codes := lo.FilterMap(rows, func(row map[string]any, _ int) (string, bool) {
		code, ok := row["ladcd"].(string)
		return code, ok
	})
	return codes, nil
}

func (b *Builder) writeTable(table string, rows []map[string]any) error {
	if len(rows) == 0 {
		b.logger.Warn("No rows left after transformation", slog.String("table", table))
		return b.db.DropTable(table)
	}
	columns := sortedColumns(rows)
	if err := b.db.DropTable(table); err != nil {
		return err
	}
	if err := b.db.EnsureTable(table, columns); err != nil {
		return err
	}
	for _, chunk := range lo.Chunk(rows, insertBatchSize) {
		if err := b.db.InsertRows(table, columns, chunk, false); err != nil {
			return err
		}
	}
	b.logger.Info("Built table", slog.String("table", table), slog.Int("rows", len(rows)))
	return nil
}

func sortedColumns(rows []map[string]any) []string {
	columns := lo.Uniq(lo.FlatMap(rows, func(row map[string]any, _ int) []string {
		return lo.Keys(row)
	}))
	sort.Strings(columns)
	return columns
}
