package load

import (
	"context"
	"log/slog"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/db"
	"github.com/weca-analytics/ca-epc-db/pkg/extract"
	"github.com/weca-analytics/ca-epc-db/pkg/transform"
)

const (
	defaultBatchSize = 1000
	logEvery         = 10000
)

// TableName returns the raw landing table for a resource.
func TableName(resource string) string {
	return "raw_" + resource
}

type Option struct {
	BatchSize int
	// Renamer picks the column renaming for a resource. Column names
	// default to their storage-safe form.
	Renamer func(resource string) func(string) string
	// Keys maps resources to the renamed column their rows are unique
	// on. Keyed resources are upserted so refreshed extracts supersede
	// stored rows; unkeyed resources are reloaded from scratch.
	Keys map[string]string
}

// Loader drains an extraction record stream into raw tables, one table
// per resource, growing table schemas as new columns appear.
type Loader struct {
	db        db.DB
	batchSize int
	renamer   func(resource string) func(string) string
	keys      map[string]string
	logger    *slog.Logger
}

func New(dbc db.DB, opt Option) *Loader {
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultBatchSize
	}
	if opt.Renamer == nil {
		opt.Renamer = func(string) func(string) string {
			return transform.StorageName
		}
	}
	return &Loader{
		db:        dbc,
		batchSize: opt.BatchSize,
		renamer:   opt.Renamer,
		keys:      opt.Keys,
		logger:    slog.Default().With(slog.String("component", "load")),
	}
}

// Load consumes records until the channel closes and returns the row
// count per raw table. The first record of an unkeyed resource replaces
// the table left over from earlier runs.
func (l *Loader) Load(ctx context.Context, records <-chan extract.Record) (map[string]int, error) {
	counts := make(map[string]int)
	pending := make(map[string][]map[string]any)
	fresh := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return counts, xerrors.Errorf("load interrupted: %w", ctx.Err())
		case rec, ok := <-records:
			if !ok {
				for resource := range pending {
					if err := l.flush(resource, pending, counts, fresh); err != nil {
						return counts, err
					}
				}
				return counts, nil
			}
			rename := l.renamer(rec.Resource)
			fields := make(map[string]any, len(rec.Fields))
			for name, value := range rec.Fields {
				fields[rename(name)] = value
			}
			pending[rec.Resource] = append(pending[rec.Resource], fields)
			if len(pending[rec.Resource]) >= l.batchSize {
				if err := l.flush(rec.Resource, pending, counts, fresh); err != nil {
					return counts, err
				}
			}
		}
	}
}

func (l *Loader) flush(resource string, pending map[string][]map[string]any, counts map[string]int, fresh map[string]bool) error {
	rows := pending[resource]
	delete(pending, resource)
	if len(rows) == 0 {
		return nil
	}

	table := TableName(resource)
	key, keyed := l.keys[resource]
	if !keyed && !fresh[resource] {
		if err := l.db.DropTable(table); err != nil {
			return xerrors.Errorf("failed to reset %q: %w", table, err)
		}
	}
	fresh[resource] = true

	columns := lo.Uniq(lo.FlatMap(rows, func(row map[string]any, _ int) []string {
		return lo.Keys(row)
	}))
	sort.Strings(columns)

	if err := l.db.EnsureTable(table, columns); err != nil {
		return xerrors.Errorf("failed to ensure %q: %w", table, err)
	}
	if keyed {
		if err := l.db.CreateIndex(table, []string{key}, true); err != nil {
			return xerrors.Errorf("failed to index %q: %w", table, err)
		}
	}
	if err := l.db.InsertRows(table, columns, rows, keyed); err != nil {
		return xerrors.Errorf("failed to load %q: %w", table, err)
	}

	before := counts[table]
	counts[table] = before + len(rows)
	if before/logEvery != counts[table]/logEvery {
		l.logger.Info("Loaded rows", slog.String("table", table), slog.Int("count", counts[table]))
	}
	return nil
}
