package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	_ "modernc.org/sqlite"
)

const dbFileName = "ca-epc.db"

type DB struct {
	client *sql.DB
	dir    string
	clock  clock.Clock
}

func Path(cacheDir string) string {
	dbPath := filepath.Join(cacheDir, dbFileName)
	return dbPath
}

func New(cacheDir string) (DB, error) {
	dbPath := Path(cacheDir)
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return DB{}, xerrors.Errorf("failed to mkdir: %w", err)
	}

	// open db
	var err error
	client, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return DB{}, xerrors.Errorf("can't open db: %w", err)
	}

	return DB{
		client: client,
		dir:    dbDir,
		clock:  clock.RealClock{},
	}, nil
}

func (db *DB) Init() error {
	if _, err := db.client.Exec("PRAGMA foreign_keys=true"); err != nil {
		return xerrors.Errorf("failed to enable 'foreign_keys': %w", err)
	}
	return nil
}

func (db *DB) Dir() string {
	return db.dir
}

func (db *DB) Close() error {
	return db.client.Close()
}

func (db *DB) VacuumDB() error {
	if _, err := db.client.Exec("VACUUM"); err != nil {
		return xerrors.Errorf("vacuum database error: %w", err)
	}
	return nil
}

// quoteIdent quotes table and column names, which come from upstream
// dataset headers rather than from code.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (db *DB) Tables() ([]string, error) {
	rows, err := db.client.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, xerrors.Errorf("select tables error: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, xerrors.Errorf("scan row error: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (db *DB) TableExists(table string) (bool, error) {
	var count int
	row := db.client.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err := row.Scan(&count); err != nil {
		return false, xerrors.Errorf("select table error: %w", err)
	}
	return count > 0, nil
}

func (db *DB) Columns(table string) ([]string, error) {
	rows, err := db.client.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, xerrors.Errorf("table info error: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             any
		)
		if err = rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, xerrors.Errorf("scan row error: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// EnsureTable creates the table on first sight and adds any columns that
// later batches introduce. Columns carry no declared type so values keep
// the storage class they arrive with.
func (db *DB) EnsureTable(table string, columns []string) error {
	if len(columns) == 0 {
		return xerrors.Errorf("table %q needs at least one column", table)
	}
	existing, err := db.Columns(table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		quoted := lo.Map(columns, func(col string, _ int) string {
			return quoteIdent(col)
		})
		if _, err = db.client.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(quoted, ", "))); err != nil {
			return xerrors.Errorf("unable to create %q table: %w", table, err)
		}
		return nil
	}
	for _, col := range columns {
		if lo.Contains(existing, col) {
			continue
		}
		if _, err = db.client.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), quoteIdent(col))); err != nil {
			return xerrors.Errorf("unable to add column %q to %q: %w", col, table, err)
		}
	}
	return nil
}

func (db *DB) DropTable(table string) error {
	if _, err := db.client.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))); err != nil {
		return xerrors.Errorf("unable to drop %q table: %w", table, err)
	}
	return nil
}

// InsertRows lands one batch of rows in a single transaction. Columns
// absent from a row bind as NULL. With upsert set the statement replaces
// rows that collide on a unique index, which is how refreshed certificates
// supersede earlier lodgements.
func (db *DB) InsertRows(table string, columns []string, rows []map[string]any, upsert bool) error {
	if len(columns) == 0 || len(rows) == 0 {
		return nil
	}
	tx, err := db.client.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	verb := "INSERT"
	if upsert {
		verb = "INSERT OR REPLACE"
	}
	quoted := lo.Map(columns, func(col string, _ int) string {
		return quoteIdent(col)
	})
	stmt, err := tx.Prepare(fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, quoteIdent(table), strings.Join(quoted, ", "), placeholders(len(columns))))
	if err != nil {
		return xerrors.Errorf("unable to prepare insert into %q: %w", table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, 0, len(columns))
		for _, col := range columns {
			args = append(args, row[col])
		}
		if _, err = stmt.Exec(args...); err != nil {
			return xerrors.Errorf("unable to insert to %q table: %w", table, err)
		}
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (db *DB) CreateIndex(table string, columns []string, unique bool) error {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	name := fmt.Sprintf("%s_%s_idx", table, strings.ToLower(strings.Join(columns, "_")))
	quoted := lo.Map(columns, func(col string, _ int) string {
		return quoteIdent(col)
	})
	if _, err := db.client.Exec(fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
		kind, quoteIdent(name), quoteIdent(table), strings.Join(quoted, ", "))); err != nil {
		return xerrors.Errorf("unable to create %q index: %w", name, err)
	}
	return nil
}

func (db *DB) Count(table string) (int, error) {
	var count int
	row := db.client.QueryRow(fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(table)))
	if err := row.Scan(&count); err != nil {
		return 0, xerrors.Errorf("count %q error: %w", table, err)
	}
	return count, nil
}

// SelectRows runs a query and returns the results as column maps, with
// BLOB values decoded to strings.
func (db *DB) SelectRows(query string, args ...any) ([]map[string]any, error) {
	rows, err := db.client.Query(query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query error: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, xerrors.Errorf("columns error: %w", err)
	}
	var selected []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, xerrors.Errorf("scan row error: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		selected = append(selected, row)
	}
	return selected, rows.Err()
}

// AddPointGeometry derives a WKT geom column from two coordinate columns
// and mirrors the points into an R*Tree table named <table>_rtree for
// bounding-box lookups. Rows with missing coordinates are left out.
func (db *DB) AddPointGeometry(table, xColumn, yColumn string) error {
	columns, err := db.Columns(table)
	if err != nil {
		return err
	}
	if !lo.Contains(columns, xColumn) || !lo.Contains(columns, yColumn) {
		return xerrors.Errorf("table %q has no %q/%q coordinate columns", table, xColumn, yColumn)
	}
	x, y := quoteIdent(xColumn), quoteIdent(yColumn)
	if !lo.Contains(columns, "geom") {
		if _, err = db.client.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN geom", quoteIdent(table))); err != nil {
			return xerrors.Errorf("unable to add geom column to %q: %w", table, err)
		}
	}
	update := fmt.Sprintf("UPDATE %s SET geom = 'POINT (' || CAST(%s AS REAL) || ' ' || CAST(%s AS REAL) || ')' WHERE %s IS NOT NULL AND %s IS NOT NULL",
		quoteIdent(table), x, y, x, y)
	if _, err = db.client.Exec(update); err != nil {
		return xerrors.Errorf("unable to populate geom for %q: %w", table, err)
	}

	rtree := table + "_rtree"
	if _, err = db.client.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(rtree))); err != nil {
		return xerrors.Errorf("unable to drop %q table: %w", rtree, err)
	}
	if _, err = db.client.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE %s USING rtree(id, min_x, max_x, min_y, max_y)", quoteIdent(rtree))); err != nil {
		return xerrors.Errorf("unable to create %q table: %w", rtree, err)
	}
	fill := fmt.Sprintf("INSERT INTO %s SELECT rowid, CAST(%s AS REAL), CAST(%s AS REAL), CAST(%s AS REAL), CAST(%s AS REAL) FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL",
		quoteIdent(rtree), x, x, y, y, quoteIdent(table), x, y)
	if _, err = db.client.Exec(fill); err != nil {
		return xerrors.Errorf("unable to fill %q table: %w", rtree, err)
	}
	return nil
}
