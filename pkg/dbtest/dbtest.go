package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weca-analytics/ca-epc-db/pkg/db"
)

// Seed is one table worth of fixture rows.
type Seed struct {
	Table   string
	Columns []string
	Rows    []map[string]any
}

func InitDB(t *testing.T, seeds []Seed) (db.DB, error) {
	tmpDir := t.TempDir()
	dbc, err := db.New(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbc.Close() })

	err = dbc.Init()
	require.NoError(t, err)

	for _, seed := range seeds {
		err = dbc.EnsureTable(seed.Table, seed.Columns)
		require.NoError(t, err)
		err = dbc.InsertRows(seed.Table, seed.Columns, seed.Rows, false)
		require.NoError(t, err)
	}
	return dbc, nil
}
