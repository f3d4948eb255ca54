package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weca-analytics/ca-epc-db/pkg/dbtest"

	_ "modernc.org/sqlite"
)

var (
	caLaColumns = []string{"ladcd", "ladnm", "cauthcd", "cauthnm"}
	caLaRows    = []map[string]any{
		{"ladcd": "E06000022", "ladnm": "Bath and North East Somerset", "cauthcd": "E47000009", "cauthnm": "West of England"},
		{"ladcd": "E06000023", "ladnm": "Bristol, City of", "cauthcd": "E47000009", "cauthnm": "West of England"},
		{"ladcd": "E06000024", "ladnm": "North Somerset", "cauthcd": "E47000009", "cauthnm": "West of England"},
		{"ladcd": "E08000025", "ladnm": "Birmingham", "cauthcd": "E47000007", "cauthnm": "West Midlands"},
	}

	domesticColumns = []string{
		"LMK_KEY", "UPRN", "LOCAL_AUTHORITY", "LOCAL_AUTHORITY_LABEL", "PROPERTY_TYPE",
		"TRANSACTION_TYPE", "TENURE_CLEAN", "WALLS_DESCRIPTION", "ROOF_DESCRIPTION",
		"WALLS_ENERGY_EFF", "ROOF_ENERGY_EFF", "MAINHEAT_DESCRIPTION", "MAINHEAT_ENERGY_EFF",
		"MAIN_FUEL", "SOLAR_WATER_HEATING_FLAG", "CONSTRUCTION_AGE_BAND", "CURRENT_ENERGY_RATING",
		"POTENTIAL_ENERGY_RATING", "CO2_EMISSIONS_CURRENT", "CO2_EMISSIONS_POTENTIAL",
		"CO2_EMISS_CURR_PER_FLOOR_AREA", "NUMBER_HABITABLE_ROOMS", "NUMBER_HEATED_ROOMS",
		"PHOTO_SUPPLY", "TOTAL_FLOOR_AREA", "BUILDING_REFERENCE_NUMBER", "BUILT_FORM",
		"LODGEMENT_DATE", "LODGEMENT_DATETIME", "NOMINAL_CONSTRUCTION_YEAR", "CONSTRUCTION_EPOCH",
	}

	nonDomesticColumns = []string{
		"UPRN", "LMK_KEY", "BUILDING_REFERENCE_NUMBER", "ASSET_RATING", "ASSET_RATING_BAND",
		"PROPERTY_TYPE", "LOCAL_AUTHORITY", "TRANSACTION_TYPE", "STANDARD_EMISSIONS",
		"TYPICAL_EMISSIONS", "TARGET_EMISSIONS", "BUILDING_EMISSIONS", "BUILDING_LEVEL",
		"RENEWABLE_SOURCES", "LODGEMENT_DATE", "LODGEMENT_DATETIME",
	}

	ghgColumns = []string{
		"local_authority", "local_authority_code", "calendar_year", "la_ghg_sector",
		"la_ghg_sub_sector", "territorial_emissions_kt_co2e", "country", "country_code",
		"region", "second_tier_authority", "grand_total", "population_000s_mid_year_estimate",
	}
)

func domesticRow(lmkKey, uprn, la, lodged string) map[string]any {
	row := make(map[string]any, len(domesticColumns))
	for _, col := range domesticColumns {
		row[col] = ""
	}
	row["LMK_KEY"] = lmkKey
	row["UPRN"] = uprn
	row["LOCAL_AUTHORITY"] = la
	row["LODGEMENT_DATE"] = lodged[:10]
	row["LODGEMENT_DATETIME"] = lodged
	return row
}

func nonDomesticRow(lmkKey, uprn, la, lodged string) map[string]any {
	row := make(map[string]any, len(nonDomesticColumns))
	for _, col := range nonDomesticColumns {
		row[col] = ""
	}
	row["LMK_KEY"] = lmkKey
	row["UPRN"] = uprn
	row["LOCAL_AUTHORITY"] = la
	row["LODGEMENT_DATE"] = lodged[:10]
	row["LODGEMENT_DATETIME"] = lodged
	return row
}

func ghgRow(laCode, year, grandTotal, population string) map[string]any {
	row := make(map[string]any, len(ghgColumns))
	for _, col := range ghgColumns {
		row[col] = ""
	}
	row["local_authority_code"] = laCode
	row["calendar_year"] = year
	row["grand_total"] = grandTotal
	row["population_000s_mid_year_estimate"] = population
	return row
}

func TestEnsureTable(t *testing.T) {
	dbc, err := dbtest.InitDB(t, nil)
	require.NoError(t, err)

	err = dbc.EnsureTable("raw_boundaries", []string{"ladcd", "ladnm"})
	require.NoError(t, err)

	got, err := dbc.Columns("raw_boundaries")
	require.NoError(t, err)
	assert.Equal(t, []string{"ladcd", "ladnm"}, got)

	err = dbc.InsertRows("raw_boundaries", []string{"ladcd", "ladnm"}, []map[string]any{
		{"ladcd": "E06000023", "ladnm": "Bristol, City of"},
	}, false)
	require.NoError(t, err)

	// later pages may introduce columns the first page never had
	err = dbc.EnsureTable("raw_boundaries", []string{"ladnm", "cauthcd"})
	require.NoError(t, err)

	got, err = dbc.Columns("raw_boundaries")
	require.NoError(t, err)
	assert.Equal(t, []string{"ladcd", "ladnm", "cauthcd"}, got)

	rows, err := dbc.SelectRows(`SELECT * FROM raw_boundaries`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "E06000023", rows[0]["ladcd"])
	assert.Nil(t, rows[0]["cauthcd"])

	err = dbc.EnsureTable("raw_empty", nil)
	assert.ErrorContains(t, err, "at least one column")
}

func TestInsertRows(t *testing.T) {
	dbc, err := dbtest.InitDB(t, nil)
	require.NoError(t, err)

	columns := []string{"name", "count", "ratio", "missing"}
	err = dbc.EnsureTable("raw_counts", columns)
	require.NoError(t, err)

	err = dbc.InsertRows("raw_counts", columns, []map[string]any{
		{"name": "first", "count": int64(42), "ratio": 1.5},
	}, false)
	require.NoError(t, err)

	rows, err := dbc.SelectRows(`SELECT * FROM raw_counts`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{
		"name":    "first",
		"count":   int64(42),
		"ratio":   1.5,
		"missing": nil,
	}, rows[0])
}

func TestInsertRowsUpsert(t *testing.T) {
	dbc, err := dbtest.InitDB(t, nil)
	require.NoError(t, err)

	columns := []string{"LMK_KEY", "CURRENT_ENERGY_RATING"}
	err = dbc.EnsureTable("raw_epc_domestic", columns)
	require.NoError(t, err)
	err = dbc.CreateIndex("raw_epc_domestic", []string{"LMK_KEY"}, true)
	require.NoError(t, err)

	err = dbc.InsertRows("raw_epc_domestic", columns, []map[string]any{
		{"LMK_KEY": "key-1", "CURRENT_ENERGY_RATING": "E"},
	}, false)
	require.NoError(t, err)

	// the refreshed certificate replaces the earlier lodgement
	err = dbc.InsertRows("raw_epc_domestic", columns, []map[string]any{
		{"LMK_KEY": "key-1", "CURRENT_ENERGY_RATING": "C"},
		{"LMK_KEY": "key-2", "CURRENT_ENERGY_RATING": "B"},
	}, true)
	require.NoError(t, err)

	count, err := dbc.Count("raw_epc_domestic")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rows, err := dbc.SelectRows(`SELECT CURRENT_ENERGY_RATING FROM raw_epc_domestic WHERE LMK_KEY = ?`, "key-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "C", rows[0]["CURRENT_ENERGY_RATING"])
}

func TestCreateViews(t *testing.T) {
	dbc, err := dbtest.InitDB(t, []dbtest.Seed{
		{
			Table:   "ca_la_lookup",
			Columns: caLaColumns,
			Rows:    caLaRows,
		},
		{
			Table:   "epc_domestic",
			Columns: domesticColumns,
			Rows: []map[string]any{
				domesticRow("dom-1", "10001", "E06000023", "2020-01-15 09:00:00"),
				domesticRow("dom-2", "10001", "E06000023", "2023-06-02 11:30:00"),
				domesticRow("dom-3", "20002", "E08000025", "2022-03-20 10:00:00"),
			},
		},
		{
			Table:   "epc_non_domestic",
			Columns: nonDomesticColumns,
			Rows: []map[string]any{
				nonDomesticRow("non-1", "30003", "E06000023", "2021-11-05 14:00:00"),
				nonDomesticRow("non-2", "40004", "E08000025", "2021-11-05 14:00:00"),
			},
		},
		{
			Table:   "ghg_emissions",
			Columns: ghgColumns,
			Rows: []map[string]any{
				ghgRow("E06000022", "2022", "100", "10"),
				ghgRow("E06000023", "2022", "200", "10"),
				ghgRow("E06000024", "2022", "999", "5"),
				ghgRow("E08000025", "2022", "400", "20"),
			},
		},
	})
	require.NoError(t, err)

	created, failed := dbc.CreateViews()
	assert.Empty(t, failed)
	assert.Equal(t, []string{
		"epc_domestic_vw",
		"epc_domestic_lep_vw",
		"epc_domestic_ods_vw",
		"epc_non_domestic_vw",
		"epc_non_domestic_ods_vw",
		"ca_la_ghg_emissions_sub_sector_ods_vw",
		"per_cap_emissions_ca_national_vw",
	}, created)

	// only the latest certificate per UPRN survives
	rows, err := dbc.SelectRows(`SELECT LMK_KEY, LODGEMENT_YEAR FROM epc_domestic_vw ORDER BY LMK_KEY`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "dom-2", rows[0]["LMK_KEY"])
	assert.Equal(t, int64(2023), rows[0]["LODGEMENT_YEAR"])
	assert.Equal(t, "dom-3", rows[1]["LMK_KEY"])

	// the LEP view keeps West of England lodgements only
	rows, err = dbc.SelectRows(`SELECT lmk_key, "year", "month" FROM epc_domestic_ods_vw`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "dom-2", rows[0]["lmk_key"])
	assert.Equal(t, int64(2023), rows[0]["year"])
	assert.Equal(t, int64(6), rows[0]["month"])

	rows, err = dbc.SelectRows(`SELECT lmk_key, ladnm FROM epc_non_domestic_ods_vw`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "non-1", rows[0]["lmk_key"])
	assert.Equal(t, "Bristol, City of", rows[0]["ladnm"])

	rows, err = dbc.SelectRows(`SELECT * FROM ca_la_ghg_emissions_sub_sector_ods_vw`)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.NotContains(t, rows[0], "country")
	assert.Contains(t, rows[0], "cauthnm")

	rows, err = dbc.SelectRows(`SELECT area, per_cap FROM per_cap_emissions_ca_national_vw ORDER BY area`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "West Midlands", rows[0]["area"])
	assert.Equal(t, "West of England", rows[1]["area"])
	assert.Equal(t, 15.0, rows[1]["per_cap"])
}

func TestCreateViewsEmptyDatabase(t *testing.T) {
	dbc, err := dbtest.InitDB(t, nil)
	require.NoError(t, err)

	created, failed := dbc.CreateViews()
	assert.Empty(t, created)
	assert.Len(t, failed, 7)
}

func TestAddPointGeometry(t *testing.T) {
	columns := []string{"lsoa21cd", "x", "y"}
	dbc, err := dbtest.InitDB(t, []dbtest.Seed{
		{
			Table:   "lsoa_2021_pwc",
			Columns: columns,
			Rows: []map[string]any{
				{"lsoa21cd": "E01014485", "x": "337126.5", "y": "175766.25"},
				{"lsoa21cd": "E01014486", "x": "360000.5", "y": "180000.25"},
				{"lsoa21cd": "E01014487", "x": nil, "y": nil},
			},
		},
	})
	require.NoError(t, err)

	err = dbc.AddPointGeometry("lsoa_2021_pwc", "x", "y")
	require.NoError(t, err)

	rows, err := dbc.SelectRows(`SELECT lsoa21cd, geom FROM lsoa_2021_pwc ORDER BY lsoa21cd`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "POINT (337126.5 175766.25)", rows[0]["geom"])
	assert.Nil(t, rows[2]["geom"])

	// rows without coordinates stay out of the index
	rows, err = dbc.SelectRows(`SELECT id FROM lsoa_2021_pwc_rtree ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = dbc.SelectRows(`SELECT id FROM lsoa_2021_pwc_rtree WHERE min_x >= 330000 AND max_x <= 340000`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])

	err = dbc.AddPointGeometry("lsoa_2021_pwc", "x", "nope")
	assert.ErrorContains(t, err, "coordinate columns")
}

func TestVacuumDB(t *testing.T) {
	dbc, err := dbtest.InitDB(t, []dbtest.Seed{
		{
			Table:   "ca_la_lookup",
			Columns: caLaColumns,
			Rows:    caLaRows,
		},
	})
	require.NoError(t, err)

	require.NoError(t, dbc.DropTable("ca_la_lookup"))
	assert.NoError(t, dbc.VacuumDB())
}
