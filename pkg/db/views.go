package db

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

// Certificates are lodged repeatedly for the same property, so the base
// views keep only the latest lodgement per UPRN and break the lodgement
// datetime into day, month and year columns.
const epcDomesticVw = `
CREATE VIEW epc_domestic_vw AS
SELECT c.*,
       CAST(strftime('%d', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_DAY,
       CAST(strftime('%m', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_MONTH,
       CAST(strftime('%Y', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_YEAR
FROM epc_domestic c
INNER JOIN (
    SELECT UPRN, MAX(LODGEMENT_DATETIME) AS max_date
    FROM epc_domestic
    GROUP BY UPRN
) latest ON c.UPRN = latest.UPRN AND c.LODGEMENT_DATETIME = latest.max_date`

const epcDomesticLepVw = `
CREATE VIEW epc_domestic_lep_vw AS
SELECT *
FROM epc_domestic_vw
WHERE LOCAL_AUTHORITY IN (
    SELECT ladcd FROM ca_la_lookup WHERE cauthnm = 'West of England'
)`

const epcDomesticOdsVw = `
CREATE VIEW epc_domestic_ods_vw AS
SELECT LMK_KEY AS lmk_key,
       UPRN AS uprn,
       LOCAL_AUTHORITY AS local_authority,
       PROPERTY_TYPE AS property_type,
       TRANSACTION_TYPE AS transaction_type,
       TENURE_CLEAN AS tenure,
       WALLS_DESCRIPTION AS walls_description,
       ROOF_DESCRIPTION AS roof_description,
       WALLS_ENERGY_EFF AS walls_energy_eff,
       ROOF_ENERGY_EFF AS roof_energy_eff,
       MAINHEAT_DESCRIPTION AS mainheat_description,
       MAINHEAT_ENERGY_EFF AS mainheat_energy_eff,
       MAIN_FUEL AS main_fuel,
       SOLAR_WATER_HEATING_FLAG AS solar_water_heating_flag,
       CONSTRUCTION_AGE_BAND AS construction_age_band,
       CURRENT_ENERGY_RATING AS current_energy_rating,
       POTENTIAL_ENERGY_RATING AS potential_energy_rating,
       CO2_EMISSIONS_CURRENT AS co2_emissions_current,
       CO2_EMISSIONS_POTENTIAL AS co2_emissions_potential,
       CO2_EMISS_CURR_PER_FLOOR_AREA AS co2_emiss_curr_per_floor_area,
       NUMBER_HABITABLE_ROOMS AS number_habitable_rooms,
       NUMBER_HEATED_ROOMS AS number_heated_rooms,
       PHOTO_SUPPLY AS photo_supply,
       TOTAL_FLOOR_AREA AS total_floor_area,
       BUILDING_REFERENCE_NUMBER AS building_reference_number,
       BUILT_FORM AS built_form,
       LODGEMENT_DATE AS "date",
       LODGEMENT_YEAR AS "year",
       LODGEMENT_MONTH AS "month",
       NOMINAL_CONSTRUCTION_YEAR AS n_nominal_construction_date,
       CONSTRUCTION_EPOCH AS construction_epoch,
       LOCAL_AUTHORITY_LABEL AS ladnm
FROM epc_domestic_lep_vw`

const epcNonDomesticVw = `
CREATE VIEW epc_non_domestic_vw AS
SELECT c.*,
       ca.ladcd,
       ca.ladnm,
       ca.cauthcd,
       ca.cauthnm,
       CAST(strftime('%d', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_DAY,
       CAST(strftime('%m', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_MONTH,
       CAST(strftime('%Y', c.LODGEMENT_DATETIME) AS INTEGER) AS LODGEMENT_YEAR
FROM epc_non_domestic c
INNER JOIN (
    SELECT UPRN, MAX(LODGEMENT_DATETIME) AS max_date
    FROM epc_non_domestic
    GROUP BY UPRN
) latest ON c.UPRN = latest.UPRN AND c.LODGEMENT_DATETIME = latest.max_date
INNER JOIN ca_la_lookup ca ON c.LOCAL_AUTHORITY = ca.ladcd
WHERE c.LOCAL_AUTHORITY IN (
    SELECT ladcd FROM ca_la_lookup WHERE cauthnm = 'West of England'
)`

const epcNonDomesticOdsVw = `
CREATE VIEW epc_non_domestic_ods_vw AS
SELECT UPRN AS uprn,
       LMK_KEY AS lmk_key,
       BUILDING_REFERENCE_NUMBER AS building_reference_number,
       ASSET_RATING AS asset_rating,
       ASSET_RATING_BAND AS asset_rating_band,
       PROPERTY_TYPE AS property_type,
       LOCAL_AUTHORITY AS local_authority,
       TRANSACTION_TYPE AS transaction_type,
       STANDARD_EMISSIONS AS standard_emissions,
       TYPICAL_EMISSIONS AS typical_emissions,
       TARGET_EMISSIONS AS target_emissions,
       BUILDING_EMISSIONS AS building_emissions,
       BUILDING_LEVEL AS building_level,
       RENEWABLE_SOURCES AS renewable_sources,
       LODGEMENT_DATE AS "date",
       LODGEMENT_YEAR AS "year",
       LODGEMENT_MONTH AS "month",
       ladcd,
       ladnm,
       cauthcd,
       cauthnm
FROM epc_non_domestic_vw`

// North Somerset sits in the lookup for the LEP views but is not part of
// the combined authority, so it stays out of the per-capita aggregates.
const perCapEmissionsCaNationalVw = `
CREATE VIEW per_cap_emissions_ca_national_vw AS
SELECT g.calendar_year,
       ca.cauthnm AS area,
       SUM(CAST(g.grand_total AS REAL)) / SUM(CAST(g.population_000s_mid_year_estimate AS REAL)) AS per_cap
FROM ghg_emissions g
INNER JOIN ca_la_lookup ca ON g.local_authority_code = ca.ladcd
WHERE ca.ladnm <> 'North Somerset'
GROUP BY g.calendar_year, ca.cauthnm`

type viewDef struct {
	name string
	sql  func(db *DB) (string, error)
}

func staticView(sql string) func(*DB) (string, error) {
	return func(*DB) (string, error) {
		return sql, nil
	}
}

// Order matters: the LEP and ODS views select from the base views.
func viewDefs() []viewDef {
	return []viewDef{
		{name: "epc_domestic_vw", sql: staticView(epcDomesticVw)},
		{name: "epc_domestic_lep_vw", sql: staticView(epcDomesticLepVw)},
		{name: "epc_domestic_ods_vw", sql: staticView(epcDomesticOdsVw)},
		{name: "epc_non_domestic_vw", sql: staticView(epcNonDomesticVw)},
		{name: "epc_non_domestic_ods_vw", sql: staticView(epcNonDomesticOdsVw)},
		{name: "ca_la_ghg_emissions_sub_sector_ods_vw", sql: (*DB).ghgSubSectorView},
		{name: "per_cap_emissions_ca_national_vw", sql: staticView(perCapEmissionsCaNationalVw)},
	}
}

// CreateViews drops and recreates the analytical views. Creation is best
// effort: a view whose source tables have not been built yet lands in
// failed and the remaining views still come up.
func (db *DB) CreateViews() (created []string, failed map[string]error) {
	failed = make(map[string]error)
	for _, def := range viewDefs() {
		if _, err := db.client.Exec(fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(def.name))); err != nil {
			failed[def.name] = xerrors.Errorf("unable to drop view: %w", err)
			continue
		}
		query, err := def.sql(db)
		if err != nil {
			failed[def.name] = err
			continue
		}
		if _, err = db.client.Exec(query); err != nil {
			failed[def.name] = xerrors.Errorf("unable to create view: %w", err)
			continue
		}
		created = append(created, def.name)
	}
	return created, failed
}

// ghgSubSectorView joins the sub-sector emissions onto the combined
// authority lookup. The feed carries its own geography columns, which the
// join replaces, so the select list is built from the live table schema.
func (db *DB) ghgSubSectorView() (string, error) {
	ghgColumns, err := db.Columns("ghg_emissions")
	if err != nil {
		return "", err
	}
	if len(ghgColumns) == 0 {
		return "", xerrors.Errorf("no such table: %q", "ghg_emissions")
	}
	exclude := []string{"country", "country_code", "region", "second_tier_authority"}
	selects := lo.FilterMap(ghgColumns, func(col string, _ int) (string, bool) {
		return "g." + quoteIdent(col), !lo.Contains(exclude, col)
	})
	selects = append(selects, "ca.cauthcd", "ca.cauthnm")
	return fmt.Sprintf(`CREATE VIEW ca_la_ghg_emissions_sub_sector_ods_vw AS
SELECT %s
FROM ghg_emissions g
INNER JOIN ca_la_lookup ca ON g.local_authority_code = ca.ladcd`,
		strings.Join(selects, ",\n       ")), nil
}
