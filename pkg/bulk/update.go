package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/weca-analytics/ca-epc-db/pkg/db"
	"github.com/weca-analytics/ca-epc-db/pkg/extract"
	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
	"github.com/weca-analytics/ca-epc-db/pkg/load"
)

// UpdateOptions pins the update window. Zero from fields derive the start
// from the stored certificates; zero to fields mean the previous month,
// the latest the register publishes complete data for.
type UpdateOptions struct {
	FromYear  int
	FromMonth int
	ToYear    int
	ToMonth   int
}

// Updater pulls the certificates lodged since the stored data ends, one
// local authority at a time, and upserts them into the raw table.
type Updater struct {
	db     db.DB
	client *fetch.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewUpdater(dbc db.DB, client *fetch.Client) Updater {
	return Updater{
		db:     dbc,
		client: client,
		clock:  clock.RealClock{},
		logger: slog.Default().With(slog.String("component", "update")),
	}
}

// Update walks base once per local authority in the lookup, constrained
// to the update window, and streams the results through the loader. base
// is the API search resource for the certificate type.
func (u *Updater) Update(ctx context.Context, base extract.Resource, certType CertType, loader *load.Loader, opts UpdateOptions) (map[string]int, error) {
	las, err := u.laCodes()
	if err != nil {
		return nil, err
	}

	fromYear, fromMonth := opts.FromYear, opts.FromMonth
	if fromYear == 0 || fromMonth == 0 {
		fromYear, fromMonth, err = u.fromDate(certType)
		if err != nil {
			return nil, err
		}
	}
	toYear, toMonth := opts.ToYear, opts.ToMonth
	if toYear == 0 || toMonth == 0 {
		toYear, toMonth = previousMonth(u.clock.Now().UTC())
	}
	u.logger.Info("Updating certificates",
		slog.String("resource", base.Name),
		slog.Int("authorities", len(las)),
		slog.String("from", fmt.Sprintf("%d-%02d", fromYear, fromMonth)),
		slog.String("to", fmt.Sprintf("%d-%02d", toYear, toMonth)))

	resources := make([]extract.Resource, 0, len(las))
	for _, la := range las {
		resources = append(resources, base.
			WithName(base.Name+"-"+la).
			WithParam("local-authority", la).
			WithParam("from-year", strconv.Itoa(fromYear)).
			WithParam("from-month", strconv.Itoa(fromMonth)).
			WithParam("to-year", strconv.Itoa(toYear)).
			WithParam("to-month", strconv.Itoa(toMonth)))
	}
	o, err := extract.NewOrchestrator(u.client, resources)
	if err != nil {
		return nil, err
	}

	recordCh := make(chan extract.Record, 1000)
	loadCh := make(chan extract.Record, 1000)

	var counts map[string]int
	var loadErr error
	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		counts, loadErr = loader.Load(ctx, loadCh)
	}()

	// The per-LA walks all land in one table, so records are re-stamped
	// with the base resource name on the way through. If the loader stops
	// early the remaining records are drained so the run can finish.
	go func() {
		defer close(loadCh)
		for rec := range recordCh {
			rec.Resource = base.Name
			select {
			case <-loadDone:
			case loadCh <- rec:
			}
		}
	}()

	report, runErr := o.Run(ctx, extract.RunOptions{}, recordCh)
	close(recordCh)
	<-loadDone

	if runErr != nil {
		return counts, runErr
	}
	if loadErr != nil {
		return counts, loadErr
	}
	if failed := report.Failed(); len(failed) > 0 {
		names := lo.Map(failed, func(o extract.Outcome, _ int) string {
			return o.Resource
		})
		return counts, xerrors.Errorf("update failed for %s", strings.Join(names, ", "))
	}
	return counts, nil
}

func (u *Updater) laCodes() ([]string, error) {
	exists, err := u.db.TableExists("ca_la_lookup")
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, xerrors.New("combined authority lookup not built, run a build first")
	}
	rows, err := u.db.SelectRows(`SELECT ladcd FROM ca_la_lookup ORDER BY ladcd`)
	if err != nil {
		return nil, err
	}
	codes := lo.FilterMap(rows, func(row map[string]any, _ int) (string, bool) {
		code, ok := row["ladcd"].(string)
		return code, ok
	})
	if len(codes) == 0 {
		return nil, xerrors.New("combined authority lookup is empty")
	}
	return codes, nil
}

// fromDate is the month after the latest stored lodgement.
func (u *Updater) fromDate(certType CertType) (int, int, error) {
	table := load.TableName(certType.Resource())
	exists, err := u.db.TableExists(table)
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, xerrors.Errorf("no stored %s certificates to date the update from, run a bulk download first", certType)
	}
	rows, err := u.db.SelectRows("SELECT MAX(LODGEMENT_DATE) AS max_date FROM " + table)
	if err != nil {
		return 0, 0, err
	}
	maxDate, _ := rows[0]["max_date"].(string)
	if maxDate == "" {
		return 0, 0, xerrors.Errorf("no stored %s certificates to date the update from", certType)
	}
	if len(maxDate) > 10 {
		maxDate = maxDate[:10]
	}
	t, err := time.Parse("2006-01-02", maxDate)
	if err != nil {
		return 0, 0, xerrors.Errorf("bad lodgement date %q: %w", maxDate, err)
	}
	year, month := t.Year(), int(t.Month())+1
	if month > 12 {
		month = 1
		year++
	}
	return year, month, nil
}

func previousMonth(now time.Time) (int, int) {
	last := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return last.Year(), int(last.Month())
}
