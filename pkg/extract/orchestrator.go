package extract

import (
	"context"
	"iter"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
	"github.com/weca-analytics/ca-epc-db/pkg/paginate"
)

const defaultConcurrency = 4

// Orchestrator owns the configured resources and drives each one's
// cursor to completion. Distinct resources may be walked concurrently;
// pages of a single resource are always requested strictly in order.
type Orchestrator struct {
	client    *fetch.Client
	resources map[string]Resource
	clock     clock.Clock
	logger    *slog.Logger
}

func NewOrchestrator(client *fetch.Client, resources []Resource) (*Orchestrator, error) {
	m := make(map[string]Resource, len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return nil, xerrors.Errorf("invalid resource: %w", err)
		}
		if _, ok := m[res.Name]; ok {
			return nil, xerrors.Errorf("duplicate resource %q", res.Name)
		}
		m[res.Name] = res
	}
	return &Orchestrator{
		client:    client,
		resources: m,
		clock:     clock.RealClock{},
		logger:    slog.Default().With(slog.String("component", "extract")),
	}, nil
}

// Names returns the configured resource names in stable order.
func (o *Orchestrator) Names() []string {
	names := lo.Keys(o.resources)
	sort.Strings(names)
	return names
}

// Resource looks up one resource descriptor by name.
func (o *Orchestrator) Resource(name string) (Resource, bool) {
	res, ok := o.resources[name]
	return res, ok
}

type ExtractOptions struct {
	// RowLimit caps the records yielded for the resource. The walk stops
	// once the cap is reached and counts as exhausted, not failed.
	RowLimit int
	// InitialCursor resumes a header-cursor walk from a saved
	// checkpoint instead of the beginning.
	InitialCursor string
}

// Extract walks one resource and yields its records lazily, in page
// order, until exhaustion or a terminal error. Every call starts a fresh
// cursor. The sequence is single-pass; a partially consumed sequence
// cannot be re-iterated, only replaced by a new Extract call.
func (o *Orchestrator) Extract(ctx context.Context, name string, opts ExtractOptions) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		res, ok := o.resources[name]
		if !ok {
			yield(Record{}, xerrors.Errorf("unknown resource %q", name))
			return
		}

		stopped := false
		result := o.walk(ctx, res, opts, func(rec Record) bool {
			if !yield(rec, nil) {
				stopped = true
				return false
			}
			return true
		})
		if result.err != nil && !stopped {
			yield(Record{}, result.err)
		}
	}
}

// walkResult carries what one finished walk knows about itself.
type walkResult struct {
	cursor    *paginate.Cursor
	truncated bool
	err       error
}

// walk drives one resource's cursor to a terminal state, handing each
// record to emit. emit returning false abandons the walk (the consumer
// is gone); the cursor is left non-terminal in that case.
func (o *Orchestrator) walk(ctx context.Context, res Resource, opts ExtractOptions, emit func(Record) bool) walkResult {
	cur := paginate.New()
	if opts.InitialCursor != "" {
		cur = paginate.Resume(opts.InitialCursor)
	}
	logger := o.logger.With(slog.String("resource", res.Name))

	for {
		params := make(url.Values, len(res.Params)+2)
		for k, vs := range res.Params {
			params[k] = vs
		}
		if res.Strategy != nil {
			res.Strategy.Prepare(cur, params)
		}
		cur.Begin()

		page, err := o.client.Get(ctx, res.URL, params, res.Header)
		if err != nil {
			cur.Fail()
			return walkResult{cursor: cur, err: xerrors.Errorf("fetch page %d of %s: %w", cur.Pages+1, res.Name, err)}
		}

		records, err := assemblePage(res, page, cur.Pages)
		if err != nil {
			cur.Fail()
			return walkResult{cursor: cur, err: xerrors.Errorf("resource %s: %w", res.Name, err)}
		}

		count := len(records)
		emitCount := count
		truncated := false
		if opts.RowLimit > 0 && cur.Records+count > opts.RowLimit {
			emitCount = opts.RowLimit - cur.Records
			truncated = true
		}
		for _, rec := range records[:emitCount] {
			if !emit(rec) {
				return walkResult{cursor: cur}
			}
		}

		if truncated {
			cur.Pages++
			cur.Records += emitCount
			cur.Finish()
			logger.Info("Row limit reached", slog.Int("records", cur.Records))
			return walkResult{cursor: cur, truncated: true}
		}

		if res.Strategy == nil {
			cur.Pages++
			cur.Records += count
			cur.Finish()
			return walkResult{cursor: cur}
		}

		more, err := res.Strategy.Advance(cur, page, count)
		if err != nil {
			cur.Fail()
			return walkResult{cursor: cur, err: xerrors.Errorf("advance %s: %w", res.Name, err)}
		}
		logger.Debug("Fetched page", slog.Int("page", cur.Pages), slog.Int("records", cur.Records))

		if opts.RowLimit > 0 && cur.Records >= opts.RowLimit {
			if more {
				cur.Finish()
				logger.Info("Row limit reached", slog.Int("records", cur.Records))
				return walkResult{cursor: cur, truncated: true}
			}
			return walkResult{cursor: cur}
		}
		if !more {
			return walkResult{cursor: cur}
		}
	}
}

type RunOptions struct {
	// Resources selects which resources to extract; empty means all.
	Resources []string
	// RowLimit caps every resource's records, for sampling runs.
	RowLimit int
	// Concurrency bounds how many resources are walked at once.
	Concurrency int
}

// Outcome is one resource's final account of a run.
type Outcome struct {
	Resource  string
	State     paginate.State
	Pages     int
	Records   int
	Truncated bool
	Err       error
}

// Report is the aggregate account of one run. A run never reports
// silent partial success: every selected resource appears exactly once,
// with its terminal state and record count.
type Report struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

// Succeeded returns the resources that ran to genuine end-of-data.
func (r *Report) Succeeded() []Outcome {
	return lo.Filter(r.Outcomes, func(o Outcome, _ int) bool {
		return o.Err == nil && !o.Truncated
	})
}

// Partial returns the resources cut short by a row limit.
func (r *Report) Partial() []Outcome {
	return lo.Filter(r.Outcomes, func(o Outcome, _ int) bool {
		return o.Err == nil && o.Truncated
	})
}

// Failed returns the resources that ended in an error, each with the
// count of records already delivered before the failure.
func (r *Report) Failed() []Outcome {
	return lo.Filter(r.Outcomes, func(o Outcome, _ int) bool {
		return o.Err != nil
	})
}

// Run extracts the selected resources concurrently, streaming all
// records to recordCh. One resource failing does not abort its
// siblings; failures are collected into the report instead. The
// returned error is reserved for the run being cancelled as a whole.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions, recordCh chan<- Record) (*Report, error) {
	names := opts.Resources
	if len(names) == 0 {
		names = o.Names()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	report := &Report{
		ID:        uuid.New().String(),
		StartedAt: o.clock.Now().UTC(),
		Outcomes:  make([]Outcome, len(names)),
	}
	o.logger.Info("Starting extraction run",
		slog.String("run_id", report.ID),
		slog.Int("resources", len(names)),
		slog.Int("concurrency", concurrency))

	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for i, name := range names {
		g.Go(func() error {
			report.Outcomes[i] = o.runResource(ctx, name, opts, recordCh)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = o.clock.Now().UTC()

	for _, outcome := range report.Failed() {
		o.logger.Error("Resource extraction failed",
			slog.String("resource", outcome.Resource),
			slog.Int("records_before_failure", outcome.Records),
			slog.Any("error", outcome.Err))
	}
	o.logger.Info("Extraction run finished",
		slog.String("run_id", report.ID),
		slog.Int("succeeded", len(report.Succeeded())),
		slog.Int("partial", len(report.Partial())),
		slog.Int("failed", len(report.Failed())))

	if err := ctx.Err(); err != nil {
		return report, xerrors.Errorf("extraction run cancelled: %w", err)
	}
	return report, nil
}

func (o *Orchestrator) runResource(ctx context.Context, name string, opts RunOptions, recordCh chan<- Record) Outcome {
	res, ok := o.resources[name]
	if !ok {
		return Outcome{Resource: name, State: paginate.Failed, Err: xerrors.Errorf("unknown resource %q", name)}
	}

	result := o.walk(ctx, res, ExtractOptions{RowLimit: opts.RowLimit}, func(rec Record) bool {
		select {
		case <-ctx.Done():
			return false
		case recordCh <- rec:
			return true
		}
	})

	outcome := Outcome{
		Resource:  name,
		State:     result.cursor.State(),
		Pages:     result.cursor.Pages,
		Records:   result.cursor.Records,
		Truncated: result.truncated,
		Err:       result.err,
	}
	if outcome.Err == nil && !result.cursor.Done() {
		// the consumer side went away mid-walk, which only happens on
		// cancellation here
		result.cursor.Fail()
		outcome.State = result.cursor.State()
		outcome.Err = xerrors.Errorf("extraction of %s interrupted: %w", name, ctx.Err())
	}
	return outcome
}
