package evaluation

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
	"github.com/ehr/psi/internal/domain/indicator"
)

// Options configure an Engine. Zero values pick the defaults.
type Options struct {
	Workers         int
	Strata          aggregate.Stratification
	Columns         *discharge.Columns
	DefaultFacility string
}

// Engine evaluates batches of discharge rows against compiled indicators.
// It holds only immutable state and may run batches concurrently.
type Engine struct {
	registry   *codeset.Registry
	catalog    *indicator.Catalog
	normalizer *discharge.Normalizer
	strata     aggregate.Stratification
	workers    int
	log        zerolog.Logger

	// decide is swapped in tests to exercise panic recovery.
	decide func(*indicator.Indicator, *discharge.Record) indicator.Decision
}

func NewEngine(reg *codeset.Registry, catalog *indicator.Catalog, opts Options, log zerolog.Logger) *Engine {
	cols := discharge.DefaultColumns()
	if opts.Columns != nil {
		cols = *opts.Columns
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		registry:   reg,
		catalog:    catalog,
		normalizer: discharge.NewNormalizer(cols, opts.DefaultFacility),
		strata:     opts.Strata,
		workers:    workers,
		log:        log,
		decide:     (*indicator.Indicator).Evaluate,
	}
}

func (e *Engine) Catalog() *indicator.Catalog  { return e.catalog }
func (e *Engine) Registry() *codeset.Registry { return e.registry }

// Outcome is everything a batch produced. Results are in input order,
// indicator by indicator within a record.
type Outcome struct {
	Reports     []aggregate.Report `json:"reports"`
	Results     []Result           `json:"results"`
	Rejected    []Rejection        `json:"rejected"`
	Unevaluated []string           `json:"unevaluated,omitempty"`
}

// Normalize turns rows into records, collecting per-row rejections.
func (e *Engine) Normalize(rows []discharge.RawRow) ([]*discharge.Record, []Rejection) {
	records := make([]*discharge.Record, 0, len(rows))
	var rejected []Rejection
	for _, row := range rows {
		rec, err := e.normalizer.Normalize(row)
		if err != nil {
			rej := Rejection{Row: row.Line, Reason: "invalid record", Message: err.Error()}
			var ie *discharge.InvalidRecordError
			if errors.As(err, &ie) {
				rej.RecordID = ie.RecordID
				rej.Reason = string(ie.Reason)
				rej.Message = ie.Message()
			}
			e.log.Warn().Int("row", rej.Row).Str("record_id", rej.RecordID).
				Str("reason", rej.Reason).Msg(rej.Message)
			rejected = append(rejected, rej)
			continue
		}
		records = append(records, rec)
	}
	return records, rejected
}

// Run evaluates rows against inds, or against every catalog indicator when
// inds is empty. On cancellation it returns the partial outcome together
// with the context error; Unevaluated lists the records never reached.
func (e *Engine) Run(ctx context.Context, rows []discharge.RawRow, inds []*indicator.Indicator) (*Outcome, error) {
	if len(inds) == 0 {
		inds = e.catalog.All()
	}
	start := time.Now()
	e.log.Info().Int("rows", len(rows)).Int("workers", e.workers).
		Int("indicators", len(inds)).Msg("batch started")

	records, rejected := e.Normalize(rows)
	out, err := e.evaluate(ctx, records, inds)
	if out == nil {
		return nil, err
	}
	out.Rejected = rejected
	for i := range out.Reports {
		out.Reports[i].Rejected = int64(len(rejected))
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn().Int("unevaluated", len(out.Unevaluated)).Err(err).Msg("batch cancelled")
		}
		return out, err
	}
	e.log.Info().Int("records", len(records)).Int("rejected", len(rejected)).
		Dur("elapsed", time.Since(start)).Msg("batch finished")
	return out, nil
}

// evaluate fans records out over the worker group. Each worker owns one
// partial aggregator per indicator; partials are merged after Wait.
func (e *Engine) evaluate(ctx context.Context, records []*discharge.Record, inds []*indicator.Indicator) (*Outcome, error) {
	n := len(records)
	results := make([]Result, n*len(inds))
	done := make([]bool, n)

	workers := e.workers
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	partials := make([][]*aggregate.Aggregator, workers)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		aggs := make([]*aggregate.Aggregator, len(inds))
		for j, ind := range inds {
			aggs[j] = aggregate.New(ind.ID)
		}
		partials[w] = aggs
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec := records[i]
				for j, ind := range inds {
					res, err := e.evaluateOne(rec, ind)
					if err != nil {
						return err
					}
					results[i*len(inds)+j] = res
					aggs[j].Add(res.observation())
				}
				done[i] = true
			}
			return nil
		})
	}
	err := g.Wait()

	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		e.log.Error().Str("record_id", evalErr.RecordID).Str("indicator", evalErr.IndicatorID).
			Interface("cause", evalErr.Cause).Msg("rule evaluation failed")
		return nil, err
	}

	out := &Outcome{Results: make([]Result, 0, len(results))}
	for i, rec := range records {
		if !done[i] {
			out.Unevaluated = append(out.Unevaluated, rec.ID)
			continue
		}
		out.Results = append(out.Results, results[i*len(inds):(i+1)*len(inds)]...)
	}
	for j, ind := range inds {
		merged := aggregate.New(ind.ID)
		for _, aggs := range partials {
			merged.Merge(aggs[j])
		}
		rep := merged.Report()
		rep.IndicatorVersion = ind.Version
		rep.CodeSetVersion = e.registry.Version()
		rep.Unevaluated = out.Unevaluated
		out.Reports = append(out.Reports, rep)
	}
	return out, err
}

func (e *Engine) evaluateOne(rec *discharge.Record, ind *indicator.Indicator) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluationError{RecordID: rec.ID, IndicatorID: ind.ID, Cause: r}
		}
	}()
	d := e.decide(ind, rec)
	return newResult(rec.ID, rec.Row, ind, d, e.strata.KeyFor(rec, d.Category)), nil
}

// Trace is the rule-by-rule account of one record against one indicator.
type Trace struct {
	RecordID    string           `json:"record_id"`
	IndicatorID string           `json:"indicator_id"`
	Result      Result           `json:"result"`
	Status      Status           `json:"status"`
	Steps       []indicator.Step `json:"steps"`
}

func (e *Engine) Trace(rec *discharge.Record, ind *indicator.Indicator) Trace {
	d, steps := ind.Trace(rec)
	res := newResult(rec.ID, rec.Row, ind, d, e.strata.KeyFor(rec, d.Category))
	return Trace{RecordID: rec.ID, IndicatorID: ind.ID, Result: res, Status: res.Status(), Steps: steps}
}
