package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// RatePrecision is the number of decimal places a rate is rounded to.
const RatePrecision = 16

// Observation is one evaluated record as seen by the aggregator.
type Observation struct {
	Key       Key
	Eligible  bool
	Excluded  bool
	Numerator bool
}

// Counts are monotone tallies for one stratum.
type Counts struct {
	Denominator int64 `json:"denominator"`
	Numerator   int64 `json:"numerator"`
	Excluded    int64 `json:"excluded"`
}

func (c *Counts) add(o Counts) {
	c.Denominator += o.Denominator
	c.Numerator += o.Numerator
	c.Excluded += o.Excluded
}

// Rate is numerator/denominator, or nil when the denominator is zero.
func (c Counts) Rate() *decimal.Decimal {
	if c.Denominator == 0 {
		return nil
	}
	r := decimal.NewFromInt(c.Numerator).DivRound(decimal.NewFromInt(c.Denominator), RatePrecision)
	return &r
}

// Aggregator accumulates observations for one indicator. It is not safe for
// concurrent use; parallel callers keep one per worker and Merge them.
type Aggregator struct {
	indicatorID string
	strata      map[Key]*Counts
	evaluated   int64
	ineligible  int64
}

func New(indicatorID string) *Aggregator {
	return &Aggregator{indicatorID: indicatorID, strata: map[Key]*Counts{}}
}

func (a *Aggregator) IndicatorID() string { return a.indicatorID }

// Add records one observation. Ineligible records only move the evaluated
// and ineligible tallies.
func (a *Aggregator) Add(o Observation) {
	a.evaluated++
	if !o.Eligible {
		a.ineligible++
		return
	}
	c := a.stratum(o.Key)
	switch {
	case o.Excluded:
		c.Excluded++
	case o.Numerator:
		c.Denominator++
		c.Numerator++
	default:
		c.Denominator++
	}
}

func (a *Aggregator) stratum(k Key) *Counts {
	c, ok := a.strata[k]
	if !ok {
		c = &Counts{}
		a.strata[k] = c
	}
	return c
}

// Merge folds other into a. other is left unchanged.
func (a *Aggregator) Merge(other *Aggregator) {
	a.evaluated += other.evaluated
	a.ineligible += other.ineligible
	for k, c := range other.strata {
		a.stratum(k).add(*c)
	}
}

// Stratum is one row of a report.
type Stratum struct {
	Key Key `json:"key"`
	Counts
	Rate *decimal.Decimal `json:"rate"`
}

// Report is the read-only summary of an indicator over a batch.
type Report struct {
	IndicatorID      string    `json:"indicator_id"`
	IndicatorVersion string    `json:"indicator_version,omitempty"`
	CodeSetVersion   string    `json:"code_set_version,omitempty"`
	Strata           []Stratum `json:"strata"`
	Totals           Stratum   `json:"totals"`
	Evaluated        int64     `json:"evaluated"`
	Ineligible       int64     `json:"ineligible"`
	Rejected         int64     `json:"rejected"`
	Unevaluated      []string  `json:"unevaluated,omitempty"`
}

// Report computes rates and returns strata in key order.
func (a *Aggregator) Report() Report {
	r := Report{
		IndicatorID: a.indicatorID,
		Strata:      make([]Stratum, 0, len(a.strata)),
		Evaluated:   a.evaluated,
		Ineligible:  a.ineligible,
	}
	var total Counts
	for k, c := range a.strata {
		r.Strata = append(r.Strata, Stratum{Key: k, Counts: *c, Rate: c.Rate()})
		total.add(*c)
	}
	sort.Slice(r.Strata, func(i, j int) bool { return r.Strata[i].Key.less(r.Strata[j].Key) })
	r.Totals = Stratum{Counts: total, Rate: total.Rate()}
	return r
}
