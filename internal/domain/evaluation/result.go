package evaluation

import (
	"errors"
	"fmt"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/indicator"
)

// Status labels a result the way the exported worksheets do.
type Status string

const (
	StatusInclusion   Status = "Inclusion"
	StatusDenominator Status = "Denominator"
	StatusExclusion   Status = "Exclusion"
	StatusNotEligible Status = "Not Eligible"
)

// Result is the immutable outcome of one record against one indicator.
// Excluded implies Eligible; Numerator implies Eligible and not Excluded.
type Result struct {
	RecordID        string        `json:"record_id"`
	Row             int           `json:"row"`
	IndicatorID     string        `json:"indicator_id"`
	Eligible        bool          `json:"eligible"`
	EligibilityRule string        `json:"eligibility_rule,omitempty"`
	Excluded        bool          `json:"excluded"`
	ExclusionRule   string        `json:"exclusion_rule,omitempty"`
	Numerator       bool          `json:"numerator"`
	NumeratorRule   string        `json:"numerator_rule,omitempty"`
	Category        string        `json:"category,omitempty"`
	Key             aggregate.Key `json:"key"`
}

func newResult(id string, row int, ind *indicator.Indicator, d indicator.Decision, key aggregate.Key) Result {
	return Result{
		RecordID:        id,
		Row:             row,
		IndicatorID:     ind.ID,
		Eligible:        d.Eligible,
		EligibilityRule: d.EligibilityRule,
		Excluded:        d.Excluded,
		ExclusionRule:   d.ExclusionRule,
		Numerator:       d.Numerator,
		NumeratorRule:   d.NumeratorRule,
		Category:        d.Category,
		Key:             key,
	}
}

func (r Result) Status() Status {
	switch {
	case !r.Eligible:
		return StatusNotEligible
	case r.Excluded:
		return StatusExclusion
	case r.Numerator:
		return StatusInclusion
	default:
		return StatusDenominator
	}
}

// Rule returns the rule that decided the status.
func (r Result) Rule() string {
	switch r.Status() {
	case StatusExclusion:
		return r.ExclusionRule
	case StatusInclusion:
		return r.NumeratorRule
	default:
		return r.EligibilityRule
	}
}

func (r Result) observation() aggregate.Observation {
	return aggregate.Observation{Key: r.Key, Eligible: r.Eligible, Excluded: r.Excluded, Numerator: r.Numerator}
}

// Rejection records a row that failed normalization.
type Rejection struct {
	Row      int    `json:"row"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// ErrEvaluation marks an internal inconsistency while evaluating rules.
var ErrEvaluation = errors.New("evaluation failed")

// EvaluationError wraps a panic recovered during rule evaluation.
type EvaluationError struct {
	RecordID    string
	IndicatorID string
	Cause       any
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s for record %s: %v", e.IndicatorID, e.RecordID, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return ErrEvaluation }
