package run

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/evaluation"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("run not found")

// Run maps to the psi_runs table: one uploaded batch evaluated against a set
// of indicators. Per-record results live in psi_run_results.
type Run struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	SourceName       string                 `db:"source_name" json:"source_name"`
	Indicators       []string               `db:"indicators" json:"indicators"`
	IndicatorVersion string                 `db:"indicator_version" json:"indicator_version"`
	CodeSetVersion   string                 `db:"codeset_version" json:"codeset_version"`
	Status           Status                 `db:"status" json:"status"`
	Error            string                 `db:"error" json:"error,omitempty"`
	RowsRead         int                    `db:"rows_read" json:"rows_read"`
	RejectedCount    int                    `db:"rejected_count" json:"rejected_count"`
	Reports          []aggregate.Report     `db:"reports" json:"reports"`
	Rejected         []evaluation.Rejection `db:"rejected" json:"rejected"`
	Unevaluated      []string               `db:"unevaluated" json:"unevaluated,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
	CompletedAt      *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
}

// apply copies an engine outcome onto the run.
func (r *Run) apply(out *evaluation.Outcome) {
	if out == nil {
		return
	}
	r.Reports = out.Reports
	r.Rejected = out.Rejected
	r.RejectedCount = len(out.Rejected)
	r.Unevaluated = out.Unevaluated
}

// Outcome rebuilds the engine outcome from a stored run and its results.
func (r *Run) Outcome(results []evaluation.Result) *evaluation.Outcome {
	return &evaluation.Outcome{
		Reports:     r.Reports,
		Results:     results,
		Rejected:    r.Rejected,
		Unevaluated: r.Unevaluated,
	}
}
