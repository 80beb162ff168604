package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/evaluation"
	"github.com/ehr/psi/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &runRepoPG{pool: pool}
}

func (r *runRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, source_name, indicators, indicator_version, codeset_version,
	status, error, rows_read, rejected_count, reports, rejected, unevaluated,
	created_at, completed_at`

func (r *runRepoPG) scanRow(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.SourceName, &run.Indicators, &run.IndicatorVersion, &run.CodeSetVersion,
		&run.Status, &run.Error, &run.RowsRead, &run.RejectedCount, &run.Reports, &run.Rejected, &run.Unevaluated,
		&run.CreatedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO psi_runs (id, source_name, indicators, indicator_version, codeset_version,
			status, rows_read)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		run.ID, run.SourceName, run.Indicators, run.IndicatorVersion, run.CodeSetVersion,
		run.Status, run.RowsRead).Scan(&run.CreatedAt)
}

var resultCols = []string{
	"run_id", "row_number", "indicator_id", "record_id",
	"eligible", "eligibility_rule", "excluded", "exclusion_rule", "numerator", "numerator_rule",
	"category", "facility", "age_band", "sex", "stratum_category",
}

// resultValues is one psi_run_results row in resultCols order.
func resultValues(runID uuid.UUID, res evaluation.Result) []any {
	return []any{runID, res.Row, res.IndicatorID, res.RecordID,
		res.Eligible, res.EligibilityRule, res.Excluded, res.ExclusionRule, res.Numerator, res.NumeratorRule,
		res.Category, res.Key.Facility, res.Key.AgeBand, res.Key.Sex, res.Key.Category}
}

// scanResult reads the columns of resultCols after run_id.
func scanResult(row pgx.Row) (evaluation.Result, error) {
	var res evaluation.Result
	var key aggregate.Key
	err := row.Scan(&res.Row, &res.IndicatorID, &res.RecordID,
		&res.Eligible, &res.EligibilityRule, &res.Excluded, &res.ExclusionRule, &res.Numerator, &res.NumeratorRule,
		&res.Category, &key.Facility, &key.AgeBand, &key.Sex, &key.Category)
	res.Key = key
	return res, err
}

func (r *runRepoPG) Finish(ctx context.Context, run *Run, results []evaluation.Result) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE psi_runs SET status=$2, error=$3, rows_read=$4, rejected_count=$5,
				reports=$6, rejected=$7, unevaluated=$8, completed_at=$9
			WHERE id = $1`,
			run.ID, run.Status, run.Error, run.RowsRead, run.RejectedCount,
			nonNil(run.Reports), nonNil(run.Rejected), nonNil(run.Unevaluated), run.CompletedAt)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if len(results) == 0 {
			return nil
		}
		_, err = r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"psi_run_results"}, resultCols,
			pgx.CopyFromSlice(len(results), func(i int) ([]any, error) {
				return resultValues(run.ID, results[i]), nil
			}))
		if err != nil {
			return fmt.Errorf("copy results: %w", err)
		}
		return nil
	})
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM psi_runs WHERE id = $1`, id))
}

func (r *runRepoPG) Results(ctx context.Context, id uuid.UUID) ([]evaluation.Result, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT row_number, indicator_id, record_id,
			eligible, eligibility_rule, excluded, exclusion_rule, numerator, numerator_rule,
			category, facility, age_band, sex, stratum_category
		FROM psi_run_results WHERE run_id = $1
		ORDER BY row_number, indicator_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []evaluation.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *runRepoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM psi_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM psi_runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}

// nonNil keeps JSONB columns as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
