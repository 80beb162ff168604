package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/psi/internal/domain/discharge"
	"github.com/ehr/psi/internal/domain/evaluation"
	"github.com/ehr/psi/internal/platform/spreadsheet"
)

// Request is one uploaded batch.
type Request struct {
	SourceName string
	Rows       []discharge.RawRow
	// Indicators restricts the run; empty means every indicator.
	Indicators []string
}

type Service struct {
	runs   Repository
	engine *evaluation.Engine
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(runs Repository, engine *evaluation.Engine, log zerolog.Logger) *Service {
	return &Service{runs: runs, engine: engine, log: log, now: time.Now}
}

func (s *Service) Engine() *evaluation.Engine { return s.engine }

// Execute evaluates req and persists the run. A cancelled or timed-out run is
// stored as cancelled with its partial reports and returned together with the
// context error. An evaluation failure is stored as failed.
func (s *Service) Execute(ctx context.Context, req Request) (*Run, error) {
	inds, err := s.engine.Catalog().Select(req.Indicators)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(inds))
	for i, ind := range inds {
		ids[i] = ind.ID
	}

	r := &Run{
		SourceName:       req.SourceName,
		Indicators:       ids,
		IndicatorVersion: s.engine.Catalog().Version(),
		CodeSetVersion:   s.engine.Registry().Version(),
		Status:           StatusRunning,
		RowsRead:         len(req.Rows),
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log := s.log.With().Str("run_id", r.ID.String()).Logger()

	out, runErr := s.engine.Run(ctx, req.Rows, inds)
	r.apply(out)
	switch {
	case runErr == nil:
		r.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		r.Status = StatusCancelled
		r.Error = runErr.Error()
	default:
		r.Status = StatusFailed
		r.Error = runErr.Error()
	}
	done := s.now()
	r.CompletedAt = &done

	var results []evaluation.Result
	if out != nil {
		results = out.Results
	}
	// The request context may already be cancelled; the final state is
	// stored regardless.
	if err := s.runs.Finish(context.WithoutCancel(ctx), r, results); err != nil {
		log.Error().Err(err).Msg("failed to store run")
		if runErr == nil {
			return nil, fmt.Errorf("store run: %w", err)
		}
	}
	log.Info().Str("status", string(r.Status)).Int("rows", r.RowsRead).
		Int("rejected", r.RejectedCount).Msg("run finished")
	return r, runErr
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.runs.List(ctx, limit, offset)
}

// Export writes the stored run as an xlsx workbook.
func (s *Service) Export(ctx context.Context, id uuid.UUID, w io.Writer) error {
	r, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	results, err := s.runs.Results(ctx, id)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	return spreadsheet.WriteResults(w, r.Outcome(results))
}
