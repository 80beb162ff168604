package run

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/psi/internal/domain/evaluation"
)

type Repository interface {
	Create(ctx context.Context, r *Run) error
	// Finish stores the final state of r together with its per-record
	// results, atomically.
	Finish(ctx context.Context, r *Run, results []evaluation.Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	Results(ctx context.Context, id uuid.UUID) ([]evaluation.Result, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}
