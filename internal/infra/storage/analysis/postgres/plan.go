package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

var _ analysis.ScanPlanRepository = (*planStore)(nil)

var errPlanVersionConflict = errors.New("scan plan version conflict")

// planStore implements analysis.ScanPlanRepository using Postgres + sqlc
// queries. Overview merging uses the same optimistic version check as the
// task store.
type planStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewPlanStore creates a ScanPlanRepository backed by PostgreSQL.
func NewPlanStore(pool *pgxpool.Pool, tracer trace.Tracer) *planStore {
	return &planStore{
		q:      db.New(pool),
		tracer: tracer,
	}
}

// Get retrieves a scan plan by ID.
func (s *planStore) Get(ctx context.Context, id uuid.UUID) (*analysis.ScanPlan, error) {
	plan, _, err := s.getWithVersion(ctx, id)
	return plan, err
}

func (s *planStore) getWithVersion(ctx context.Context, id uuid.UUID) (*analysis.ScanPlan, int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("plan_id", id.String()),
	)

	var (
		plan    *analysis.ScanPlan
		version int64
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_plan", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetScanPlan(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrPlanNotFound
			}
			return fmt.Errorf("GetScanPlan query error: %w", err)
		}

		version = row.Version
		plan = &analysis.ScanPlan{
			ID:          uuid.UUID(row.ID.Bytes),
			ProjectID:   row.ProjectID,
			Name:        row.Name,
			Scanner:     row.Scanner,
			QualityRule: unmarshalQualityRule(row.QualityRule),
			Overview:    unmarshalOverview(row.Overview),
			CreatedAt:   row.CreatedAt.Time,
			UpdatedAt:   row.UpdatedAt.Time,
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return plan, version, nil
}

// MergeOverview folds overview counters into the plan's accumulated overview.
func (s *planStore) MergeOverview(ctx context.Context, id uuid.UUID, overview analysis.ResultOverview) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("plan_id", id.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.merge_scan_plan_overview", dbAttrs, func(ctx context.Context) error {
		attempt := func() error {
			plan, version, err := s.getWithVersion(ctx, id)
			if err != nil {
				return backoff.Permanent(err)
			}

			rows, err := s.q.UpdateScanPlanOverview(ctx, db.UpdateScanPlanOverviewParams{
				ID:       pgUUID(id),
				Version:  version,
				Overview: marshalOverview(plan.Overview.Merge(overview)),
			})
			if err != nil {
				return backoff.Permanent(fmt.Errorf("UpdateScanPlanOverview error: %w", err))
			}
			if rows == 0 {
				return errPlanVersionConflict
			}
			return nil
		}

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 10 * time.Millisecond
		expBackoff.MaxElapsedTime = 5 * time.Second

		if err := backoff.Retry(attempt, backoff.WithContext(expBackoff, ctx)); err != nil {
			return fmt.Errorf("merge scan plan overview for %s: %w", id, err)
		}
		return nil
	})
}
