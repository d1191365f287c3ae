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

var _ analysis.ScanTaskRepository = (*scanTaskStore)(nil)

// errTaskVersionConflict marks a lost optimistic-concurrency race on the task
// row; the result update reloads and retries.
var errTaskVersionConflict = errors.New("scan task version conflict")

// scanTaskStore implements analysis.ScanTaskRepository using Postgres + sqlc
// queries. Counter arithmetic happens in SQL; the overview merge happens in Go
// under an optimistic version check with retry, since concurrent subtask
// finishes race on the same task row.
type scanTaskStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewScanTaskStore creates a ScanTaskRepository backed by PostgreSQL.
func NewScanTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanTaskStore {
	return &scanTaskStore{
		q:      db.New(pool),
		tracer: tracer,
	}
}

// Create persists a new scan task.
func (s *scanTaskStore) Create(ctx context.Context, task *analysis.ScanTask) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("project_id", task.ProjectID()),
		attribute.String("status", task.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_task", dbAttrs, func(ctx context.Context) error {
		params := db.CreateScanTaskParams{
			ID:          pgUUID(task.ID()),
			PlanID:      pgUUIDPtr(task.PlanID()),
			ProjectID:   task.ProjectID(),
			Scanner:     task.Scanner(),
			TriggerType: task.TriggerType(),
			QualityRule: marshalQualityRule(task.QualityRule()),
			Metadata:    marshalMetadata(task.Metadata()),
			Status:      db.ScanTaskStatus(task.Status()),
			CreatedAt:   pgTime(task.CreatedAt()),
		}

		if err := s.q.CreateScanTask(ctx, params); err != nil {
			return fmt.Errorf("CreateScanTask insert error: %w", err)
		}
		return nil
	})
}

// Get retrieves a scan task by ID.
func (s *scanTaskStore) Get(ctx context.Context, id uuid.UUID) (*analysis.ScanTask, error) {
	task, _, err := s.getWithVersion(ctx, id)
	return task, err
}

func (s *scanTaskStore) getWithVersion(ctx context.Context, id uuid.UUID) (*analysis.ScanTask, int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
	)

	var (
		task    *analysis.ScanTask
		version int64
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_task", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetScanTask(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrTaskNotFound
			}
			return fmt.Errorf("GetScanTask query error: %w", err)
		}

		version = row.Version
		task = analysis.ReconstructScanTask(
			uuid.UUID(row.ID.Bytes),
			uuidPtr(row.PlanID),
			row.ProjectID,
			row.Scanner,
			row.TriggerType,
			unmarshalQualityRule(row.QualityRule),
			unmarshalMetadata(row.Metadata),
			analysis.ScanTaskStatus(row.Status),
			row.Total,
			row.Scanning,
			row.Scanned,
			row.Failed,
			row.Passed,
			unmarshalOverview(row.ResultOverview),
			row.CreatedAt.Time,
			row.FinishedAt.Time,
		)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return task, version, nil
}

// UpdateStatus moves the task between lifecycle statuses conditionally.
func (s *scanTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to analysis.ScanTaskStatus) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.String("from_status", from.String()),
		attribute.String("to_status", to.String()),
	)

	var changed bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_task_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.UpdateScanTaskStatus(ctx, db.UpdateScanTaskStatusParams{
			ID:         pgUUID(id),
			FromStatus: db.ScanTaskStatus(from),
			ToStatus:   db.ScanTaskStatus(to),
		})
		if err != nil {
			return fmt.Errorf("UpdateScanTaskStatus error: %w", err)
		}
		changed = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// IncrementScanning adds delta to the total and scanning counters while
// submission creates subtasks.
func (s *scanTaskStore) IncrementScanning(ctx context.Context, id uuid.UUID, delta int64) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.Int64("delta", delta),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.increment_scan_task_scanning", dbAttrs, func(ctx context.Context) error {
		err := s.q.IncrementScanTaskScanning(ctx, db.IncrementScanTaskScanningParams{
			ID:    pgUUID(id),
			Delta: delta,
		})
		if err != nil {
			return fmt.Errorf("IncrementScanTaskScanning error: %w", err)
		}
		return nil
	})
}

// UpdateScanResult folds a subtask outcome into the task counters and merged
// overview. Reused results increment the total instead of draining the
// scanning counter since they never occupied a slot.
func (s *scanTaskStore) UpdateScanResult(ctx context.Context, id uuid.UUID, update analysis.ScanResultUpdate) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.Int64("count", update.Count),
		attribute.Bool("success", update.Success),
		attribute.Bool("reuse_result", update.ReuseResult),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_task_result", dbAttrs, func(ctx context.Context) error {
		attempt := func() error {
			task, version, err := s.getWithVersion(ctx, id)
			if err != nil {
				return backoff.Permanent(err)
			}

			params := db.UpdateScanTaskResultParams{
				ID:             pgUUID(id),
				Version:        version,
				ResultOverview: marshalOverview(task.ResultOverview().Merge(update.Overview)),
			}
			if update.ReuseResult {
				params.TotalDelta = update.Count
			} else {
				params.ScanningDelta = -update.Count
			}
			if update.Success {
				params.ScannedDelta = update.Count
			} else {
				params.FailedDelta = update.Count
			}
			params.PassedDelta = update.PassCount

			rows, err := s.q.UpdateScanTaskResult(ctx, params)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("UpdateScanTaskResult error: %w", err))
			}
			if rows == 0 {
				return errTaskVersionConflict
			}
			return nil
		}

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 10 * time.Millisecond
		expBackoff.MaxElapsedTime = 5 * time.Second

		if err := backoff.Retry(attempt, backoff.WithContext(expBackoff, ctx)); err != nil {
			return fmt.Errorf("update scan task result for %s: %w", id, err)
		}
		return nil
	})
}
