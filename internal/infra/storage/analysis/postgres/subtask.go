package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

// Ensure subtaskStore implements analysis.SubtaskRepository at compile time.
var _ analysis.SubtaskRepository = (*subtaskStore)(nil)

// subtaskStore implements analysis.SubtaskRepository using Postgres + sqlc
// queries. The live queue relies on conditional UPDATEs for its idempotence
// guarantees, so every status change reports whether a row actually moved.
type subtaskStore struct {
	q      *db.Queries
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewSubtaskStore creates a SubtaskRepository backed by PostgreSQL.
func NewSubtaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *subtaskStore {
	return &subtaskStore{
		q:      db.New(pool),
		pool:   pool,
		tracer: tracer,
	}
}

// CreateBatch inserts the batch inside one transaction so a partially created
// task never leaks subtasks into the queue.
func (s *subtaskStore) CreateBatch(ctx context.Context, subtasks []*analysis.Subtask) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("batch_size", len(subtasks)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_subtask_batch", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx error: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		qtx := s.q.WithTx(tx)
		for _, sub := range subtasks {
			params := db.CreateScanSubtaskParams{
				ID:             pgUUID(sub.ID()),
				ParentTaskID:   pgUUID(sub.ParentTaskID()),
				PlanID:         pgUUIDPtr(sub.PlanID()),
				ProjectID:      sub.ProjectID(),
				RepoName:       sub.RepoName(),
				FullPath:       sub.FullPath(),
				Sha256:         sub.SHA256(),
				Size:           sub.Size(),
				Scanner:        sub.Scanner(),
				CredentialsKey: sub.CredentialsKey(),
				QualityRule:    marshalQualityRule(sub.QualityRule()),
				Metadata:       marshalMetadata(sub.Metadata()),
				Status:         db.ScanSubtaskStatus(sub.Status()),
				ExecutedTimes:  int32(sub.ExecutedTimes()),
				CreatedAt:      pgTime(sub.CreatedAt()),
			}
			if err := qtx.CreateScanSubtask(ctx, params); err != nil {
				return fmt.Errorf("CreateScanSubtask insert error: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// GetByID retrieves a live subtask by ID.
func (s *subtaskStore) GetByID(ctx context.Context, id uuid.UUID) (*analysis.Subtask, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", id.String()),
	)

	var sub *analysis.Subtask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_subtask", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetScanSubtask(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrSubtaskNotFound
			}
			return fmt.Errorf("GetScanSubtask query error: %w", err)
		}
		sub = subtaskFromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a live subtask. The returned bool is the winner flag for
// concurrent finishes: only the caller that saw a row removed owns the
// follow-up bookkeeping.
func (s *subtaskStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", id.String()),
	)

	var deleted bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_subtask", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.DeleteScanSubtask(ctx, pgUUID(id))
		if err != nil {
			return fmt.Errorf("DeleteScanSubtask error: %w", err)
		}
		deleted = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// UpdateStatus performs the conditional status move. The target status picks
// the side effects: PULLED stamps heartbeat and deadline and increments the
// executed counter, EXECUTING stamps the start time, everything else clears
// the worker columns.
func (s *subtaskStore) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	from, to analysis.SubtaskStatus,
	timeoutAt time.Time,
) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", id.String()),
		attribute.String("from_status", from.String()),
		attribute.String("to_status", to.String()),
	)

	var changed bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_subtask_status", dbAttrs, func(ctx context.Context) error {
		var (
			rows int64
			err  error
		)
		switch to {
		case analysis.SubtaskStatusPulled:
			rows, err = s.q.UpdateSubtaskToPulled(ctx, db.UpdateSubtaskToPulledParams{
				ID:         pgUUID(id),
				FromStatus: db.ScanSubtaskStatus(from),
				TimeoutAt:  pgTime(timeoutAt),
			})
		case analysis.SubtaskStatusExecuting:
			rows, err = s.q.UpdateSubtaskToExecuting(ctx, db.UpdateSubtaskToExecutingParams{
				ID:         pgUUID(id),
				FromStatus: db.ScanSubtaskStatus(from),
			})
		default:
			rows, err = s.q.UpdateSubtaskStatus(ctx, db.UpdateSubtaskStatusParams{
				ID:         pgUUID(id),
				FromStatus: db.ScanSubtaskStatus(from),
				ToStatus:   db.ScanSubtaskStatus(to),
			})
		}
		if err != nil {
			return fmt.Errorf("UpdateSubtaskStatus error: %w", err)
		}
		changed = rows > 0
		if !changed {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("lost_race", true))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// PromoteBlocked flips up to limit BLOCKED subtasks of the project to CREATED,
// oldest first. SKIP LOCKED keeps concurrent promoters from double-counting
// the same rows.
func (s *subtaskStore) PromoteBlocked(ctx context.Context, projectID string, limit int32) ([]uuid.UUID, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("project_id", projectID),
		attribute.Int("limit", int(limit)),
	)

	var promoted []uuid.UUID
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.promote_blocked_subtasks", dbAttrs, func(ctx context.Context) error {
		ids, err := s.q.PromoteBlockedSubtasks(ctx, db.PromoteBlockedSubtasksParams{
			ProjectID: projectID,
			MaxRows:   limit,
		})
		if err != nil {
			return fmt.Errorf("PromoteBlockedSubtasks error: %w", err)
		}
		for _, id := range ids {
			promoted = append(promoted, uuid.UUID(id.Bytes))
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("promoted", len(promoted)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// CountScanning counts the project's subtasks occupying admission slots.
func (s *subtaskStore) CountScanning(ctx context.Context, projectID string) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("project_id", projectID),
	)

	var count int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_scanning_subtasks", dbAttrs, func(ctx context.Context) error {
		var err error
		count, err = s.q.CountScanningSubtasks(ctx, projectID)
		if err != nil {
			return fmt.Errorf("CountScanningSubtasks error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// OldestCreated returns the oldest dispatchable subtask for the scanner.
func (s *subtaskStore) OldestCreated(ctx context.Context, scanner string) (*analysis.Subtask, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scanner", scanner),
	)

	var sub *analysis.Subtask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_oldest_created_subtask", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetOldestCreatedSubtask(ctx, scanner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrNoSubtaskAvailable
			}
			return fmt.Errorf("GetOldestCreatedSubtask query error: %w", err)
		}
		sub = subtaskFromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListByParent returns all live subtasks of a parent task.
func (s *subtaskStore) ListByParent(ctx context.Context, parentTaskID uuid.UUID) ([]*analysis.Subtask, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("parent_task_id", parentTaskID.String()),
	)

	var results []*analysis.Subtask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_subtasks_by_parent", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListSubtasksByParent(ctx, pgUUID(parentTaskID))
		if err != nil {
			return fmt.Errorf("ListSubtasksByParent error: %w", err)
		}
		for _, row := range rows {
			results = append(results, subtaskFromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FindTimedOut returns running subtasks whose deadline passed or whose worker
// heartbeat went stale.
func (s *subtaskStore) FindTimedOut(
	ctx context.Context,
	heartbeatTimeout time.Duration,
	limit int32,
) ([]*analysis.Subtask, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("heartbeat_timeout", heartbeatTimeout.String()),
		attribute.Int("limit", int(limit)),
	)

	var results []*analysis.Subtask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_timed_out_subtasks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListTimedOutSubtasks(ctx, db.ListTimedOutSubtasksParams{
			HeartbeatBefore: pgTime(time.Now().Add(-heartbeatTimeout)),
			MaxRows:         limit,
		})
		if err != nil {
			return fmt.Errorf("ListTimedOutSubtasks error: %w", err)
		}
		for _, row := range rows {
			results = append(results, subtaskFromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FindBlockedTimedOut returns BLOCKED subtasks older than maxAge.
func (s *subtaskStore) FindBlockedTimedOut(
	ctx context.Context,
	maxAge time.Duration,
	limit int32,
) ([]*analysis.Subtask, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("max_age", maxAge.String()),
		attribute.Int("limit", int(limit)),
	)

	var results []*analysis.Subtask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_blocked_timed_out_subtasks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListBlockedTimedOutSubtasks(ctx, db.ListBlockedTimedOutSubtasksParams{
			CreatedBefore: pgTime(time.Now().Add(-maxAge)),
			MaxRows:       limit,
		})
		if err != nil {
			return fmt.Errorf("ListBlockedTimedOutSubtasks error: %w", err)
		}
		for _, row := range rows {
			results = append(results, subtaskFromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateHeartbeat refreshes the worker heartbeat on a running subtask.
func (s *subtaskStore) UpdateHeartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", id.String()),
	)

	var changed bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_subtask_heartbeat", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.UpdateSubtaskHeartbeat(ctx, pgUUID(id))
		if err != nil {
			return fmt.Errorf("UpdateSubtaskHeartbeat error: %w", err)
		}
		changed = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}
