package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

var _ analysis.ArchiveRepository = (*archiveStore)(nil)

// archiveStore implements analysis.ArchiveRepository using Postgres + sqlc
// queries. Archive inserts conflict on the subtask ID and do nothing, which
// makes a replayed finish harmless.
type archiveStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewArchiveStore creates an ArchiveRepository backed by PostgreSQL.
func NewArchiveStore(pool *pgxpool.Pool, tracer trace.Tracer) *archiveStore {
	return &archiveStore{
		q:      db.New(pool),
		tracer: tracer,
	}
}

// Create inserts the archive record for a terminal subtask.
func (s *archiveStore) Create(ctx context.Context, archived analysis.ArchivedSubtask) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", archived.ID.String()),
		attribute.String("status", archived.Status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_archived_subtask", dbAttrs, func(ctx context.Context) error {
		params := db.CreateArchivedScanSubtaskParams{
			ID:            pgUUID(archived.ID),
			ParentTaskID:  pgUUID(archived.ParentTaskID),
			PlanID:        pgUUIDPtr(archived.PlanID),
			ProjectID:     archived.ProjectID,
			RepoName:      archived.RepoName,
			FullPath:      archived.FullPath,
			Sha256:        archived.SHA256,
			Size:          archived.Size,
			Scanner:       archived.Scanner,
			Status:        db.ScanSubtaskStatus(archived.Status),
			ExecutedTimes: int32(archived.ExecutedTimes),
			Overview:      marshalOverview(archived.Overview),
			QualityPass:   pgBoolPtr(archived.QualityPass),
			CreatedAt:     pgTime(archived.CreatedAt),
			StartedAt:     pgTime(archived.StartedAt),
			FinishedAt:    pgTime(archived.FinishedAt),
		}

		if err := s.q.CreateArchivedScanSubtask(ctx, params); err != nil {
			return fmt.Errorf("CreateArchivedScanSubtask insert error: %w", err)
		}
		return nil
	})
}

var _ analysis.LatestRepository = (*latestStore)(nil)

// latestStore implements analysis.LatestRepository using Postgres + sqlc
// queries.
type latestStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewLatestStore creates a LatestRepository backed by PostgreSQL.
func NewLatestStore(pool *pgxpool.Pool, tracer trace.Tracer) *latestStore {
	return &latestStore{
		q:      db.New(pool),
		tracer: tracer,
	}
}

// Upsert records the outcome as the latest for its plan and artifact path.
func (s *latestStore) Upsert(ctx context.Context, latest analysis.PlanArtifactLatest) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("plan_id", latest.PlanID.String()),
		attribute.String("full_path", latest.FullPath),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_plan_artifact_latest", dbAttrs, func(ctx context.Context) error {
		params := db.UpsertPlanArtifactLatestParams{
			PlanID:      pgUUID(latest.PlanID),
			ProjectID:   latest.ProjectID,
			RepoName:    latest.RepoName,
			FullPath:    latest.FullPath,
			Sha256:      latest.SHA256,
			SubtaskID:   pgUUID(latest.SubtaskID),
			Status:      db.ScanSubtaskStatus(latest.Status),
			Overview:    marshalOverview(latest.Overview),
			QualityPass: pgBoolPtr(latest.QualityPass),
		}

		if err := s.q.UpsertPlanArtifactLatest(ctx, params); err != nil {
			return fmt.Errorf("UpsertPlanArtifactLatest error: %w", err)
		}
		return nil
	})
}

// UpdateStatus mirrors a terminal outcome onto the latest record owned by the
// given subtask, replacing status, overview and quality verdict in one write.
// A newer subtask owning the path makes this a no-op.
func (s *latestStore) UpdateStatus(ctx context.Context, subtaskID uuid.UUID, status analysis.SubtaskStatus, overview analysis.ResultOverview, qualityPass *bool) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("subtask_id", subtaskID.String()),
		attribute.String("status", status.String()),
	)

	var changed bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_plan_artifact_latest_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.UpdatePlanArtifactLatestStatus(ctx, db.UpdatePlanArtifactLatestStatusParams{
			SubtaskID:   pgUUID(subtaskID),
			Status:      db.ScanSubtaskStatus(status),
			Overview:    marshalOverview(overview),
			QualityPass: pgBoolPtr(qualityPass),
		})
		if err != nil {
			return fmt.Errorf("UpdatePlanArtifactLatestStatus error: %w", err)
		}
		changed = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}
