package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

func TestArchiveStore_Create_Idempotent(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	taskStore := NewScanTaskStore(pool, storage.NoOpTracer())
	archiveStore := NewArchiveStore(pool, storage.NoOpTracer())

	task := createTestScanTask(t, ctx, taskStore, "proj-a")
	sub := analysis.NewSubtask(task, analysis.Node{
		ProjectID: "proj-a",
		RepoName:  "generic-local",
		FullPath:  "/a.tgz",
		SHA256:    "hash-a",
	}, analysis.SubtaskStatusCreated, "")

	pass := true
	archived := analysis.ArchiveSubtask(sub, analysis.SubtaskStatusSuccess, analysis.ResultOverview{
		analysis.OverviewKeyCveHighCount: 1,
	}, &pass)

	require.NoError(t, archiveStore.Create(ctx, archived))

	// Replayed finish writes the same record again; the conflict is ignored
	// and the first write wins.
	archived.Status = analysis.SubtaskStatusFailed
	require.NoError(t, archiveStore.Create(ctx, archived))

	row, err := archiveStore.q.GetArchivedScanSubtask(ctx, pgUUID(sub.ID()))
	require.NoError(t, err)
	assert.Equal(t, db.ScanSubtaskStatusSUCCESS, row.Status)
	require.NotNil(t, boolPtr(row.QualityPass))
	assert.True(t, *boolPtr(row.QualityPass))
}

func TestLatestStore_UpsertAndMirror(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	latestStore := NewLatestStore(pool, storage.NoOpTracer())
	planID := createTestScanPlan(t, ctx, pool)

	first := analysis.PlanArtifactLatest{
		PlanID:    planID,
		ProjectID: "proj-a",
		RepoName:  "generic-local",
		FullPath:  "/a.tgz",
		SHA256:    "hash-1",
		SubtaskID: uuid.New(),
		Status:    analysis.SubtaskStatusSuccess,
		Overview:  analysis.ResultOverview{analysis.OverviewKeyCveLowCount: 1},
	}
	require.NoError(t, latestStore.Upsert(ctx, first))

	// A newer subtask for the same path takes over the record.
	second := first
	second.SubtaskID = uuid.New()
	second.SHA256 = "hash-2"
	second.Status = analysis.SubtaskStatusFailed
	require.NoError(t, latestStore.Upsert(ctx, second))

	outcome := analysis.ResultOverview{analysis.OverviewKeyCveCriticalCount: 2}
	pass := false
	changed, err := latestStore.UpdateStatus(ctx, second.SubtaskID, analysis.SubtaskStatusSuccess, outcome, &pass)
	require.NoError(t, err)
	assert.True(t, changed)

	// The mirror replaces the outcome wholesale, not just the status.
	var overviewJSON []byte
	var qualityPass *bool
	err = pool.QueryRow(ctx,
		`SELECT overview, quality_pass FROM plan_artifact_latest WHERE subtask_id = $1`,
		pgUUID(second.SubtaskID),
	).Scan(&overviewJSON, &qualityPass)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cveCriticalCount":2}`, string(overviewJSON))
	require.NotNil(t, qualityPass)
	assert.False(t, *qualityPass)

	changed, err = latestStore.UpdateStatus(ctx, first.SubtaskID, analysis.SubtaskStatusTimeout, nil, nil)
	require.NoError(t, err)
	assert.False(t, changed, "superseded subtask must not touch the record")
}

func createTestScanPlan(t *testing.T, ctx context.Context, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	planID := uuid.New()
	err := db.New(pool).CreateScanPlan(ctx, db.CreateScanPlanParams{
		ID:        pgUUID(planID),
		ProjectID: "proj-a",
		Name:      "default",
		Scanner:   "trivy",
	})
	require.NoError(t, err)
	return planID
}
