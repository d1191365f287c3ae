package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

func TestPlanStore_MergeOverview(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPlanStore(pool, storage.NoOpTracer())
	planID := createTestScanPlan(t, ctx, pool)

	require.NoError(t, store.MergeOverview(ctx, planID, analysis.ResultOverview{
		analysis.OverviewKeyCveHighCount: 2,
	}))
	require.NoError(t, store.MergeOverview(ctx, planID, analysis.ResultOverview{
		analysis.OverviewKeyCveHighCount: 1,
		analysis.OverviewKeyCveLowCount:  4,
	}))

	plan, err := store.Get(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.Overview.Get(analysis.OverviewKeyCveHighCount))
	assert.Equal(t, int64(4), plan.Overview.Get(analysis.OverviewKeyCveLowCount))
}

func TestPlanStore_MergeOverview_Concurrent(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPlanStore(pool, storage.NoOpTracer())
	planID := createTestScanPlan(t, ctx, pool)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.MergeOverview(ctx, planID, analysis.ResultOverview{
				analysis.OverviewKeyLicenseTotalCount: 1,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	plan, err := store.Get(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), plan.Overview.Get(analysis.OverviewKeyLicenseTotalCount))
}

func TestPlanStore_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewPlanStore(pool, storage.NoOpTracer())
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, analysis.ErrPlanNotFound)
}

func TestFileResultStore_UpsertAndFind(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	store := NewFileResultStore(pool, storage.NoOpTracer())

	overview, pass, err := store.Find(ctx, "hash-a", "trivy")
	require.NoError(t, err)
	assert.Nil(t, overview, "cache miss returns nil overview")
	assert.Nil(t, pass)

	verdict := false
	require.NoError(t, store.Upsert(ctx, "hash-a", "trivy", analysis.ResultOverview{
		analysis.OverviewKeyCveCriticalCount: 1,
	}, &verdict))

	overview, pass, err = store.Find(ctx, "hash-a", "trivy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.Get(analysis.OverviewKeyCveCriticalCount))
	require.NotNil(t, pass)
	assert.False(t, *pass)

	// Same hash under another scanner is a separate cache entry.
	overview, _, err = store.Find(ctx, "hash-a", "other")
	require.NoError(t, err)
	assert.Nil(t, overview)
}
