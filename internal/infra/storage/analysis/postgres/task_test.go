package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

func TestScanTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	store := NewScanTaskStore(db, storage.NoOpTracer())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "PIPELINE", nil, analysis.QualityRule{
		analysis.OverviewKeyCveCriticalCount: 0,
	}, map[string]string{analysis.MetadataKeyDispatcher: "k8s"})
	require.NoError(t, store.Create(ctx, task))

	loaded, err := store.Get(ctx, task.ID())
	require.NoError(t, err)

	assert.Equal(t, task.ID(), loaded.ID())
	assert.Equal(t, analysis.ScanTaskStatusPending, loaded.Status())
	assert.Equal(t, task.QualityRule(), loaded.QualityRule())
	assert.Equal(t, "k8s", loaded.Metadata()[analysis.MetadataKeyDispatcher])
	assert.Zero(t, loaded.Total())
}

func TestScanTaskStore_UpdateStatus(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	store := NewScanTaskStore(db, storage.NoOpTracer())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, store.Create(ctx, task))

	changed, err := store.UpdateStatus(ctx, task.ID(), analysis.ScanTaskStatusPending, analysis.ScanTaskStatusSubmitting)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateStatus(ctx, task.ID(), analysis.ScanTaskStatusPending, analysis.ScanTaskStatusSubmitting)
	require.NoError(t, err)
	assert.False(t, changed, "status move away from PENDING already happened")
}

func TestScanTaskStore_UpdateScanResult(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	store := NewScanTaskStore(db, storage.NoOpTracer())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.IncrementScanning(ctx, task.ID(), 3))

	// One success with findings.
	err := store.UpdateScanResult(ctx, task.ID(), analysis.ScanResultUpdate{
		Count:     1,
		Success:   true,
		PassCount: 1,
		Overview:  analysis.ResultOverview{analysis.OverviewKeyCveHighCount: 2},
	})
	require.NoError(t, err)

	// One failure.
	err = store.UpdateScanResult(ctx, task.ID(), analysis.ScanResultUpdate{Count: 1})
	require.NoError(t, err)

	// One reused result, which never occupied a scanning slot.
	err = store.UpdateScanResult(ctx, task.ID(), analysis.ScanResultUpdate{
		Count:       1,
		Success:     true,
		ReuseResult: true,
		Overview:    analysis.ResultOverview{analysis.OverviewKeyCveHighCount: 1},
	})
	require.NoError(t, err)

	loaded, err := store.Get(ctx, task.ID())
	require.NoError(t, err)

	assert.Equal(t, int64(4), loaded.Total(), "reuse increments total")
	assert.Equal(t, int64(1), loaded.Scanning(), "two real finishes drain two slots; reuse drains none")
	assert.Equal(t, int64(2), loaded.Scanned())
	assert.Equal(t, int64(1), loaded.Failed())
	assert.Equal(t, int64(1), loaded.Passed())
	assert.Equal(t, int64(3), loaded.ResultOverview().Get(analysis.OverviewKeyCveHighCount))
}

func TestScanTaskStore_UpdateScanResult_Concurrent(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	store := NewScanTaskStore(db, storage.NoOpTracer())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, store.Create(ctx, task))

	const writers = 8
	require.NoError(t, store.IncrementScanning(ctx, task.ID(), writers))

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.UpdateScanResult(ctx, task.ID(), analysis.ScanResultUpdate{
				Count:    1,
				Success:  true,
				Overview: analysis.ResultOverview{analysis.OverviewKeyCveLowCount: 1},
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	loaded, err := store.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.Scanning())
	assert.Equal(t, int64(writers), loaded.Scanned())
	assert.Equal(t, int64(writers), loaded.ResultOverview().Get(analysis.OverviewKeyCveLowCount), "no lost updates in the overview merge")
}

func TestScanTaskStore_Get_NotFound(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	store := NewScanTaskStore(db, storage.NoOpTracer())

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	_, err := store.Get(context.Background(), task.ID())
	assert.ErrorIs(t, err, analysis.ErrTaskNotFound)
}
