package postgres

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryscan/quarry/internal/infra/storage"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "locker-test", nil)
}

func TestProjectLocker_WithLock(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	locker := NewProjectLocker(pool, testLogger(), storage.NoOpTracer(), time.Second)

	var ran bool
	acquired, err := locker.WithLock(context.Background(), "proj-a", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)
}

func TestProjectLocker_ContendedRunsUnlocked(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	holder := NewProjectLocker(pool, testLogger(), storage.NoOpTracer(), time.Second)
	waiter := NewProjectLocker(pool, testLogger(), storage.NoOpTracer(), 200*time.Millisecond)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_, _ = holder.WithLock(context.Background(), "proj-a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	// The lock is taken, but the callback still runs after the wait budget.
	var ran atomic.Bool
	acquired, err := waiter.WithLock(context.Background(), "proj-a", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.True(t, ran.Load())
}

func TestProjectLocker_DifferentProjectsDoNotContend(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	locker := NewProjectLocker(pool, testLogger(), storage.NoOpTracer(), time.Second)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_, _ = locker.WithLock(context.Background(), "proj-a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	acquired, err := locker.WithLock(context.Background(), "proj-b", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)
}
