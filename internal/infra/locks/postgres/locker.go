// Package postgres provides a best-effort distributed lock built on Postgres
// advisory locks. It serializes per-project admission decisions across
// controller replicas without any extra infrastructure.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

var _ analysis.ProjectLocker = (*projectLocker)(nil)

// lockNamespace separates this lock's advisory key space from other advisory
// lock users sharing the database.
const lockNamespace = int32(0x5157) // "QW"

// projectLocker implements analysis.ProjectLocker with session-scoped
// advisory locks. The lock key is a hash of the project ID; a hash collision
// only causes extra serialization, never a correctness issue. Acquisition is
// best effort: when the lock cannot be taken before the context deadline the
// callback runs anyway, trading a bounded quota overshoot for availability.
type projectLocker struct {
	pool       *pgxpool.Pool
	logger     *logger.Logger
	tracer     trace.Tracer
	maxWait    time.Duration
	retryEvery time.Duration
}

// NewProjectLocker creates a ProjectLocker backed by Postgres advisory locks.
func NewProjectLocker(pool *pgxpool.Pool, log *logger.Logger, tracer trace.Tracer, maxWait time.Duration) *projectLocker {
	if maxWait <= 0 {
		maxWait = 3 * time.Second
	}
	return &projectLocker{
		pool:       pool,
		logger:     log,
		tracer:     tracer,
		maxWait:    maxWait,
		retryEvery: 50 * time.Millisecond,
	}
}

func lockKey(projectID string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return int32(h.Sum32())
}

// WithLock runs fn while holding the project's advisory lock. The lock lives
// on a single pooled connection that stays pinned until fn returns.
func (l *projectLocker) WithLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) (bool, error) {
	attrs := []attribute.KeyValue{
		attribute.String("project_id", projectID),
	}

	var acquired bool
	err := storage.ExecuteAndTrace(ctx, l.tracer, "postgres.project_lock", attrs, func(ctx context.Context) error {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection for project lock: %w", err)
		}
		defer conn.Release()

		key := lockKey(projectID)
		deadline := time.Now().Add(l.maxWait)

		for {
			if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", lockNamespace, key).Scan(&acquired); err != nil {
				return fmt.Errorf("pg_try_advisory_lock: %w", err)
			}
			if acquired || time.Now().After(deadline) {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryEvery):
			}
		}

		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("lock_acquired", acquired))
		if !acquired {
			// Proceeding unlocked risks admitting slightly over quota, which
			// the scheduler tolerates.
			l.logger.Warn(ctx, "project lock not acquired, proceeding unlocked", "project_id", projectID)
			return fn(ctx)
		}

		defer func() {
			var unlocked bool
			if err := conn.QueryRow(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1, $2)", lockNamespace, key).Scan(&unlocked); err != nil || !unlocked {
				l.logger.Error(ctx, "failed to release project lock", "project_id", projectID, "error", err)
			}
		}()

		return fn(ctx)
	})
	return acquired, err
}
