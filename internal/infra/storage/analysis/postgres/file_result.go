package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/infra/storage"
)

var _ analysis.FileResultRepository = (*fileResultStore)(nil)

// fileResultStore implements analysis.FileResultRepository using Postgres +
// sqlc queries. Results are keyed by content hash and scanner so identical
// artifacts reuse a previous outcome.
type fileResultStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewFileResultStore creates a FileResultRepository backed by PostgreSQL.
func NewFileResultStore(pool *pgxpool.Pool, tracer trace.Tracer) *fileResultStore {
	return &fileResultStore{
		q:      db.New(pool),
		tracer: tracer,
	}
}

// Upsert stores the outcome for (sha256, scanner).
func (s *fileResultStore) Upsert(
	ctx context.Context,
	sha256, scanner string,
	overview analysis.ResultOverview,
	qualityPass *bool,
) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sha256", sha256),
		attribute.String("scanner", scanner),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_file_scan_result", dbAttrs, func(ctx context.Context) error {
		err := s.q.UpsertFileScanResult(ctx, db.UpsertFileScanResultParams{
			Sha256:      sha256,
			Scanner:     scanner,
			Overview:    marshalOverview(overview),
			QualityPass: pgBoolPtr(qualityPass),
		})
		if err != nil {
			return fmt.Errorf("UpsertFileScanResult error: %w", err)
		}
		return nil
	})
}

// Find returns the cached outcome for (sha256, scanner), nil overview when no
// result is cached.
func (s *fileResultStore) Find(ctx context.Context, sha256, scanner string) (analysis.ResultOverview, *bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sha256", sha256),
		attribute.String("scanner", scanner),
	)

	var (
		overview analysis.ResultOverview
		pass     *bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_file_scan_result", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetFileScanResult(ctx, db.GetFileScanResultParams{
			Sha256:  sha256,
			Scanner: scanner,
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("GetFileScanResult query error: %w", err)
		}
		overview = unmarshalOverview(row.Overview)
		pass = boolPtr(row.QualityPass)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return overview, pass, nil
}
