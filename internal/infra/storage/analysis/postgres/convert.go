package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quarryscan/quarry/internal/db"
	"github.com/quarryscan/quarry/internal/domain/analysis"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func uuidPtr(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func pgBoolPtr(b *bool) pgtype.Bool {
	if b == nil {
		return pgtype.Bool{}
	}
	return pgtype.Bool{Bool: *b, Valid: true}
}

func boolPtr(v pgtype.Bool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func marshalOverview(o analysis.ResultOverview) []byte {
	if o == nil {
		o = analysis.ResultOverview{}
	}
	raw, _ := json.Marshal(o)
	return raw
}

func unmarshalOverview(raw []byte) analysis.ResultOverview {
	overview := analysis.ResultOverview{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &overview)
	}
	return overview
}

func marshalQualityRule(r analysis.QualityRule) []byte {
	if r == nil {
		return nil
	}
	raw, _ := json.Marshal(r)
	return raw
}

func unmarshalQualityRule(raw []byte) analysis.QualityRule {
	if len(raw) == 0 {
		return nil
	}
	var rule analysis.QualityRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil
	}
	return rule
}

func marshalMetadata(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	raw, _ := json.Marshal(m)
	return raw
}

func unmarshalMetadata(raw []byte) map[string]string {
	metadata := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &metadata)
	}
	return metadata
}

func subtaskFromRow(row db.ScanSubtask) *analysis.Subtask {
	return analysis.ReconstructSubtask(
		uuid.UUID(row.ID.Bytes),
		uuid.UUID(row.ParentTaskID.Bytes),
		uuidPtr(row.PlanID),
		row.ProjectID,
		row.RepoName,
		row.FullPath,
		row.Sha256,
		row.Size,
		row.Scanner,
		row.CredentialsKey,
		unmarshalQualityRule(row.QualityRule),
		unmarshalMetadata(row.Metadata),
		analysis.SubtaskStatus(row.Status),
		int(row.ExecutedTimes),
		row.CreatedAt.Time,
		row.StartedAt.Time,
		row.HeartbeatAt.Time,
		row.TimeoutAt.Time,
	)
}
