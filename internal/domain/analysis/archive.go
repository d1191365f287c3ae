package analysis

import (
	"time"

	"github.com/google/uuid"
)

// ArchivedSubtask is the immutable history record written when a subtask
// reaches a terminal status and leaves the live queue. Unlike live Subtask
// rows these are plain records, never mutated after insert except for the
// status mirror kept for the latest-per-artifact index.
type ArchivedSubtask struct {
	ID           uuid.UUID
	ParentTaskID uuid.UUID
	PlanID       *uuid.UUID

	ProjectID string
	RepoName  string
	FullPath  string
	SHA256    string
	Size      int64

	Scanner       string
	Status        SubtaskStatus
	ExecutedTimes int
	Overview      ResultOverview
	QualityPass   *bool

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ArchiveSubtask converts a live subtask into its archive record under the
// given terminal status.
func ArchiveSubtask(sub *Subtask, status SubtaskStatus, overview ResultOverview, qualityPass *bool) ArchivedSubtask {
	return ArchivedSubtask{
		ID:            sub.ID(),
		ParentTaskID:  sub.ParentTaskID(),
		PlanID:        sub.PlanID(),
		ProjectID:     sub.ProjectID(),
		RepoName:      sub.RepoName(),
		FullPath:      sub.FullPath(),
		SHA256:        sub.SHA256(),
		Size:          sub.Size(),
		Scanner:       sub.Scanner(),
		Status:        status,
		ExecutedTimes: sub.ExecutedTimes(),
		Overview:      overview,
		QualityPass:   qualityPass,
		CreatedAt:     sub.CreatedAt(),
		StartedAt:     sub.StartedAt(),
		FinishedAt:    time.Now(),
	}
}

// PlanArtifactLatest indexes, per plan and artifact path, the most recent
// subtask outcome. UI listings read this instead of scanning the archive.
type PlanArtifactLatest struct {
	PlanID    uuid.UUID
	ProjectID string
	RepoName  string
	FullPath  string
	SHA256    string

	SubtaskID   uuid.UUID
	Status      SubtaskStatus
	Overview    ResultOverview
	QualityPass *bool
	UpdatedAt   time.Time
}
