package analysis

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys attached to subtasks at creation time.
const (
	// MetadataKeyDispatcher tags the dispatcher a subtask was routed through,
	// so status-changed events can be delivered back to the right channel.
	MetadataKeyDispatcher = "dispatcher"

	// MetadataKeyTriggerType records what triggered the parent scan task.
	MetadataKeyTriggerType = "triggerType"
)

// Node identifies a single artifact to scan. It is supplied by the scan-task
// producer together with the parent task.
type Node struct {
	ProjectID string
	RepoName  string
	FullPath  string
	SHA256    string
	Size      int64
}

// Subtask is one schedulable unit of scan work for a single artifact under a
// parent scan task. It lives in the live queue while non-terminal; terminal
// outcomes are recorded as ArchivedSubtask rows instead.
type Subtask struct {
	id           uuid.UUID
	parentTaskID uuid.UUID
	planID       *uuid.UUID

	projectID string
	repoName  string
	fullPath  string
	sha256    string
	size      int64

	scanner        string
	credentialsKey string
	qualityRule    QualityRule
	metadata       map[string]string

	status        SubtaskStatus
	executedTimes int

	createdAt   time.Time
	startedAt   time.Time
	heartbeatAt time.Time
	timeoutAt   time.Time
}

// NewSubtask builds a live-queue row for the given artifact under a parent
// scan task. The initial status is decided by the caller's admission check,
// CREATED or BLOCKED, or SUCCESS when a cached result is reused and the
// subtask goes straight to the archive.
func NewSubtask(parent *ScanTask, node Node, status SubtaskStatus, credentialsKey string) *Subtask {
	metadata := make(map[string]string, len(parent.Metadata()))
	for k, v := range parent.Metadata() {
		metadata[k] = v
	}

	return &Subtask{
		id:             uuid.New(),
		parentTaskID:   parent.ID(),
		planID:         parent.PlanID(),
		projectID:      node.ProjectID,
		repoName:       node.RepoName,
		fullPath:       node.FullPath,
		sha256:         node.SHA256,
		size:           node.Size,
		scanner:        parent.Scanner(),
		credentialsKey: credentialsKey,
		qualityRule:    parent.QualityRule(),
		metadata:       metadata,
		status:         status,
		createdAt:      time.Now(),
	}
}

// ReconstructSubtask creates a Subtask instance from persisted data. This
// should only be used by repositories when reconstructing from storage.
func ReconstructSubtask(
	id uuid.UUID,
	parentTaskID uuid.UUID,
	planID *uuid.UUID,
	projectID, repoName, fullPath, sha256 string,
	size int64,
	scanner, credentialsKey string,
	qualityRule QualityRule,
	metadata map[string]string,
	status SubtaskStatus,
	executedTimes int,
	createdAt, startedAt, heartbeatAt, timeoutAt time.Time,
) *Subtask {
	return &Subtask{
		id:             id,
		parentTaskID:   parentTaskID,
		planID:         planID,
		projectID:      projectID,
		repoName:       repoName,
		fullPath:       fullPath,
		sha256:         sha256,
		size:           size,
		scanner:        scanner,
		credentialsKey: credentialsKey,
		qualityRule:    qualityRule,
		metadata:       metadata,
		status:         status,
		executedTimes:  executedTimes,
		createdAt:      createdAt,
		startedAt:      startedAt,
		heartbeatAt:    heartbeatAt,
		timeoutAt:      timeoutAt,
	}
}

// ID returns the unique identifier of this subtask.
func (s *Subtask) ID() uuid.UUID { return s.id }

// ParentTaskID returns the identifier of the owning scan task.
func (s *Subtask) ParentTaskID() uuid.UUID { return s.parentTaskID }

// PlanID returns the identifier of the scan plan, if any.
func (s *Subtask) PlanID() *uuid.UUID { return s.planID }

// ProjectID returns the project owning the scanned artifact.
func (s *Subtask) ProjectID() string { return s.projectID }

// RepoName returns the repository holding the scanned artifact.
func (s *Subtask) RepoName() string { return s.repoName }

// FullPath returns the artifact path within its repository.
func (s *Subtask) FullPath() string { return s.fullPath }

// SHA256 returns the content hash of the scanned artifact.
func (s *Subtask) SHA256() string { return s.sha256 }

// Size returns the artifact size in bytes.
func (s *Subtask) Size() int64 { return s.size }

// Scanner returns the identity of the scanner assigned to this subtask.
func (s *Subtask) Scanner() string { return s.scanner }

// CredentialsKey returns the storage-credentials reference for the artifact.
func (s *Subtask) CredentialsKey() string { return s.credentialsKey }

// QualityRule returns the quality red-line rule, nil when none applies.
func (s *Subtask) QualityRule() QualityRule { return s.qualityRule }

// Metadata returns the task metadata attached at creation time.
func (s *Subtask) Metadata() map[string]string { return s.metadata }

// Status returns the current scheduling status.
func (s *Subtask) Status() SubtaskStatus { return s.status }

// ExecutedTimes returns how many times a worker has pulled this subtask.
// It only ever increases.
func (s *Subtask) ExecutedTimes() int { return s.executedTimes }

// CreatedAt returns when the subtask row was created.
func (s *Subtask) CreatedAt() time.Time { return s.createdAt }

// StartedAt returns when a worker began scanning, zero if never started.
func (s *Subtask) StartedAt() time.Time { return s.startedAt }

// HeartbeatAt returns the last worker heartbeat, zero if never pulled.
func (s *Subtask) HeartbeatAt() time.Time { return s.heartbeatAt }

// TimeoutAt returns the execution deadline, zero while not pulled.
func (s *Subtask) TimeoutAt() time.Time { return s.timeoutAt }

// WasRunning reports whether the subtask had actually been handed to a worker.
// Retry escalation uses this to pick TIMEOUT over FAILED as the terminal
// outcome.
func (s *Subtask) WasRunning() bool {
	return s.status == SubtaskStatusPulled || s.status == SubtaskStatusExecuting
}
