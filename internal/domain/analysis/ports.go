package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSubtaskNotFound indicates the subtask does not exist in the live
	// queue, usually because a concurrent finish already removed it.
	ErrSubtaskNotFound = errors.New("subtask not found")

	// ErrTaskNotFound indicates no scan task exists for the given ID.
	ErrTaskNotFound = errors.New("scan task not found")

	// ErrPlanNotFound indicates no scan plan exists for the given ID.
	ErrPlanNotFound = errors.New("scan plan not found")

	// ErrNoSubtaskAvailable indicates a pull found no dispatchable subtask.
	ErrNoSubtaskAvailable = errors.New("no subtask available")
)

// SubtaskRepository persists live-queue subtasks. Conditional updates return
// changed=false when the row no longer matched the expected prior status,
// which callers treat as a lost race rather than an error.
type SubtaskRepository interface {
	// CreateBatch inserts a batch of new subtasks atomically.
	CreateBatch(ctx context.Context, subtasks []*Subtask) error

	// GetByID fetches a live subtask, ErrSubtaskNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Subtask, error)

	// Delete removes a live subtask and reports whether a row was removed.
	// The bool is the idempotence guard for concurrent finishes.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateStatus moves a subtask from an expected prior status to a new
	// one. Moving to PULLED also stamps the heartbeat, sets the execution
	// deadline and increments the executed counter; moving to EXECUTING
	// stamps the start time; any other target clears heartbeat and deadline.
	// Returns changed=false when the row was not in the expected status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to SubtaskStatus, timeoutAt time.Time) (bool, error)

	// PromoteBlocked flips up to limit BLOCKED subtasks of the project to
	// CREATED, oldest first, and returns the promoted IDs.
	PromoteBlocked(ctx context.Context, projectID string, limit int32) ([]uuid.UUID, error)

	// CountScanning counts the project's subtasks in statuses that occupy an
	// admission slot.
	CountScanning(ctx context.Context, projectID string) (int64, error)

	// OldestCreated returns the oldest CREATED subtask for the scanner,
	// ErrNoSubtaskAvailable when the queue is empty.
	OldestCreated(ctx context.Context, scanner string) (*Subtask, error)

	// ListByParent returns all live subtasks of a parent task.
	ListByParent(ctx context.Context, parentTaskID uuid.UUID) ([]*Subtask, error)

	// FindTimedOut returns up to limit subtasks whose execution deadline has
	// passed or whose worker heartbeat is older than heartbeatTimeout.
	FindTimedOut(ctx context.Context, heartbeatTimeout time.Duration, limit int32) ([]*Subtask, error)

	// FindBlockedTimedOut returns up to limit BLOCKED subtasks older than
	// maxAge, candidates for forced promotion or failure.
	FindBlockedTimedOut(ctx context.Context, maxAge time.Duration, limit int32) ([]*Subtask, error)

	// UpdateHeartbeat refreshes the worker heartbeat on a running subtask.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID) (bool, error)
}

// ArchiveRepository persists terminal subtask outcomes.
type ArchiveRepository interface {
	// Create inserts an archive record. Inserting the same subtask ID twice
	// is an idempotent no-op.
	Create(ctx context.Context, archived ArchivedSubtask) error
}

// LatestRepository maintains the latest-outcome-per-artifact index for plans.
type LatestRepository interface {
	// Upsert records sub's outcome as the latest for its plan and path.
	Upsert(ctx context.Context, latest PlanArtifactLatest) error

	// UpdateStatus mirrors a terminal outcome onto the latest record for the
	// given subtask, replacing status, overview and quality verdict in one
	// write. A newer subtask owning the path makes this a no-op.
	UpdateStatus(ctx context.Context, subtaskID uuid.UUID, status SubtaskStatus, overview ResultOverview, qualityPass *bool) (bool, error)
}

// ScanTaskRepository persists parent scan tasks.
type ScanTaskRepository interface {
	// Create inserts a new scan task.
	Create(ctx context.Context, task *ScanTask) error

	// Get fetches a scan task, ErrTaskNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*ScanTask, error)

	// UpdateStatus moves a task from an expected prior status to a new one,
	// changed=false when the row was not in the expected status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to ScanTaskStatus) (bool, error)

	// IncrementScanning adds delta to both the total and scanning counters,
	// used while submission creates subtasks.
	IncrementScanning(ctx context.Context, id uuid.UUID, delta int64) error

	// UpdateScanResult folds one subtask outcome into the task counters and
	// overview.
	UpdateScanResult(ctx context.Context, id uuid.UUID, update ScanResultUpdate) error
}

// ScanPlanRepository persists scan plans.
type ScanPlanRepository interface {
	// Get fetches a scan plan, ErrPlanNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*ScanPlan, error)

	// MergeOverview folds a finished task's overview counters into the plan.
	MergeOverview(ctx context.Context, id uuid.UUID, overview ResultOverview) error
}

// FileResultRepository caches per-content scan results so identical artifacts
// can reuse a previous outcome instead of being scanned again.
type FileResultRepository interface {
	// Upsert stores the outcome for (sha256, scanner).
	Upsert(ctx context.Context, sha256, scanner string, overview ResultOverview, qualityPass *bool) error

	// Find returns the cached outcome for (sha256, scanner), nil overview
	// when no result is cached.
	Find(ctx context.Context, sha256, scanner string) (ResultOverview, *bool, error)
}

// ProjectConfigService resolves per-project scheduling configuration.
type ProjectConfigService interface {
	// SubtaskCountLimit returns the project's admission quota, the maximum
	// number of its subtasks allowed to occupy slots at once.
	SubtaskCountLimit(ctx context.Context, projectID string) (int64, error)
}

// ProjectLocker serializes admission decisions for a project. The lock is
// advisory and best effort; callers proceed without it when acquisition
// fails, accepting a bounded quota overshoot.
type ProjectLocker interface {
	// WithLock runs fn while holding the project lock. When the lock cannot
	// be acquired within the context deadline, fn runs anyway and acquired
	// is false.
	WithLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) (acquired bool, err error)
}

// CredentialsResolver maps a project and repository to a storage-credentials
// key workers use to fetch the artifact bytes.
type CredentialsResolver interface {
	StorageKey(ctx context.Context, projectID, repoName string) (string, error)
}
