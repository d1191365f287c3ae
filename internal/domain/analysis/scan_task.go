package analysis

import (
	"time"

	"github.com/google/uuid"
)

// ScanTaskStatus represents the lifecycle state of a parent scan task.
type ScanTaskStatus string

const (
	// ScanTaskStatusPending means the task exists but no subtasks have been
	// submitted yet.
	ScanTaskStatusPending ScanTaskStatus = "PENDING"

	// ScanTaskStatusSubmitting means subtask creation is in progress.
	ScanTaskStatusSubmitting ScanTaskStatus = "SCANNING_SUBMITTING"

	// ScanTaskStatusSubmitted means all subtasks have been created and the
	// task is waiting for them to drain.
	ScanTaskStatusSubmitted ScanTaskStatus = "SCANNING_SUBMITTED"

	// ScanTaskStatusStopping means a stop was requested and live subtasks are
	// being cancelled.
	ScanTaskStatusStopping ScanTaskStatus = "STOPPING"

	// ScanTaskStatusStopped means the task was cancelled before completion.
	ScanTaskStatusStopped ScanTaskStatus = "STOPPED"

	// ScanTaskStatusFinished means every subtask reached a terminal status.
	ScanTaskStatusFinished ScanTaskStatus = "FINISHED"
)

// String returns the string representation of the ScanTaskStatus.
func (s ScanTaskStatus) String() string { return string(s) }

// ScanTask is the parent aggregate owning a batch of subtasks. Its counters
// track subtask progress; the task finishes when submission is complete and
// the scanning counter drains to zero.
type ScanTask struct {
	id     uuid.UUID
	planID *uuid.UUID

	projectID   string
	scanner     string
	triggerType string
	qualityRule QualityRule
	metadata    map[string]string

	status ScanTaskStatus

	total    int64
	scanning int64
	scanned  int64
	failed   int64
	passed   int64

	resultOverview ResultOverview

	createdAt  time.Time
	finishedAt time.Time
}

// NewScanTask creates a pending scan task for the given project and scanner.
func NewScanTask(projectID, scanner, triggerType string, planID *uuid.UUID, rule QualityRule, metadata map[string]string) *ScanTask {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[MetadataKeyTriggerType] = triggerType

	return &ScanTask{
		id:             uuid.New(),
		planID:         planID,
		projectID:      projectID,
		scanner:        scanner,
		triggerType:    triggerType,
		qualityRule:    rule,
		metadata:       metadata,
		status:         ScanTaskStatusPending,
		resultOverview: ResultOverview{},
		createdAt:      time.Now(),
	}
}

// ReconstructScanTask creates a ScanTask instance from persisted data. This
// should only be used by repositories when reconstructing from storage.
func ReconstructScanTask(
	id uuid.UUID,
	planID *uuid.UUID,
	projectID, scanner, triggerType string,
	qualityRule QualityRule,
	metadata map[string]string,
	status ScanTaskStatus,
	total, scanning, scanned, failed, passed int64,
	resultOverview ResultOverview,
	createdAt, finishedAt time.Time,
) *ScanTask {
	if resultOverview == nil {
		resultOverview = ResultOverview{}
	}
	return &ScanTask{
		id:             id,
		planID:         planID,
		projectID:      projectID,
		scanner:        scanner,
		triggerType:    triggerType,
		qualityRule:    qualityRule,
		metadata:       metadata,
		status:         status,
		total:          total,
		scanning:       scanning,
		scanned:        scanned,
		failed:         failed,
		passed:         passed,
		resultOverview: resultOverview,
		createdAt:      createdAt,
		finishedAt:     finishedAt,
	}
}

// ID returns the unique identifier of this scan task.
func (t *ScanTask) ID() uuid.UUID { return t.id }

// PlanID returns the identifier of the owning scan plan, if any.
func (t *ScanTask) PlanID() *uuid.UUID { return t.planID }

// ProjectID returns the project the task scans.
func (t *ScanTask) ProjectID() string { return t.projectID }

// Scanner returns the scanner identity assigned to all subtasks.
func (t *ScanTask) Scanner() string { return t.scanner }

// TriggerType returns what triggered the task.
func (t *ScanTask) TriggerType() string { return t.triggerType }

// QualityRule returns the quality red-line rule, nil when none applies.
func (t *ScanTask) QualityRule() QualityRule { return t.qualityRule }

// Metadata returns the task metadata copied onto each subtask.
func (t *ScanTask) Metadata() map[string]string { return t.metadata }

// Status returns the current task status.
func (t *ScanTask) Status() ScanTaskStatus { return t.status }

// Total returns the number of subtasks created under the task, including
// reused results.
func (t *ScanTask) Total() int64 { return t.total }

// Scanning returns the number of subtasks still in flight.
func (t *ScanTask) Scanning() int64 { return t.scanning }

// Scanned returns the number of subtasks that finished successfully.
func (t *ScanTask) Scanned() int64 { return t.scanned }

// Failed returns the number of subtasks that finished unsuccessfully.
func (t *ScanTask) Failed() int64 { return t.failed }

// Passed returns the number of subtasks whose quality verdict was a pass.
func (t *ScanTask) Passed() int64 { return t.passed }

// ResultOverview returns the merged overview counters across all finished
// subtasks.
func (t *ScanTask) ResultOverview() ResultOverview { return t.resultOverview }

// CreatedAt returns when the task was created.
func (t *ScanTask) CreatedAt() time.Time { return t.createdAt }

// FinishedAt returns when the task finished, zero while in flight.
func (t *ScanTask) FinishedAt() time.Time { return t.finishedAt }

// Drained reports whether submission is complete and no subtasks remain in
// flight, meaning the task is eligible for the finished status.
func (t *ScanTask) Drained() bool {
	return t.status == ScanTaskStatusSubmitted && t.scanning <= 0
}

// ScanResultUpdate describes how one subtask outcome adjusts the parent
// task's counters and overview.
type ScanResultUpdate struct {
	// Count is how many subtasks the update covers, normally 1.
	Count int64

	// Overview carries the counters to merge into the task overview.
	Overview ResultOverview

	// Success marks whether the subtasks finished successfully.
	Success bool

	// ReuseResult marks updates for reused results, which increment the total
	// instead of decrementing the scanning counter.
	ReuseResult bool

	// PassCount is how many of the covered subtasks passed their quality
	// rule.
	PassCount int64
}

// ScanPlan is the per-project scan configuration tasks are created from. The
// plan accumulates an overview across every task run under it.
type ScanPlan struct {
	ID        uuid.UUID
	ProjectID string
	Name      string
	Scanner   string

	QualityRule QualityRule
	Overview    ResultOverview

	CreatedAt time.Time
	UpdatedAt time.Time
}
