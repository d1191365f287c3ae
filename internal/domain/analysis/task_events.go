package analysis

import (
	"time"

	"github.com/google/uuid"

	"github.com/quarryscan/quarry/internal/domain/events"
)

// EventTypeScanTaskFinished is published once per scan task when its last
// subtask reaches a terminal status and the scanning counter drains to zero.
const EventTypeScanTaskFinished events.EventType = "ScanTaskFinished"

// ScanTaskFinishedEvent announces that a parent scan task has drained.
type ScanTaskFinishedEvent struct {
	occurredAt time.Time

	TaskID    uuid.UUID
	PlanID    *uuid.UUID
	ProjectID string
	Status    ScanTaskStatus

	Total    int64
	Scanned  int64
	Failed   int64
	Passed   int64
	Overview ResultOverview
}

// NewScanTaskFinishedEvent creates a finished event from the task's final
// counters.
func NewScanTaskFinishedEvent(task *ScanTask) ScanTaskFinishedEvent {
	return ScanTaskFinishedEvent{
		occurredAt: time.Now(),
		TaskID:     task.ID(),
		PlanID:     task.PlanID(),
		ProjectID:  task.ProjectID(),
		Status:     task.Status(),
		Total:      task.Total(),
		Scanned:    task.Scanned(),
		Failed:     task.Failed(),
		Passed:     task.Passed(),
		Overview:   task.ResultOverview(),
	}
}

// EventType returns the event type for routing.
func (e ScanTaskFinishedEvent) EventType() events.EventType { return EventTypeScanTaskFinished }

// OccurredAt returns when the task drained.
func (e ScanTaskFinishedEvent) OccurredAt() time.Time { return e.occurredAt }
