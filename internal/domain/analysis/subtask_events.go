package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarryscan/quarry/internal/domain/events"
)

// SubtaskEvent names a trigger delivered to the subtask state machine.
type SubtaskEvent string

const (
	// SubtaskEventCreate queues new subtasks whose projects have free
	// admission slots.
	SubtaskEventCreate SubtaskEvent = "CREATE"

	// SubtaskEventBlock queues new subtasks whose projects are at their
	// concurrency limit.
	SubtaskEventBlock SubtaskEvent = "BLOCK"

	// SubtaskEventNotify wakes blocked subtasks of a project after a slot
	// frees up.
	SubtaskEventNotify SubtaskEvent = "NOTIFY"

	// SubtaskEventDispatchFailed requeues a pulled subtask whose worker never
	// acknowledged it.
	SubtaskEventDispatchFailed SubtaskEvent = "DISPATCH_FAILED"

	// SubtaskEventRetry requeues or escalates a subtask whose worker is
	// presumed dead.
	SubtaskEventRetry SubtaskEvent = "RETRY"

	// SubtaskEventPull claims a queued subtask for a worker.
	SubtaskEventPull SubtaskEvent = "PULL"

	// SubtaskEventExecute marks a pulled subtask as actively scanning.
	SubtaskEventExecute SubtaskEvent = "EXECUTE"

	// Finish events are named after the terminal status they carry so the
	// state machine table can register one finish transition per outcome.
	SubtaskEventSuccess SubtaskEvent = "SUCCESS"
	SubtaskEventFailed  SubtaskEvent = "FAILED"
	SubtaskEventStopped SubtaskEvent = "STOPPED"
	SubtaskEventTimeout SubtaskEvent = "TIMEOUT"
)

// String returns the string representation of the SubtaskEvent.
func (e SubtaskEvent) String() string { return string(e) }

// FinishEventOf returns the finish event carrying the given terminal status.
func FinishEventOf(status SubtaskStatus) (SubtaskEvent, error) {
	switch status {
	case SubtaskStatusSuccess:
		return SubtaskEventSuccess, nil
	case SubtaskStatusFailed:
		return SubtaskEventFailed, nil
	case SubtaskStatusStopped:
		return SubtaskEventStopped, nil
	case SubtaskStatusTimeout:
		return SubtaskEventTimeout, nil
	default:
		return "", fmt.Errorf("no finish event for non-terminal status %s", status)
	}
}

// Domain event types published on subtask lifecycle changes.
const (
	EventTypeSubtaskStatusChanged events.EventType = "SubtaskStatusChanged"
)

// SubtaskStatusChangedEvent is published whenever a subtask moves between
// statuses, carrying enough context for UI and notification consumers without
// a follow-up query.
type SubtaskStatusChangedEvent struct {
	occurredAt time.Time

	SubtaskID      uuid.UUID
	ParentTaskID   uuid.UUID
	PlanID         *uuid.UUID
	ProjectID      string
	RepoName       string
	FullPath       string
	PreviousStatus SubtaskStatus
	Status         SubtaskStatus
	Overview       ResultOverview
	QualityPass    *bool
	Dispatcher     string
}

// NewSubtaskStatusChangedEvent creates a status-changed event for the given
// subtask transition.
func NewSubtaskStatusChangedEvent(sub *Subtask, previous, next SubtaskStatus) SubtaskStatusChangedEvent {
	return SubtaskStatusChangedEvent{
		occurredAt:     time.Now(),
		SubtaskID:      sub.ID(),
		ParentTaskID:   sub.ParentTaskID(),
		PlanID:         sub.PlanID(),
		ProjectID:      sub.ProjectID(),
		RepoName:       sub.RepoName(),
		FullPath:       sub.FullPath(),
		PreviousStatus: previous,
		Status:         next,
		Dispatcher:     sub.Metadata()[MetadataKeyDispatcher],
	}
}

// EventType returns the event type for routing.
func (e SubtaskStatusChangedEvent) EventType() events.EventType { return EventTypeSubtaskStatusChanged }

// OccurredAt returns when the transition happened.
func (e SubtaskStatusChangedEvent) OccurredAt() time.Time { return e.occurredAt }
