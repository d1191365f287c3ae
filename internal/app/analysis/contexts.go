// Package analysis implements the subtask lifecycle scheduler: admission
// control, dispatch, retry escalation and finish bookkeeping, driven by a
// state machine over subtask statuses.
package analysis

import (
	"time"

	"github.com/quarryscan/quarry/internal/domain/analysis"
)

// createContext carries a batch of freshly built subtasks sharing the same
// initial status into the create action.
type createContext struct {
	task     *analysis.ScanTask
	subtasks []*analysis.Subtask
}

// notifyContext asks the notify action to promote blocked subtasks of a
// project into the freed admission slots. The promoted count is written back
// through the pointer, since transit results only carry whether state changed.
type notifyContext struct {
	projectID string
	promoted  *int
}

// subtaskContext carries a single live subtask through requeue transitions.
type subtaskContext struct {
	subtask *analysis.Subtask
}

// pullContext claims a subtask for a worker with an execution deadline.
type pullContext struct {
	subtask   *analysis.Subtask
	timeoutAt time.Time
}

// finishContext carries a terminal outcome into the finish action. On the
// reuse path the subtask entity was never persisted as a live row, so the
// delete step is skipped.
type finishContext struct {
	subtask *analysis.Subtask

	overview    analysis.ResultOverview
	qualityPass *bool
	reuse       bool
}

// zeroTime marks conditional status writes that clear the execution deadline.
var zeroTime time.Time
