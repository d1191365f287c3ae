package analysis

// SubtaskStatus represents the scheduling state of an individual scan subtask.
// Non-terminal statuses describe rows in the live queue; terminal statuses only
// ever appear on archived rows.
type SubtaskStatus string

const (
	// SubtaskStatusNeverScanned is the virtual initial state of a subtask
	// before any row exists for it. It is never persisted.
	SubtaskStatusNeverScanned SubtaskStatus = "NEVER_SCANNED"

	// SubtaskStatusCreated indicates a subtask is queued and eligible for
	// dispatch to a worker.
	SubtaskStatusCreated SubtaskStatus = "CREATED"

	// SubtaskStatusBlocked indicates a subtask is waiting for an admission
	// slot because its project is at its concurrency limit.
	SubtaskStatusBlocked SubtaskStatus = "BLOCKED"

	// SubtaskStatusPulled indicates a worker has claimed the subtask but has
	// not yet started scanning.
	SubtaskStatusPulled SubtaskStatus = "PULLED"

	// SubtaskStatusExecuting indicates a worker is actively scanning.
	SubtaskStatusExecuting SubtaskStatus = "EXECUTING"

	// SubtaskStatusSuccess indicates the scan finished and produced a result.
	SubtaskStatusSuccess SubtaskStatus = "SUCCESS"

	// SubtaskStatusFailed indicates the scan failed terminally.
	SubtaskStatusFailed SubtaskStatus = "FAILED"

	// SubtaskStatusStopped indicates the subtask was cancelled by a user.
	SubtaskStatusStopped SubtaskStatus = "STOPPED"

	// SubtaskStatusTimeout indicates the subtask exceeded its execution
	// deadline or retry budget while running.
	SubtaskStatusTimeout SubtaskStatus = "TIMEOUT"
)

// String returns the string representation of the SubtaskStatus.
func (s SubtaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status belongs to the terminal set. A subtask
// in a terminal status is never mutated again in the live queue; it is deleted
// from there and written to the archive instead.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskStatusSuccess, SubtaskStatusFailed, SubtaskStatusStopped, SubtaskStatusTimeout:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the status counts against a project's concurrency
// quota.
func (s SubtaskStatus) IsRunning() bool {
	switch s {
	case SubtaskStatusCreated, SubtaskStatusPulled, SubtaskStatusExecuting:
		return true
	default:
		return false
	}
}

// RunningStatuses returns the statuses that count against a project's
// concurrency quota, in a stable order for queries.
func RunningStatuses() []SubtaskStatus {
	return []SubtaskStatus{SubtaskStatusCreated, SubtaskStatusPulled, SubtaskStatusExecuting}
}

// TerminalStatuses returns the terminal status set in a stable order.
func TerminalStatuses() []SubtaskStatus {
	return []SubtaskStatus{SubtaskStatusSuccess, SubtaskStatusFailed, SubtaskStatusStopped, SubtaskStatusTimeout}
}

// ParseSubtaskStatus converts a string to a SubtaskStatus. Unknown values map
// to the empty status so storage round-trips surface corrupt data instead of
// silently adopting a state.
func ParseSubtaskStatus(s string) SubtaskStatus {
	switch SubtaskStatus(s) {
	case SubtaskStatusNeverScanned, SubtaskStatusCreated, SubtaskStatusBlocked,
		SubtaskStatusPulled, SubtaskStatusExecuting, SubtaskStatusSuccess,
		SubtaskStatusFailed, SubtaskStatusStopped, SubtaskStatusTimeout:
		return SubtaskStatus(s)
	default:
		return ""
	}
}
