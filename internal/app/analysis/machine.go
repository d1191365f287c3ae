package analysis

import (
	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
	"github.com/quarryscan/quarry/internal/statemachine"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// Repositories bundles the persistence ports the scheduler operates on.
type Repositories struct {
	Subtasks analysis.SubtaskRepository
	Tasks    analysis.ScanTaskRepository
	Plans    analysis.ScanPlanRepository
	Archive  analysis.ArchiveRepository
	Latest   analysis.LatestRepository
	Files    analysis.FileResultRepository
}

// newSubtaskStateMachine builds the dispatch table for the subtask lifecycle.
// Every transition the scheduler can take is registered here; an event fired
// from any other state is a programming error surfaced by the machine itself.
func newSubtaskStateMachine(
	repos Repositories,
	notifier *projectNotifier,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	metrics SchedulerMetrics,
) *statemachine.StateMachine {
	create := &createAction{
		subtasks:  repos.Subtasks,
		tasks:     repos.Tasks,
		publisher: publisher,
		logger:    log,
		metrics:   metrics,
	}
	notify := &notifyAction{notifier: notifier}
	requeue := &requeueAction{
		subtasks:  repos.Subtasks,
		publisher: publisher,
		logger:    log,
		metrics:   metrics,
	}
	pull := &pullAction{
		subtasks:  repos.Subtasks,
		publisher: publisher,
		logger:    log,
		metrics:   metrics,
	}
	execute := &executeAction{
		subtasks:  repos.Subtasks,
		publisher: publisher,
		logger:    log,
		metrics:   metrics,
	}
	finish := &finishAction{
		subtasks:  repos.Subtasks,
		tasks:     repos.Tasks,
		plans:     repos.Plans,
		archive:   repos.Archive,
		latest:    repos.Latest,
		files:     repos.Files,
		notifier:  notifier,
		publisher: publisher,
		logger:    log,
		metrics:   metrics,
	}

	m := statemachine.New("subtask")

	m.Register(transition(analysis.SubtaskStatusNeverScanned, analysis.SubtaskStatusCreated, analysis.SubtaskEventCreate), create)
	m.Register(transition(analysis.SubtaskStatusNeverScanned, analysis.SubtaskStatusBlocked, analysis.SubtaskEventBlock), create)

	m.Register(transition(analysis.SubtaskStatusBlocked, analysis.SubtaskStatusCreated, analysis.SubtaskEventNotify), notify)

	m.Register(transition(analysis.SubtaskStatusPulled, analysis.SubtaskStatusCreated, analysis.SubtaskEventDispatchFailed), requeue)
	m.Register(transition(analysis.SubtaskStatusCreated, analysis.SubtaskStatusCreated, analysis.SubtaskEventRetry), requeue)
	m.Register(transition(analysis.SubtaskStatusPulled, analysis.SubtaskStatusCreated, analysis.SubtaskEventRetry), requeue)
	m.Register(transition(analysis.SubtaskStatusExecuting, analysis.SubtaskStatusCreated, analysis.SubtaskEventRetry), requeue)

	m.Register(transition(analysis.SubtaskStatusCreated, analysis.SubtaskStatusPulled, analysis.SubtaskEventPull), pull)
	m.Register(transition(analysis.SubtaskStatusPulled, analysis.SubtaskStatusExecuting, analysis.SubtaskEventExecute), execute)

	// Reused results finish without ever entering the live queue.
	m.Register(transition(analysis.SubtaskStatusNeverScanned, analysis.SubtaskStatusSuccess, analysis.SubtaskEventSuccess), finish)

	finishSources := []analysis.SubtaskStatus{
		analysis.SubtaskStatusCreated,
		analysis.SubtaskStatusBlocked,
		analysis.SubtaskStatusPulled,
		analysis.SubtaskStatusExecuting,
	}
	for _, terminal := range analysis.TerminalStatuses() {
		event, err := analysis.FinishEventOf(terminal)
		if err != nil {
			panic(err)
		}
		for _, from := range finishSources {
			m.Register(transition(from, terminal, event), finish)
		}
	}

	return m
}

func transition(from, to analysis.SubtaskStatus, event analysis.SubtaskEvent) statemachine.Transition {
	return statemachine.Transition{From: from.String(), To: to.String(), Event: event.String()}
}
