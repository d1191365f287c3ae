package analysis

import (
	"context"
	"fmt"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
	"github.com/quarryscan/quarry/internal/statemachine"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// createAction admits a batch of new subtasks into the live queue. The batch
// shares one initial status: CREATE admits into free slots, BLOCK parks the
// overflow behind the project quota.
type createAction struct {
	subtasks  analysis.SubtaskRepository
	tasks     analysis.ScanTaskRepository
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	metrics   SchedulerMetrics
}

func (a *createAction) Support(from, to, event string) bool {
	if from != analysis.SubtaskStatusNeverScanned.String() {
		return false
	}
	switch {
	case event == analysis.SubtaskEventCreate.String() && to == analysis.SubtaskStatusCreated.String():
		return true
	case event == analysis.SubtaskEventBlock.String() && to == analysis.SubtaskStatusBlocked.String():
		return true
	default:
		return false
	}
}

func (a *createAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	cc, ok := evt.Context.(createContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}
	if len(cc.subtasks) == 0 {
		return statemachine.TransitResult{State: to, Changed: false}, nil
	}

	if err := a.subtasks.CreateBatch(ctx, cc.subtasks); err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("create subtask batch: %w", err)
	}

	if err := a.tasks.IncrementScanning(ctx, cc.task.ID(), int64(len(cc.subtasks))); err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("increment task counters: %w", err)
	}

	for _, sub := range cc.subtasks {
		a.metrics.IncSubtasksCreated(ctx, to)
		statusEvt := analysis.NewSubtaskStatusChangedEvent(sub, analysis.SubtaskStatusNeverScanned, analysis.SubtaskStatus(to))
		if err := a.publisher.PublishDomainEvent(ctx, statusEvt, events.WithKey(sub.ID().String())); err != nil {
			a.logger.Error(ctx, "failed to publish subtask status change", "subtask_id", sub.ID(), "error", err)
		}
	}

	a.logger.Info(ctx, "admitted subtask batch",
		"task_id", cc.task.ID(),
		"status", to,
		"count", len(cc.subtasks),
	)
	return statemachine.TransitResult{State: to, Changed: true}, nil
}

// notifyAction promotes blocked subtasks of a project into freed admission
// slots. The event is project scoped: one NOTIFY wakes as many BLOCKED
// subtasks as the quota allows, and a notify finding no free slot or no
// backlog reports an unchanged state.
type notifyAction struct {
	notifier *projectNotifier
}

func (a *notifyAction) Support(from, to, event string) bool {
	return event == analysis.SubtaskEventNotify.String() &&
		from == analysis.SubtaskStatusBlocked.String() &&
		to == analysis.SubtaskStatusCreated.String()
}

func (a *notifyAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	nc, ok := evt.Context.(notifyContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}

	promoted, err := a.notifier.NotifyProject(ctx, nc.projectID)
	if err != nil {
		return statemachine.TransitResult{}, err
	}
	if nc.promoted != nil {
		*nc.promoted = promoted
	}

	return statemachine.TransitResult{State: to, Changed: promoted > 0}, nil
}

// requeueAction returns a claimed or running subtask to the dispatchable
// queue. It serves DISPATCH_FAILED from PULLED and RETRY from any running
// status; the conditional write makes a lost race a silent success.
type requeueAction struct {
	subtasks  analysis.SubtaskRepository
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	metrics   SchedulerMetrics
}

func (a *requeueAction) Support(from, to, event string) bool {
	if to != analysis.SubtaskStatusCreated.String() {
		return false
	}
	switch event {
	case analysis.SubtaskEventDispatchFailed.String():
		return from == analysis.SubtaskStatusPulled.String()
	case analysis.SubtaskEventRetry.String():
		return analysis.SubtaskStatus(from).IsRunning()
	default:
		return false
	}
}

func (a *requeueAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	sc, ok := evt.Context.(subtaskContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}
	sub := sc.subtask

	if from == to {
		// RETRY of a still-queued subtask changes nothing.
		return statemachine.TransitResult{State: to, Changed: false}, nil
	}

	changed, err := a.subtasks.UpdateStatus(ctx, sub.ID(), analysis.SubtaskStatus(from), analysis.SubtaskStatusCreated, zeroTime)
	if err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("requeue subtask: %w", err)
	}
	if !changed {
		a.metrics.IncLostRaces(ctx, "requeue")
		return statemachine.TransitResult{State: to, Changed: false}, nil
	}

	a.metrics.IncRetries(ctx)
	statusEvt := analysis.NewSubtaskStatusChangedEvent(sub, analysis.SubtaskStatus(from), analysis.SubtaskStatusCreated)
	if err := a.publisher.PublishDomainEvent(ctx, statusEvt, events.WithKey(sub.ID().String())); err != nil {
		a.logger.Error(ctx, "failed to publish subtask status change", "subtask_id", sub.ID(), "error", err)
	}

	a.logger.Info(ctx, "requeued subtask", "subtask_id", sub.ID(), "previous_status", from, "event", evt.Name)
	return statemachine.TransitResult{State: to, Changed: true}, nil
}

// pullAction claims a queued subtask for a worker, stamping the execution
// deadline and bumping the executed counter in one conditional write.
type pullAction struct {
	subtasks  analysis.SubtaskRepository
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	metrics   SchedulerMetrics
}

func (a *pullAction) Support(from, to, event string) bool {
	return event == analysis.SubtaskEventPull.String() &&
		from == analysis.SubtaskStatusCreated.String() &&
		to == analysis.SubtaskStatusPulled.String()
}

func (a *pullAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	pc, ok := evt.Context.(pullContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}
	sub := pc.subtask

	changed, err := a.subtasks.UpdateStatus(ctx, sub.ID(), analysis.SubtaskStatusCreated, analysis.SubtaskStatusPulled, pc.timeoutAt)
	if err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("pull subtask: %w", err)
	}
	if !changed {
		a.metrics.IncLostRaces(ctx, "pull")
		return statemachine.TransitResult{State: to, Changed: false}, nil
	}

	statusEvt := analysis.NewSubtaskStatusChangedEvent(sub, analysis.SubtaskStatusCreated, analysis.SubtaskStatusPulled)
	if err := a.publisher.PublishDomainEvent(ctx, statusEvt, events.WithKey(sub.ID().String())); err != nil {
		a.logger.Error(ctx, "failed to publish subtask status change", "subtask_id", sub.ID(), "error", err)
	}
	return statemachine.TransitResult{State: to, Changed: true}, nil
}

// executeAction marks a pulled subtask as actively scanning once the worker
// acknowledges it.
type executeAction struct {
	subtasks  analysis.SubtaskRepository
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	metrics   SchedulerMetrics
}

func (a *executeAction) Support(from, to, event string) bool {
	return event == analysis.SubtaskEventExecute.String() &&
		from == analysis.SubtaskStatusPulled.String() &&
		to == analysis.SubtaskStatusExecuting.String()
}

func (a *executeAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	sc, ok := evt.Context.(subtaskContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}
	sub := sc.subtask

	changed, err := a.subtasks.UpdateStatus(ctx, sub.ID(), analysis.SubtaskStatusPulled, analysis.SubtaskStatusExecuting, zeroTime)
	if err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("mark subtask executing: %w", err)
	}
	if !changed {
		a.metrics.IncLostRaces(ctx, "execute")
		return statemachine.TransitResult{State: to, Changed: false}, nil
	}

	statusEvt := analysis.NewSubtaskStatusChangedEvent(sub, analysis.SubtaskStatusPulled, analysis.SubtaskStatusExecuting)
	if err := a.publisher.PublishDomainEvent(ctx, statusEvt, events.WithKey(sub.ID().String())); err != nil {
		a.logger.Error(ctx, "failed to publish subtask status change", "subtask_id", sub.ID(), "error", err)
	}
	return statemachine.TransitResult{State: to, Changed: true}, nil
}
