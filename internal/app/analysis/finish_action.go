package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
	"github.com/quarryscan/quarry/internal/statemachine"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// finishAction moves a subtask into a terminal status. The live-queue delete
// doubles as the idempotence guard: whichever caller deletes the row performs
// the bookkeeping, every other caller observes a lost race and stops. On the
// reuse path (NEVER_SCANNED to SUCCESS) there is no live row and the guard is
// skipped, since the subtask was born finished inside the submit transaction.
type finishAction struct {
	subtasks analysis.SubtaskRepository
	tasks    analysis.ScanTaskRepository
	plans    analysis.ScanPlanRepository
	archive  analysis.ArchiveRepository
	latest   analysis.LatestRepository
	files    analysis.FileResultRepository

	notifier  *projectNotifier
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	metrics   SchedulerMetrics
}

func (a *finishAction) Support(from, to, event string) bool {
	target := analysis.SubtaskStatus(to)
	if !target.IsTerminal() || event != to {
		return false
	}
	source := analysis.SubtaskStatus(from)
	if source == analysis.SubtaskStatusNeverScanned {
		// Only a cache hit finishes a subtask that never entered the queue.
		return target == analysis.SubtaskStatusSuccess
	}
	return source.IsRunning() || source == analysis.SubtaskStatusBlocked
}

func (a *finishAction) Execute(ctx context.Context, from, to string, evt statemachine.Event) (statemachine.TransitResult, error) {
	fc, ok := evt.Context.(finishContext)
	if !ok {
		return statemachine.TransitResult{}, fmt.Errorf("unexpected context type %T for event %s", evt.Context, evt.Name)
	}
	sub := fc.subtask
	status := analysis.SubtaskStatus(to)

	if !fc.reuse {
		deleted, err := a.subtasks.Delete(ctx, sub.ID())
		if err != nil {
			return statemachine.TransitResult{}, fmt.Errorf("delete subtask: %w", err)
		}
		if !deleted {
			a.metrics.IncLostRaces(ctx, "finish")
			a.logger.Debug(ctx, "subtask already finished elsewhere", "subtask_id", sub.ID(), "status", to)
			return statemachine.TransitResult{State: to, Changed: false}, nil
		}
	}

	if err := a.archive.Create(ctx, analysis.ArchiveSubtask(sub, status, fc.overview, fc.qualityPass)); err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("archive subtask: %w", err)
	}

	if status == analysis.SubtaskStatusSuccess && !fc.reuse && sub.SHA256() != "" {
		if err := a.files.Upsert(ctx, sub.SHA256(), sub.Scanner(), fc.overview, fc.qualityPass); err != nil {
			return statemachine.TransitResult{}, fmt.Errorf("cache file result: %w", err)
		}
	}

	if sub.PlanID() != nil {
		// Superseded subtasks fall out of the latest index; a no-op here is
		// fine.
		if _, err := a.latest.UpdateStatus(ctx, sub.ID(), status, fc.overview, fc.qualityPass); err != nil {
			return statemachine.TransitResult{}, fmt.Errorf("mirror latest artifact status: %w", err)
		}
		if status == analysis.SubtaskStatusSuccess && len(fc.overview) > 0 {
			if err := a.plans.MergeOverview(ctx, *sub.PlanID(), fc.overview); err != nil {
				return statemachine.TransitResult{}, fmt.Errorf("merge plan overview: %w", err)
			}
		}
	}

	update := analysis.ScanResultUpdate{
		Count:       1,
		Overview:    fc.overview,
		Success:     status == analysis.SubtaskStatusSuccess,
		ReuseResult: fc.reuse,
	}
	if fc.qualityPass != nil && *fc.qualityPass {
		update.PassCount = 1
	}
	if err := a.tasks.UpdateScanResult(ctx, sub.ParentTaskID(), update); err != nil {
		return statemachine.TransitResult{}, fmt.Errorf("update task result: %w", err)
	}

	if !fc.reuse {
		// A slot just freed up; wake the project's blocked backlog.
		if _, err := a.notifier.NotifyProject(ctx, sub.ProjectID()); err != nil {
			a.logger.Error(ctx, "failed to promote blocked subtasks after finish",
				"project_id", sub.ProjectID(), "error", err)
		}
	}

	if err := a.finishTaskIfDrained(ctx, sub); err != nil {
		return statemachine.TransitResult{}, err
	}

	statusEvt := analysis.NewSubtaskStatusChangedEvent(sub, analysis.SubtaskStatus(from), status)
	statusEvt.Overview = fc.overview
	statusEvt.QualityPass = fc.qualityPass
	if err := a.publisher.PublishDomainEvent(ctx, statusEvt, events.WithKey(sub.ID().String())); err != nil {
		a.logger.Error(ctx, "failed to publish subtask status change", "subtask_id", sub.ID(), "error", err)
	}

	a.metrics.IncSubtasksFinished(ctx, to)
	if fc.reuse {
		a.metrics.IncReusedResults(ctx)
	}
	if !sub.StartedAt().IsZero() {
		a.metrics.ObserveScanDuration(ctx, sub.Scanner(), time.Since(sub.StartedAt()))
	}

	a.logger.Info(ctx, "finished subtask",
		"subtask_id", sub.ID(),
		"task_id", sub.ParentTaskID(),
		"status", to,
		"reuse", fc.reuse,
	)
	return statemachine.TransitResult{State: to, Changed: true}, nil
}

// finishTaskIfDrained flips the parent task to FINISHED once submission is
// complete and the last in-flight subtask has drained. The conditional status
// write makes the drain race safe: only one finisher observes the change.
func (a *finishAction) finishTaskIfDrained(ctx context.Context, sub *analysis.Subtask) error {
	task, err := a.tasks.Get(ctx, sub.ParentTaskID())
	if err != nil {
		return fmt.Errorf("load parent task: %w", err)
	}
	if !task.Drained() {
		return nil
	}

	changed, err := a.tasks.UpdateStatus(ctx, task.ID(), analysis.ScanTaskStatusSubmitted, analysis.ScanTaskStatusFinished)
	if err != nil {
		return fmt.Errorf("finish parent task: %w", err)
	}
	if !changed {
		return nil
	}

	finished, err := a.tasks.Get(ctx, task.ID())
	if err != nil {
		return fmt.Errorf("reload finished task: %w", err)
	}
	finishedEvt := analysis.NewScanTaskFinishedEvent(finished)
	if err := a.publisher.PublishDomainEvent(ctx, finishedEvt, events.WithKey(task.ID().String())); err != nil {
		a.logger.Error(ctx, "failed to publish task finished event", "task_id", task.ID(), "error", err)
	}

	a.logger.Info(ctx, "scan task finished",
		"task_id", task.ID(),
		"total", finished.Total(),
		"scanned", finished.Scanned(),
		"failed", finished.Failed(),
	)
	return nil
}
