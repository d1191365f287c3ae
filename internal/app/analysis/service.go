package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
	"github.com/quarryscan/quarry/internal/statemachine"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// Options holds the scheduling knobs the service and monitor run with.
type Options struct {
	// MaxExecuteTimes is how many pulls a subtask gets before escalation.
	MaxExecuteTimes int

	// MaxTaskDuration is the execution deadline stamped on each pull.
	MaxTaskDuration time.Duration

	// PullRetries bounds how many queue heads a single pull inspects before
	// reporting an empty queue.
	PullRetries int

	// HeartbeatTimeout is how long a running subtask may go without a
	// heartbeat before a pull may reclaim it.
	HeartbeatTimeout time.Duration
}

// ScanService is the application facade over the subtask lifecycle. All writes
// to subtask state flow through the state machine so the transition table in
// one place governs what the system can do.
type ScanService struct {
	repos    Repositories
	machine  *statemachine.StateMachine
	notifier *projectNotifier

	quota analysis.ProjectConfigService
	creds analysis.CredentialsResolver

	publisher events.DomainEventPublisher
	logger    *logger.Logger
	tracer    trace.Tracer
	metrics   SchedulerMetrics

	opts Options
}

// NewScanService wires the scheduler facade and its state machine.
func NewScanService(
	repos Repositories,
	quota analysis.ProjectConfigService,
	locker analysis.ProjectLocker,
	creds analysis.CredentialsResolver,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SchedulerMetrics,
	opts Options,
) *ScanService {
	log = log.With("component", "scan_service")
	notifier := newProjectNotifier(repos.Subtasks, quota, locker, log, metrics)
	return &ScanService{
		repos:     repos,
		machine:   newSubtaskStateMachine(repos, notifier, publisher, log, metrics),
		notifier:  notifier,
		quota:     quota,
		creds:     creds,
		publisher: publisher,
		logger:    log,
		tracer:    tracer,
		metrics:   metrics,
		opts:      opts,
	}
}

// SubmitScanTask creates the parent task and admits one subtask per node.
// Nodes whose content hash already has a cached result for the task's scanner
// finish immediately without occupying a slot; the rest split into CREATED and
// BLOCKED by the project's free admission capacity.
func (s *ScanService) SubmitScanTask(ctx context.Context, task *analysis.ScanTask, nodes []analysis.Node) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.submit_scan_task",
		trace.WithAttributes(
			attribute.String("task_id", task.ID().String()),
			attribute.String("project_id", task.ProjectID()),
			attribute.Int("node_count", len(nodes)),
		),
	)
	defer span.End()

	if err := s.repos.Tasks.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan task")
		return fmt.Errorf("create scan task: %w", err)
	}
	if _, err := s.repos.Tasks.UpdateStatus(ctx, task.ID(), analysis.ScanTaskStatusPending, analysis.ScanTaskStatusSubmitting); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark task submitting")
		return fmt.Errorf("mark task submitting: %w", err)
	}

	fresh, reused, err := s.partitionNodes(ctx, task, nodes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to partition nodes")
		return err
	}
	span.SetAttributes(attribute.Int("reused_count", len(reused)))

	if err := s.admit(ctx, task, fresh); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to admit subtasks")
		return err
	}

	for _, r := range reused {
		evt := statemachine.Event{
			Name: analysis.SubtaskEventSuccess.String(),
			Context: finishContext{
				subtask:     r.subtask,
				overview:    r.overview,
				qualityPass: r.qualityPass,
				reuse:       true,
			},
		}
		if _, err := s.machine.SendEvent(ctx, analysis.SubtaskStatusNeverScanned.String(), evt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to record reused result")
			return fmt.Errorf("record reused result: %w", err)
		}
	}

	if _, err := s.repos.Tasks.UpdateStatus(ctx, task.ID(), analysis.ScanTaskStatusSubmitting, analysis.ScanTaskStatusSubmitted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark task submitted")
		return fmt.Errorf("mark task submitted: %w", err)
	}

	// Every node may have been served from cache, in which case no finish
	// will ever drain the task.
	if err := s.finishTaskIfDrained(ctx, task.ID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish drained task")
		return err
	}

	s.logger.Info(ctx, "submitted scan task",
		"task_id", task.ID(),
		"project_id", task.ProjectID(),
		"nodes", len(nodes),
		"reused", len(reused),
	)
	return nil
}

type freshNode struct {
	node     analysis.Node
	credsKey string
}

type reusedNode struct {
	subtask     *analysis.Subtask
	overview    analysis.ResultOverview
	qualityPass *bool
}

// partitionNodes splits the submitted nodes into fresh work and cache hits.
// Quality verdicts for cache hits are re-evaluated against this task's rule,
// since the cached verdict may belong to a different rule.
func (s *ScanService) partitionNodes(
	ctx context.Context,
	task *analysis.ScanTask,
	nodes []analysis.Node,
) (fresh []freshNode, reused []reusedNode, err error) {
	for _, node := range nodes {
		credsKey, err := s.creds.StorageKey(ctx, node.ProjectID, node.RepoName)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve credentials for %s/%s: %w", node.ProjectID, node.RepoName, err)
		}

		overview, _, err := s.repos.Files.Find(ctx, node.SHA256, task.Scanner())
		if err != nil {
			return nil, nil, fmt.Errorf("look up cached result: %w", err)
		}

		if overview != nil {
			qualityPass := task.QualityRule().Evaluate(overview)
			sub := analysis.NewSubtask(task, node, analysis.SubtaskStatusSuccess, credsKey)
			reused = append(reused, reusedNode{subtask: sub, overview: overview, qualityPass: qualityPass})
			if err := s.seedLatest(ctx, sub, analysis.SubtaskStatusSuccess, overview, qualityPass); err != nil {
				return nil, nil, err
			}
			continue
		}
		fresh = append(fresh, freshNode{node: node, credsKey: credsKey})
	}
	return fresh, reused, nil
}

func (s *ScanService) seedLatest(
	ctx context.Context,
	sub *analysis.Subtask,
	status analysis.SubtaskStatus,
	overview analysis.ResultOverview,
	qualityPass *bool,
) error {
	if sub.PlanID() == nil {
		return nil
	}
	record := analysis.PlanArtifactLatest{
		PlanID:      *sub.PlanID(),
		ProjectID:   sub.ProjectID(),
		RepoName:    sub.RepoName(),
		FullPath:    sub.FullPath(),
		SHA256:      sub.SHA256(),
		SubtaskID:   sub.ID(),
		Status:      status,
		Overview:    overview,
		QualityPass: qualityPass,
		UpdatedAt:   time.Now(),
	}
	if err := s.repos.Latest.Upsert(ctx, record); err != nil {
		return fmt.Errorf("seed latest artifact index: %w", err)
	}
	return nil
}

// admit splits fresh nodes into free admission slots and the blocked backlog
// under the project's lock, then fires one CREATE and one BLOCK batch through
// the machine.
func (s *ScanService) admit(ctx context.Context, task *analysis.ScanTask, fresh []freshNode) error {
	if len(fresh) == 0 {
		return nil
	}

	_, err := s.notifier.locker.WithLock(ctx, task.ProjectID(), func(ctx context.Context) error {
		limit, err := s.quota.SubtaskCountLimit(ctx, task.ProjectID())
		if err != nil {
			return fmt.Errorf("resolve subtask count limit: %w", err)
		}
		scanning, err := s.repos.Subtasks.CountScanning(ctx, task.ProjectID())
		if err != nil {
			return fmt.Errorf("count scanning subtasks: %w", err)
		}

		free := limit - scanning
		if free < 0 {
			free = 0
		}
		if free > int64(len(fresh)) {
			free = int64(len(fresh))
		}

		var created, blocked []*analysis.Subtask
		for i, fn := range fresh {
			status := analysis.SubtaskStatusBlocked
			if int64(i) < free {
				status = analysis.SubtaskStatusCreated
			}
			sub := analysis.NewSubtask(task, fn.node, status, fn.credsKey)
			if status == analysis.SubtaskStatusCreated {
				created = append(created, sub)
			} else {
				blocked = append(blocked, sub)
			}
		}

		// The latest index is seeded only once the batch insert went through,
		// so a failed admission leaves no index rows pointing at subtasks that
		// never existed.
		if len(created) > 0 {
			evt := statemachine.Event{
				Name:    analysis.SubtaskEventCreate.String(),
				Context: createContext{task: task, subtasks: created},
			}
			if _, err := s.machine.SendEvent(ctx, analysis.SubtaskStatusNeverScanned.String(), evt); err != nil {
				return fmt.Errorf("admit created batch: %w", err)
			}
			for _, sub := range created {
				if err := s.seedLatest(ctx, sub, analysis.SubtaskStatusCreated, nil, nil); err != nil {
					return err
				}
			}
		}
		if len(blocked) > 0 {
			evt := statemachine.Event{
				Name:    analysis.SubtaskEventBlock.String(),
				Context: createContext{task: task, subtasks: blocked},
			}
			if _, err := s.machine.SendEvent(ctx, analysis.SubtaskStatusNeverScanned.String(), evt); err != nil {
				return fmt.Errorf("admit blocked batch: %w", err)
			}
			for _, sub := range blocked {
				if err := s.seedLatest(ctx, sub, analysis.SubtaskStatusBlocked, nil, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return err
}

// PullSubtask hands the oldest dispatchable subtask for the given scanner to a
// worker. Subtasks that already spent their execution budget are escalated to
// a terminal status instead of being handed out again. Returns
// ErrNoSubtaskAvailable when the queue is empty for this scanner.
func (s *ScanService) PullSubtask(ctx context.Context, scanner string) (*analysis.Subtask, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.pull_subtask",
		trace.WithAttributes(attribute.String("scanner", scanner)),
	)
	defer span.End()

	for attempt := 0; attempt < s.opts.PullRetries; attempt++ {
		sub, err := s.repos.Subtasks.OldestCreated(ctx, scanner)
		if errors.Is(err, analysis.ErrNoSubtaskAvailable) {
			// Fall back to a subtask whose worker went quiet; requeueing it
			// makes it dispatchable on the next loop iteration.
			reclaimed, rerr := s.reclaimTimedOut(ctx, scanner)
			if rerr != nil {
				span.RecordError(rerr)
				return nil, rerr
			}
			if !reclaimed {
				return nil, analysis.ErrNoSubtaskAvailable
			}
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read queue head")
			return nil, fmt.Errorf("read queue head: %w", err)
		}

		if sub.ExecutedTimes() >= s.opts.MaxExecuteTimes {
			if err := s.escalate(ctx, sub); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to escalate exhausted subtask")
				return nil, err
			}
			continue
		}

		timeoutAt := time.Now().Add(s.opts.MaxTaskDuration)
		evt := statemachine.Event{
			Name:    analysis.SubtaskEventPull.String(),
			Context: pullContext{subtask: sub, timeoutAt: timeoutAt},
		}
		result, err := s.machine.SendEvent(ctx, sub.Status().String(), evt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to pull subtask")
			return nil, fmt.Errorf("pull subtask: %w", err)
		}
		if !result.Changed {
			// Another worker won the head; try the next one.
			continue
		}

		span.SetAttributes(attribute.String("subtask_id", sub.ID().String()))
		return s.repos.Subtasks.GetByID(ctx, sub.ID())
	}
	return nil, analysis.ErrNoSubtaskAvailable
}

// StartSubtask acknowledges that a worker began scanning a pulled subtask.
// Returns false without error when the acknowledgement lost a race.
func (s *ScanService) StartSubtask(ctx context.Context, subtaskID uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.start_subtask",
		trace.WithAttributes(attribute.String("subtask_id", subtaskID.String())),
	)
	defer span.End()

	sub, err := s.repos.Subtasks.GetByID(ctx, subtaskID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if sub.Status() == analysis.SubtaskStatusExecuting {
		return false, nil
	}

	evt := statemachine.Event{
		Name:    analysis.SubtaskEventExecute.String(),
		Context: subtaskContext{subtask: sub},
	}
	result, err := s.machine.SendEvent(ctx, sub.Status().String(), evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start subtask")
		return false, fmt.Errorf("start subtask: %w", err)
	}
	return result.Changed, nil
}

// Heartbeat refreshes a running subtask's liveness stamp. Returns false when
// the subtask is no longer running, which tells the worker to abandon it.
func (s *ScanService) Heartbeat(ctx context.Context, subtaskID uuid.UUID) (bool, error) {
	return s.repos.Subtasks.UpdateHeartbeat(ctx, subtaskID)
}

// ReportDispatchFailure returns a pulled subtask to the queue after its
// dispatch channel reported delivery failure.
func (s *ScanService) ReportDispatchFailure(ctx context.Context, subtaskID uuid.UUID) error {
	sub, err := s.repos.Subtasks.GetByID(ctx, subtaskID)
	if err != nil {
		return err
	}
	evt := statemachine.Event{
		Name:    analysis.SubtaskEventDispatchFailed.String(),
		Context: subtaskContext{subtask: sub},
	}
	if _, err := s.machine.SendEvent(ctx, sub.Status().String(), evt); err != nil {
		return fmt.Errorf("requeue after dispatch failure: %w", err)
	}
	return nil
}

// ReportResult records a worker's scan outcome. The raw findings are
// normalized into overview counters and evaluated against the subtask's
// quality rule; the subtask then finishes as SUCCESS or FAILED. A duplicate
// report is a silent no-op.
func (s *ScanService) ReportResult(ctx context.Context, subtaskID uuid.UUID, success bool, result *analysis.ScannerResult) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.report_result",
		trace.WithAttributes(
			attribute.String("subtask_id", subtaskID.String()),
			attribute.Bool("success", success),
		),
	)
	defer span.End()

	sub, err := s.repos.Subtasks.GetByID(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, analysis.ErrSubtaskNotFound) {
			// Already finished by a racing reporter or the monitor.
			return nil
		}
		span.RecordError(err)
		return err
	}

	var overview analysis.ResultOverview
	if result != nil {
		result.Normalize()
		overview = analysis.ConvertOverview(result)
	}

	status := analysis.SubtaskStatusFailed
	var qualityPass *bool
	if success {
		status = analysis.SubtaskStatusSuccess
		qualityPass = sub.QualityRule().Evaluate(overview)
	}

	if err := s.finish(ctx, sub, status, overview, qualityPass); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish subtask")
		return err
	}
	return nil
}

// StopSubtask cancels a single live subtask. Unknown subtasks are a no-op,
// since the stop may race a finish.
func (s *ScanService) StopSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	sub, err := s.repos.Subtasks.GetByID(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, analysis.ErrSubtaskNotFound) {
			return nil
		}
		return err
	}
	return s.finish(ctx, sub, analysis.SubtaskStatusStopped, nil, nil)
}

// StopTask cancels a submitted task and every live subtask under it.
func (s *ScanService) StopTask(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.stop_task",
		trace.WithAttributes(attribute.String("task_id", taskID.String())),
	)
	defer span.End()

	changed, err := s.repos.Tasks.UpdateStatus(ctx, taskID, analysis.ScanTaskStatusSubmitted, analysis.ScanTaskStatusStopping)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark task stopping: %w", err)
	}
	if !changed {
		// Already stopping, stopped or finished.
		return nil
	}

	live, err := s.repos.Subtasks.ListByParent(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list live subtasks: %w", err)
	}
	for _, sub := range live {
		if err := s.finish(ctx, sub, analysis.SubtaskStatusStopped, nil, nil); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if _, err := s.repos.Tasks.UpdateStatus(ctx, taskID, analysis.ScanTaskStatusStopping, analysis.ScanTaskStatusStopped); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark task stopped: %w", err)
	}

	stopped, err := s.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reload stopped task: %w", err)
	}
	finishedEvt := analysis.NewScanTaskFinishedEvent(stopped)
	if err := s.publisher.PublishDomainEvent(ctx, finishedEvt, events.WithKey(taskID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish task finished event", "task_id", taskID, "error", err)
	}

	s.logger.Info(ctx, "stopped scan task", "task_id", taskID, "cancelled_subtasks", len(live))
	return nil
}

// GetTask returns the parent task with its current counters.
func (s *ScanService) GetTask(ctx context.Context, taskID uuid.UUID) (*analysis.ScanTask, error) {
	return s.repos.Tasks.Get(ctx, taskID)
}

// GetSubtask returns a live subtask by id.
func (s *ScanService) GetSubtask(ctx context.Context, subtaskID uuid.UUID) (*analysis.Subtask, error) {
	return s.repos.Subtasks.GetByID(ctx, subtaskID)
}

// NotifyProject promotes blocked subtasks of a project into freed slots by
// firing a NOTIFY event through the machine.
func (s *ScanService) NotifyProject(ctx context.Context, projectID string) (int, error) {
	var promoted int
	evt := statemachine.Event{
		Name:    analysis.SubtaskEventNotify.String(),
		Context: notifyContext{projectID: projectID, promoted: &promoted},
	}
	if _, err := s.machine.SendEvent(ctx, analysis.SubtaskStatusBlocked.String(), evt); err != nil {
		return 0, fmt.Errorf("notify project %s: %w", projectID, err)
	}
	return promoted, nil
}

// finish fires the terminal event for the given status from the subtask's
// current state.
func (s *ScanService) finish(
	ctx context.Context,
	sub *analysis.Subtask,
	status analysis.SubtaskStatus,
	overview analysis.ResultOverview,
	qualityPass *bool,
) error {
	event, err := analysis.FinishEventOf(status)
	if err != nil {
		return err
	}
	evt := statemachine.Event{
		Name: event.String(),
		Context: finishContext{
			subtask:     sub,
			overview:    overview,
			qualityPass: qualityPass,
		},
	}
	if _, err := s.machine.SendEvent(ctx, sub.Status().String(), evt); err != nil {
		return fmt.Errorf("finish subtask %s as %s: %w", sub.ID(), status, err)
	}
	return nil
}

// escalate finishes a subtask that exhausted its retry budget or outlived the
// task deadline. A subtask that was in a worker's hands times out; one that
// never left the queue fails.
func (s *ScanService) escalate(ctx context.Context, sub *analysis.Subtask) error {
	status := analysis.SubtaskStatusFailed
	if sub.WasRunning() {
		status = analysis.SubtaskStatusTimeout
	}
	s.metrics.IncTimeouts(ctx)
	s.logger.Info(ctx, "escalating subtask to a terminal status",
		"subtask_id", sub.ID(),
		"executed_times", sub.ExecutedTimes(),
		"age", time.Since(sub.CreatedAt()),
		"status", status,
	)
	return s.finish(ctx, sub, status, nil, nil)
}

// reclaimTimedOut requeues or escalates one timed-out subtask for the given
// scanner. Returns true when a subtask was handled, meaning a retrying pull is
// worthwhile.
func (s *ScanService) reclaimTimedOut(ctx context.Context, scanner string) (bool, error) {
	stalled, err := s.repos.Subtasks.FindTimedOut(ctx, s.opts.HeartbeatTimeout, 1)
	if err != nil {
		return false, fmt.Errorf("find timed out subtasks: %w", err)
	}
	for _, sub := range stalled {
		if sub.Scanner() != scanner {
			continue
		}
		if err := s.retryOrEscalate(ctx, sub); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// finishTaskIfDrained flips a fully-drained task to FINISHED and announces it.
// Needed on the submit path because an all-cache-hit task never sees a subtask
// finish.
func (s *ScanService) finishTaskIfDrained(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Drained() {
		return nil
	}
	changed, err := s.repos.Tasks.UpdateStatus(ctx, taskID, analysis.ScanTaskStatusSubmitted, analysis.ScanTaskStatusFinished)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if !changed {
		return nil
	}
	finished, err := s.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload finished task: %w", err)
	}
	finishedEvt := analysis.NewScanTaskFinishedEvent(finished)
	if err := s.publisher.PublishDomainEvent(ctx, finishedEvt, events.WithKey(taskID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish task finished event", "task_id", taskID, "error", err)
	}
	return nil
}

// retryOrEscalate requeues a presumed-dead subtask, or escalates it once the
// execution budget is spent or the subtask has outlived the task deadline
// measured from its creation.
func (s *ScanService) retryOrEscalate(ctx context.Context, sub *analysis.Subtask) error {
	if sub.ExecutedTimes() >= s.opts.MaxExecuteTimes || time.Since(sub.CreatedAt()) > s.opts.MaxTaskDuration {
		return s.escalate(ctx, sub)
	}
	evt := statemachine.Event{
		Name:    analysis.SubtaskEventRetry.String(),
		Context: subtaskContext{subtask: sub},
	}
	if _, err := s.machine.SendEvent(ctx, sub.Status().String(), evt); err != nil {
		return fmt.Errorf("retry subtask %s: %w", sub.ID(), err)
	}
	return nil
}
