package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryscan/quarry/internal/domain/analysis"
)

func defaultOptions() Options {
	return Options{
		MaxExecuteTimes:  3,
		MaxTaskDuration:  2 * time.Hour,
		PullRetries:      3,
		HeartbeatTimeout: 15 * time.Minute,
	}
}

func makeNodes(projectID string, n int) []analysis.Node {
	nodes := make([]analysis.Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, analysis.Node{
			ProjectID: projectID,
			RepoName:  "generic-local",
			FullPath:  "/release/pkg-" + string(rune('a'+i)) + ".tar.gz",
			SHA256:    "sha-" + string(rune('a'+i)),
			Size:      1024,
		})
	}
	return nodes
}

func countByStatus(t *testing.T, h *testHarness, taskID uuid.UUID, status analysis.SubtaskStatus) int {
	t.Helper()
	subs, err := h.subtasks.ListByParent(context.Background(), taskID)
	require.NoError(t, err)
	var n int
	for _, sub := range subs {
		if sub.Status() == status {
			n++
		}
	}
	return n
}

func TestSubmitScanTask_SplitsByQuota(t *testing.T) {
	h := newTestHarness(3, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 5)))

	assert.Equal(t, 3, countByStatus(t, h, task.ID(), analysis.SubtaskStatusCreated))
	assert.Equal(t, 2, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, analysis.ScanTaskStatusSubmitted, got.Status())
	assert.Equal(t, int64(5), got.Total())
	assert.Equal(t, int64(5), got.Scanning())
}

func TestSubmitScanTask_ReusesCachedResults(t *testing.T) {
	h := newTestHarness(1, defaultOptions())
	ctx := context.Background()

	nodes := makeNodes("proj-a", 2)
	cached := analysis.ResultOverview{analysis.OverviewKeyCveCriticalCount: 2}
	require.NoError(t, h.files.Upsert(ctx, nodes[0].SHA256, "trivy", cached, nil))

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, nodes))

	// The cache hit never occupied the single slot, so the fresh node is
	// dispatchable rather than blocked.
	assert.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusCreated))
	assert.Equal(t, 0, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Total())
	assert.Equal(t, int64(1), got.Scanning())
	assert.Equal(t, int64(1), got.Scanned())
	assert.Equal(t, int64(2), got.ResultOverview().Get(analysis.OverviewKeyCveCriticalCount))
}

func TestSubmitScanTask_AllCacheHitsFinishTask(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	nodes := makeNodes("proj-a", 2)
	for _, node := range nodes {
		require.NoError(t, h.files.Upsert(ctx, node.SHA256, "trivy", analysis.ResultOverview{}, nil))
	}

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, nodes))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, analysis.ScanTaskStatusFinished, got.Status())
	assert.False(t, got.FinishedAt().IsZero())

	finished := h.publisher.byType(analysis.EventTypeScanTaskFinished)
	require.Len(t, finished, 1)
}

func TestPullSubtask_ClaimsOldest(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 2)))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)
	assert.Equal(t, analysis.SubtaskStatusPulled, sub.Status())
	assert.Equal(t, 1, sub.ExecutedTimes())
	assert.False(t, sub.TimeoutAt().IsZero())
}

func TestPullSubtask_EmptyQueue(t *testing.T) {
	h := newTestHarness(10, defaultOptions())

	_, err := h.service.PullSubtask(context.Background(), "trivy")
	assert.ErrorIs(t, err, analysis.ErrNoSubtaskAvailable)
}

func TestPullSubtask_EscalatesExhaustedBudget(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.tasks.Create(ctx, task))
	require.NoError(t, h.tasks.IncrementScanning(ctx, task.ID(), 1))

	spent := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/pkg.tar.gz", "sha-x", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusCreated, 3,
		time.Now().Add(-time.Hour), time.Time{}, time.Time{}, time.Time{},
	)
	h.subtasks.insert(spent)

	_, err := h.service.PullSubtask(ctx, "trivy")
	assert.ErrorIs(t, err, analysis.ErrNoSubtaskAvailable)

	record, ok := h.archive.get(spent.ID())
	require.True(t, ok)
	// Never handed to a worker, so the budget escalation is a failure rather
	// than a timeout.
	assert.Equal(t, analysis.SubtaskStatusFailed, record.Status)
}

func TestPullSubtask_ReclaimsTimedOutSubtask(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.tasks.Create(ctx, task))
	require.NoError(t, h.tasks.IncrementScanning(ctx, task.ID(), 1))

	abandoned := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/pkg.tar.gz", "sha-x", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusPulled, 1,
		time.Now().Add(-time.Hour), time.Time{}, time.Now().Add(-30*time.Minute), time.Now().Add(time.Hour),
	)
	h.subtasks.insert(abandoned)

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)
	assert.Equal(t, abandoned.ID(), sub.ID())
	assert.Equal(t, analysis.SubtaskStatusPulled, sub.Status())
	assert.Equal(t, 2, sub.ExecutedTimes())
}

func TestReportResult_FinishesAndPromotesBlocked(t *testing.T) {
	h := newTestHarness(1, defaultOptions())
	ctx := context.Background()

	rule := analysis.QualityRule{analysis.OverviewKeyCveCriticalCount: 0}
	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, rule, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 2)))
	require.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)
	started, err := h.service.StartSubtask(ctx, sub.ID())
	require.NoError(t, err)
	assert.True(t, started)

	result := &analysis.ScannerResult{
		SecurityResults: []analysis.SecurityFinding{
			{VulnerabilityID: "CVE-2024-0001", Severity: analysis.SeverityCritical, Component: "openssl"},
		},
	}
	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), true, result))

	record, ok := h.archive.get(sub.ID())
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusSuccess, record.Status)
	assert.Equal(t, int64(1), record.Overview.Get(analysis.OverviewKeyCveCriticalCount))
	require.NotNil(t, record.QualityPass)
	assert.False(t, *record.QualityPass)

	// The freed slot wakes the blocked subtask.
	assert.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusCreated))
	assert.Equal(t, 0, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Scanned())
	assert.Equal(t, int64(1), got.Scanning())

	// The successful outcome also lands in the per-content cache.
	cached, _, err := h.files.Find(ctx, sub.SHA256(), "trivy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Get(analysis.OverviewKeyCveCriticalCount))
}

func TestReportResult_DuplicateIsNoOp(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 1)))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)

	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), true, nil))
	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), false, nil))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Scanned())
	assert.Equal(t, int64(0), got.Failed())
	assert.Equal(t, int64(0), got.Scanning())
	assert.Equal(t, analysis.ScanTaskStatusFinished, got.Status())
}

func TestReportResult_FailureCountsAgainstTask(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 1)))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)
	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), false, nil))

	record, ok := h.archive.get(sub.ID())
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusFailed, record.Status)
	assert.Nil(t, record.QualityPass)

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Failed())
}

func TestStopTask_CancelsLiveSubtasks(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 3)))

	require.NoError(t, h.service.StopTask(ctx, task.ID()))

	got, err := h.tasks.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, analysis.ScanTaskStatusStopped, got.Status())

	live, err := h.subtasks.ListByParent(ctx, task.ID())
	require.NoError(t, err)
	assert.Empty(t, live)

	finished := h.publisher.byType(analysis.EventTypeScanTaskFinished)
	require.Len(t, finished, 1)
	evt, ok := finished[0].(analysis.ScanTaskFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, analysis.ScanTaskStatusStopped, evt.Status)

	// Stopping an already stopped task is a no-op.
	require.NoError(t, h.service.StopTask(ctx, task.ID()))
}

func TestRetryOrEscalate_RequeuesWithinBudget(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 1)))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)
	require.NoError(t, h.service.retryOrEscalate(ctx, sub))

	requeued, err := h.subtasks.GetByID(ctx, sub.ID())
	require.NoError(t, err)
	assert.Equal(t, analysis.SubtaskStatusCreated, requeued.Status())
	assert.True(t, requeued.TimeoutAt().IsZero())
	assert.True(t, requeued.HeartbeatAt().IsZero())
}

func TestRetryOrEscalate_TimesOutRunningSubtask(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.tasks.Create(ctx, task))
	require.NoError(t, h.tasks.IncrementScanning(ctx, task.ID(), 1))

	running := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/pkg.tar.gz", "sha-x", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusExecuting, 3,
		time.Now().Add(-time.Hour), time.Now().Add(-time.Hour), time.Now().Add(-30*time.Minute), time.Now().Add(-time.Minute),
	)
	h.subtasks.insert(running)

	require.NoError(t, h.service.retryOrEscalate(ctx, running))

	record, ok := h.archive.get(running.ID())
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusTimeout, record.Status)
}

func TestRetryOrEscalate_TimesOutOverdueSubtask(t *testing.T) {
	opts := defaultOptions()
	opts.MaxTaskDuration = time.Hour
	h := newTestHarness(10, opts)
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.tasks.Create(ctx, task))
	require.NoError(t, h.tasks.IncrementScanning(ctx, task.ID(), 1))

	// Only one attempt spent, but the subtask has outlived the task deadline
	// measured from its creation.
	overdue := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/pkg.tar.gz", "sha-x", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusExecuting, 1,
		time.Now().Add(-2*time.Hour), time.Now().Add(-90*time.Minute), time.Now().Add(-30*time.Minute), time.Now().Add(-time.Minute),
	)
	h.subtasks.insert(overdue)

	require.NoError(t, h.service.retryOrEscalate(ctx, overdue))

	record, ok := h.archive.get(overdue.ID())
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusTimeout, record.Status)

	_, err := h.subtasks.GetByID(ctx, overdue.ID())
	assert.ErrorIs(t, err, analysis.ErrSubtaskNotFound)
}

func TestReportResult_MirrorsOutcomeToLatestProjection(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	rule := analysis.QualityRule{analysis.OverviewKeyCveCriticalCount: 0}
	plan := &analysis.ScanPlan{
		ID:          uuid.New(),
		ProjectID:   "proj-a",
		Name:        "release-gate",
		Scanner:     "trivy",
		QualityRule: rule,
		Overview:    analysis.ResultOverview{},
	}
	h.plans.insert(plan)

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", &plan.ID, rule, nil)
	nodes := makeNodes("proj-a", 1)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, nodes))

	seeded, ok := h.latest.get(plan.ID, nodes[0].RepoName, nodes[0].FullPath)
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusCreated, seeded.Status)

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)

	result := &analysis.ScannerResult{
		SecurityResults: []analysis.SecurityFinding{
			{VulnerabilityID: "CVE-2024-0002", Severity: analysis.SeverityCritical, Component: "zlib"},
		},
	}
	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), true, result))

	// The projection carries the full outcome, not just the status flip.
	mirrored, ok := h.latest.get(plan.ID, nodes[0].RepoName, nodes[0].FullPath)
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusSuccess, mirrored.Status)
	assert.Equal(t, int64(1), mirrored.Overview.Get(analysis.OverviewKeyCveCriticalCount))
	require.NotNil(t, mirrored.QualityPass)
	assert.False(t, *mirrored.QualityPass)

	got, err := h.plans.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Overview.Get(analysis.OverviewKeyCveCriticalCount))
}

func TestNotifyProject_PromotesBlocked(t *testing.T) {
	h := newTestHarness(1, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 2)))
	require.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusCreated))
	require.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))

	// The single slot is still occupied, so nothing wakes up.
	promoted, err := h.service.NotifyProject(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	subs, err := h.subtasks.ListByParent(ctx, task.ID())
	require.NoError(t, err)
	for _, sub := range subs {
		if sub.Status() == analysis.SubtaskStatusCreated {
			_, err := h.subtasks.Delete(ctx, sub.ID())
			require.NoError(t, err)
		}
	}

	promoted, err = h.service.NotifyProject(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, countByStatus(t, h, task.ID(), analysis.SubtaskStatusCreated))
	assert.Equal(t, 0, countByStatus(t, h, task.ID(), analysis.SubtaskStatusBlocked))
}

func TestSubmitScanTask_FailedAdmissionDoesNotSeedLatest(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	planID := uuid.New()
	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", &planID, nil, nil)
	nodes := makeNodes("proj-a", 1)

	h.subtasks.failCreate = errors.New("insert failed")
	require.Error(t, h.service.SubmitScanTask(ctx, task, nodes))

	_, ok := h.latest.get(planID, nodes[0].RepoName, nodes[0].FullPath)
	assert.False(t, ok, "failed admission must not leave index rows behind")
}

func TestHeartbeat(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.service.SubmitScanTask(ctx, task, makeNodes("proj-a", 1)))

	sub, err := h.service.PullSubtask(ctx, "trivy")
	require.NoError(t, err)

	alive, err := h.service.Heartbeat(ctx, sub.ID())
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, h.service.ReportResult(ctx, sub.ID(), true, nil))
	alive, err = h.service.Heartbeat(ctx, sub.ID())
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestMonitorSweep_HandlesStalledSubtasks(t *testing.T) {
	h := newTestHarness(10, defaultOptions())
	ctx := context.Background()

	task := analysis.NewScanTask("proj-a", "trivy", "MANUAL", nil, nil, nil)
	require.NoError(t, h.tasks.Create(ctx, task))
	require.NoError(t, h.tasks.IncrementScanning(ctx, task.ID(), 2))

	dead := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/dead.tar.gz", "sha-dead", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusPulled, 1,
		time.Now().Add(-time.Hour), time.Time{}, time.Now().Add(-30*time.Minute), time.Now().Add(time.Hour),
	)
	stale := analysis.ReconstructSubtask(
		uuid.New(), task.ID(), nil,
		"proj-a", "generic-local", "/release/stale.tar.gz", "sha-stale", 1024,
		"trivy", "default-store", nil, map[string]string{},
		analysis.SubtaskStatusBlocked, 0,
		time.Now().Add(-48*time.Hour), time.Time{}, time.Time{}, time.Time{},
	)
	h.subtasks.insert(dead)
	h.subtasks.insert(stale)

	monitor := NewMonitor(h.service, h.subtasks, h.service.logger, noopMetrics{}, MonitorOptions{
		Interval:         time.Second,
		BatchSize:        100,
		Rate:             1000,
		HeartbeatTimeout: 15 * time.Minute,
		BlockTimeout:     24 * time.Hour,
	})
	monitor.sweep(ctx)

	// The dead worker's subtask still has retry budget, so it is requeued.
	requeued, err := h.subtasks.GetByID(ctx, dead.ID())
	require.NoError(t, err)
	assert.Equal(t, analysis.SubtaskStatusCreated, requeued.Status())

	// The long-blocked subtask is finished as a timeout.
	record, ok := h.archive.get(stale.ID())
	require.True(t, ok)
	assert.Equal(t, analysis.SubtaskStatusTimeout, record.Status)
}
