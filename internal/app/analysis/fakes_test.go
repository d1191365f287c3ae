package analysis

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// In-memory repository fakes mirroring the conditional-write semantics of the
// Postgres stores, so service tests can exercise races and idempotence without
// a database.

type memSubtasks struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*analysis.Subtask
	failCreate error
}

func newMemSubtasks() *memSubtasks {
	return &memSubtasks{rows: make(map[uuid.UUID]*analysis.Subtask)}
}

func (m *memSubtasks) CreateBatch(_ context.Context, subs []*analysis.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		err := m.failCreate
		m.failCreate = nil
		return err
	}
	for _, sub := range subs {
		m.rows[sub.ID()] = sub
	}
	return nil
}

func (m *memSubtasks) GetByID(_ context.Context, id uuid.UUID) (*analysis.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok {
		return nil, analysis.ErrSubtaskNotFound
	}
	return sub, nil
}

func (m *memSubtasks) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *memSubtasks) UpdateStatus(_ context.Context, id uuid.UUID, from, to analysis.SubtaskStatus, timeoutAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok || sub.Status() != from {
		return false, nil
	}
	m.rows[id] = transitioned(sub, to, timeoutAt)
	return true, nil
}

// transitioned applies the same side effects the conditional UPDATE applies in
// Postgres.
func transitioned(sub *analysis.Subtask, to analysis.SubtaskStatus, timeoutAt time.Time) *analysis.Subtask {
	executedTimes := sub.ExecutedTimes()
	startedAt := sub.StartedAt()
	heartbeatAt := time.Time{}
	newTimeout := time.Time{}
	switch to {
	case analysis.SubtaskStatusPulled:
		executedTimes++
		heartbeatAt = time.Now()
		newTimeout = timeoutAt
	case analysis.SubtaskStatusExecuting:
		startedAt = time.Now()
		heartbeatAt = time.Now()
		newTimeout = sub.TimeoutAt()
	}
	return analysis.ReconstructSubtask(
		sub.ID(), sub.ParentTaskID(), sub.PlanID(),
		sub.ProjectID(), sub.RepoName(), sub.FullPath(), sub.SHA256(), sub.Size(),
		sub.Scanner(), sub.CredentialsKey(), sub.QualityRule(), sub.Metadata(),
		to, executedTimes,
		sub.CreatedAt(), startedAt, heartbeatAt, newTimeout,
	)
}

func (m *memSubtasks) PromoteBlocked(_ context.Context, projectID string, limit int32) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var blocked []*analysis.Subtask
	for _, sub := range m.rows {
		if sub.ProjectID() == projectID && sub.Status() == analysis.SubtaskStatusBlocked {
			blocked = append(blocked, sub)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].CreatedAt().Before(blocked[j].CreatedAt()) })
	if int32(len(blocked)) > limit {
		blocked = blocked[:limit]
	}
	ids := make([]uuid.UUID, 0, len(blocked))
	for _, sub := range blocked {
		m.rows[sub.ID()] = transitioned(sub, analysis.SubtaskStatusCreated, time.Time{})
		ids = append(ids, sub.ID())
	}
	return ids, nil
}

func (m *memSubtasks) CountScanning(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, sub := range m.rows {
		if sub.ProjectID() == projectID && sub.Status().IsRunning() {
			n++
		}
	}
	return n, nil
}

func (m *memSubtasks) OldestCreated(_ context.Context, scanner string) (*analysis.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *analysis.Subtask
	for _, sub := range m.rows {
		if sub.Scanner() != scanner || sub.Status() != analysis.SubtaskStatusCreated {
			continue
		}
		if oldest == nil || sub.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = sub
		}
	}
	if oldest == nil {
		return nil, analysis.ErrNoSubtaskAvailable
	}
	return oldest, nil
}

func (m *memSubtasks) ListByParent(_ context.Context, parentID uuid.UUID) ([]*analysis.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*analysis.Subtask
	for _, sub := range m.rows {
		if sub.ParentTaskID() == parentID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memSubtasks) FindTimedOut(_ context.Context, heartbeatTimeout time.Duration, limit int32) ([]*analysis.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-heartbeatTimeout)
	var out []*analysis.Subtask
	for _, sub := range m.rows {
		if !sub.WasRunning() {
			continue
		}
		expired := !sub.TimeoutAt().IsZero() && sub.TimeoutAt().Before(time.Now())
		stale := !sub.HeartbeatAt().IsZero() && sub.HeartbeatAt().Before(cutoff)
		if (expired || stale) && int32(len(out)) < limit {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memSubtasks) FindBlockedTimedOut(_ context.Context, maxAge time.Duration, limit int32) ([]*analysis.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []*analysis.Subtask
	for _, sub := range m.rows {
		if sub.Status() == analysis.SubtaskStatusBlocked && sub.CreatedAt().Before(cutoff) && int32(len(out)) < limit {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memSubtasks) UpdateHeartbeat(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok || !sub.WasRunning() {
		return false, nil
	}
	m.rows[id] = analysis.ReconstructSubtask(
		sub.ID(), sub.ParentTaskID(), sub.PlanID(),
		sub.ProjectID(), sub.RepoName(), sub.FullPath(), sub.SHA256(), sub.Size(),
		sub.Scanner(), sub.CredentialsKey(), sub.QualityRule(), sub.Metadata(),
		sub.Status(), sub.ExecutedTimes(),
		sub.CreatedAt(), sub.StartedAt(), time.Now(), sub.TimeoutAt(),
	)
	return true, nil
}

// insert seeds a row directly, bypassing the machine, for timeout and
// escalation scenarios.
func (m *memSubtasks) insert(sub *analysis.Subtask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sub.ID()] = sub
}

type memTasks struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*analysis.ScanTask
}

func newMemTasks() *memTasks {
	return &memTasks{rows: make(map[uuid.UUID]*analysis.ScanTask)}
}

func (m *memTasks) Create(_ context.Context, task *analysis.ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[task.ID()] = task
	return nil
}

func (m *memTasks) Get(_ context.Context, id uuid.UUID) (*analysis.ScanTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.rows[id]
	if !ok {
		return nil, analysis.ErrTaskNotFound
	}
	return task, nil
}

func (m *memTasks) rebuild(task *analysis.ScanTask, status analysis.ScanTaskStatus, total, scanning, scanned, failed, passed int64, overview analysis.ResultOverview, finishedAt time.Time) *analysis.ScanTask {
	return analysis.ReconstructScanTask(
		task.ID(), task.PlanID(), task.ProjectID(), task.Scanner(), task.TriggerType(),
		task.QualityRule(), task.Metadata(), status,
		total, scanning, scanned, failed, passed,
		overview, task.CreatedAt(), finishedAt,
	)
}

func (m *memTasks) UpdateStatus(_ context.Context, id uuid.UUID, from, to analysis.ScanTaskStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.rows[id]
	if !ok || task.Status() != from {
		return false, nil
	}
	finishedAt := task.FinishedAt()
	if to == analysis.ScanTaskStatusFinished || to == analysis.ScanTaskStatusStopped {
		finishedAt = time.Now()
	}
	m.rows[id] = m.rebuild(task, to, task.Total(), task.Scanning(), task.Scanned(), task.Failed(), task.Passed(), task.ResultOverview(), finishedAt)
	return true, nil
}

func (m *memTasks) IncrementScanning(_ context.Context, id uuid.UUID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.rows[id]
	if !ok {
		return analysis.ErrTaskNotFound
	}
	m.rows[id] = m.rebuild(task, task.Status(), task.Total()+delta, task.Scanning()+delta, task.Scanned(), task.Failed(), task.Passed(), task.ResultOverview(), task.FinishedAt())
	return nil
}

func (m *memTasks) UpdateScanResult(_ context.Context, id uuid.UUID, update analysis.ScanResultUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.rows[id]
	if !ok {
		return analysis.ErrTaskNotFound
	}
	total, scanning := task.Total(), task.Scanning()
	if update.ReuseResult {
		total += update.Count
	} else {
		scanning -= update.Count
	}
	scanned, failed := task.Scanned(), task.Failed()
	if update.Success {
		scanned += update.Count
	} else {
		failed += update.Count
	}
	overview := task.ResultOverview().Merge(update.Overview)
	m.rows[id] = m.rebuild(task, task.Status(), total, scanning, scanned, failed, task.Passed()+update.PassCount, overview, task.FinishedAt())
	return nil
}

type memPlans struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*analysis.ScanPlan
}

func newMemPlans() *memPlans { return &memPlans{rows: make(map[uuid.UUID]*analysis.ScanPlan)} }

func (m *memPlans) Get(_ context.Context, id uuid.UUID) (*analysis.ScanPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.rows[id]
	if !ok {
		return nil, analysis.ErrPlanNotFound
	}
	return plan, nil
}

func (m *memPlans) insert(plan *analysis.ScanPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[plan.ID] = plan
}

func (m *memPlans) MergeOverview(_ context.Context, id uuid.UUID, overview analysis.ResultOverview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.rows[id]
	if !ok {
		return analysis.ErrPlanNotFound
	}
	plan.Overview = plan.Overview.Merge(overview)
	return nil
}

type memArchive struct {
	mu   sync.Mutex
	rows map[uuid.UUID]analysis.ArchivedSubtask
}

func newMemArchive() *memArchive {
	return &memArchive{rows: make(map[uuid.UUID]analysis.ArchivedSubtask)}
}

func (m *memArchive) Create(_ context.Context, record analysis.ArchivedSubtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[record.ID]; ok {
		return nil
	}
	m.rows[record.ID] = record
	return nil
}

func (m *memArchive) get(id uuid.UUID) (analysis.ArchivedSubtask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.rows[id]
	return record, ok
}

type latestKey struct {
	planID   uuid.UUID
	repoName string
	fullPath string
}

type memLatest struct {
	mu   sync.Mutex
	rows map[latestKey]analysis.PlanArtifactLatest
}

func newMemLatest() *memLatest {
	return &memLatest{rows: make(map[latestKey]analysis.PlanArtifactLatest)}
}

func (m *memLatest) Upsert(_ context.Context, record analysis.PlanArtifactLatest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[latestKey{record.PlanID, record.RepoName, record.FullPath}] = record
	return nil
}

func (m *memLatest) UpdateStatus(_ context.Context, subtaskID uuid.UUID, status analysis.SubtaskStatus, overview analysis.ResultOverview, qualityPass *bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.rows {
		if record.SubtaskID == subtaskID {
			record.Status = status
			record.Overview = overview
			record.QualityPass = qualityPass
			record.UpdatedAt = time.Now()
			m.rows[key] = record
			return true, nil
		}
	}
	return false, nil
}

func (m *memLatest) get(planID uuid.UUID, repoName, fullPath string) (analysis.PlanArtifactLatest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.rows[latestKey{planID, repoName, fullPath}]
	return record, ok
}

type fileKey struct {
	sha256  string
	scanner string
}

type fileResult struct {
	overview    analysis.ResultOverview
	qualityPass *bool
}

type memFiles struct {
	mu   sync.Mutex
	rows map[fileKey]fileResult
}

func newMemFiles() *memFiles { return &memFiles{rows: make(map[fileKey]fileResult)} }

func (m *memFiles) Upsert(_ context.Context, sha256, scanner string, overview analysis.ResultOverview, qualityPass *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[fileKey{sha256, scanner}] = fileResult{overview: overview, qualityPass: qualityPass}
	return nil
}

func (m *memFiles) Find(_ context.Context, sha256, scanner string) (analysis.ResultOverview, *bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fileKey{sha256, scanner}]
	if !ok {
		return nil, nil, nil
	}
	return r.overview, r.qualityPass, nil
}

type fixedQuota struct{ limit int64 }

func (q fixedQuota) SubtaskCountLimit(context.Context, string) (int64, error) {
	return q.limit, nil
}

type passthroughLocker struct{ mu sync.Mutex }

func (l *passthroughLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return true, fn(ctx)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturingPublisher) byType(t events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, evt := range p.events {
		if evt.EventType() == t {
			out = append(out, evt)
		}
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)                {}
func (noopMetrics) IncMessageConsumed(context.Context, string)                 {}
func (noopMetrics) IncPublishError(context.Context, string)                    {}
func (noopMetrics) IncConsumeError(context.Context, string)                    {}
func (noopMetrics) IncSubtasksCreated(context.Context, string)                 {}
func (noopMetrics) IncSubtasksFinished(context.Context, string)                {}
func (noopMetrics) IncSubtasksPromoted(context.Context, int)                   {}
func (noopMetrics) IncReusedResults(context.Context)                           {}
func (noopMetrics) IncRetries(context.Context)                                 {}
func (noopMetrics) IncTimeouts(context.Context)                                {}
func (noopMetrics) IncLostRaces(context.Context, string)                       {}
func (noopMetrics) ObserveScanDuration(context.Context, string, time.Duration) {}

// testHarness bundles a service wired entirely to in-memory fakes.
type testHarness struct {
	service   *ScanService
	subtasks  *memSubtasks
	tasks     *memTasks
	plans     *memPlans
	archive   *memArchive
	latest    *memLatest
	files     *memFiles
	publisher *capturingPublisher
}

func newTestHarness(limit int64, opts Options) *testHarness {
	subtasks := newMemSubtasks()
	tasks := newMemTasks()
	plans := newMemPlans()
	archive := newMemArchive()
	latest := newMemLatest()
	files := newMemFiles()
	publisher := &capturingPublisher{}

	repos := Repositories{
		Subtasks: subtasks,
		Tasks:    tasks,
		Plans:    plans,
		Archive:  archive,
		Latest:   latest,
		Files:    files,
	}
	log := logger.New(io.Discard, logger.LevelError, "scan-service-test", nil)
	svc := NewScanService(
		repos,
		fixedQuota{limit: limit},
		&passthroughLocker{},
		NewStaticCredentials("default-store"),
		publisher,
		log,
		noop.NewTracerProvider().Tracer("test"),
		noopMetrics{},
		opts,
	)
	return &testHarness{
		service:   svc,
		subtasks:  subtasks,
		tasks:     tasks,
		plans:     plans,
		archive:   archive,
		latest:    latest,
		files:     files,
		publisher: publisher,
	}
}
