package analysis

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// MonitorOptions tunes the background sweep over stalled subtasks.
type MonitorOptions struct {
	// Interval is how often the monitor sweeps the live queue.
	Interval time.Duration

	// BatchSize caps how many stalled subtasks one sweep handles per query.
	BatchSize int32

	// Rate limits escalations per second so a mass worker outage does not
	// turn into a write storm.
	Rate float64

	// HeartbeatTimeout is how long a running subtask may go without a
	// heartbeat before it is presumed dead.
	HeartbeatTimeout time.Duration

	// BlockTimeout is how long a subtask may wait in BLOCKED before it is
	// finished as timed out.
	BlockTimeout time.Duration
}

// Monitor sweeps the live queue for subtasks whose workers died and for
// subtasks stuck behind a project quota past their patience. Dead workers'
// subtasks are requeued until their execution budget runs out, then escalated
// to a terminal status.
type Monitor struct {
	service  *ScanService
	subtasks analysis.SubtaskRepository

	limiter *rate.Limiter
	logger  *logger.Logger
	metrics SchedulerMetrics

	opts MonitorOptions
}

// NewMonitor creates a monitor bound to the given service.
func NewMonitor(
	service *ScanService,
	subtasks analysis.SubtaskRepository,
	log *logger.Logger,
	metrics SchedulerMetrics,
	opts MonitorOptions,
) *Monitor {
	return &Monitor{
		service:  service,
		subtasks: subtasks,
		limiter:  rate.NewLimiter(rate.Limit(opts.Rate), 1),
		logger:   log.With("component", "subtask_monitor"),
		metrics:  metrics,
		opts:     opts,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info(ctx, "subtask monitor started",
		"interval", m.opts.Interval,
		"heartbeat_timeout", m.opts.HeartbeatTimeout,
		"block_timeout", m.opts.BlockTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "subtask monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep handles one round of stalled subtasks. Errors are logged rather than
// returned; a failed escalation is retried on the next round because the
// stalled row is still there.
func (m *Monitor) sweep(ctx context.Context) {
	timedOut, err := m.subtasks.FindTimedOut(ctx, m.opts.HeartbeatTimeout, m.opts.BatchSize)
	if err != nil {
		m.logger.Error(ctx, "failed to query timed out subtasks", "error", err)
	}
	for _, sub := range timedOut {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.logger.Info(ctx, "subtask lost its worker",
			"subtask_id", sub.ID(),
			"heartbeat_at", sub.HeartbeatAt(),
			"executed_times", sub.ExecutedTimes(),
		)
		if err := m.service.retryOrEscalate(ctx, sub); err != nil {
			m.logger.Error(ctx, "failed to handle timed out subtask", "subtask_id", sub.ID(), "error", err)
		}
	}

	blocked, err := m.subtasks.FindBlockedTimedOut(ctx, m.opts.BlockTimeout, m.opts.BatchSize)
	if err != nil {
		m.logger.Error(ctx, "failed to query block timed out subtasks", "error", err)
	}
	for _, sub := range blocked {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.logger.Info(ctx, "subtask exceeded its blocked wait",
			"subtask_id", sub.ID(),
			"created_at", sub.CreatedAt(),
		)
		m.metrics.IncTimeouts(ctx)
		if err := m.service.finish(ctx, sub, analysis.SubtaskStatusTimeout, nil, nil); err != nil {
			m.logger.Error(ctx, "failed to finish block timed out subtask", "subtask_id", sub.ID(), "error", err)
		}
	}
}
