package analysis

import (
	"context"
	"fmt"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/pkg/common/logger"
)

// projectNotifier promotes blocked subtasks of a project into freed admission
// slots. The quota check and the promotion run under the project's advisory
// lock; if the lock is unavailable the promotion still runs, so the quota can
// overshoot by at most the number of unlocked racers.
type projectNotifier struct {
	subtasks analysis.SubtaskRepository
	quota    analysis.ProjectConfigService
	locker   analysis.ProjectLocker
	logger   *logger.Logger
	metrics  SchedulerMetrics
}

func newProjectNotifier(
	subtasks analysis.SubtaskRepository,
	quota analysis.ProjectConfigService,
	locker analysis.ProjectLocker,
	log *logger.Logger,
	metrics SchedulerMetrics,
) *projectNotifier {
	return &projectNotifier{
		subtasks: subtasks,
		quota:    quota,
		locker:   locker,
		logger:   log,
		metrics:  metrics,
	}
}

// NotifyProject fills the project's free admission slots from its blocked
// backlog, oldest first, and returns how many subtasks were promoted.
func (n *projectNotifier) NotifyProject(ctx context.Context, projectID string) (int, error) {
	var promoted int

	_, err := n.locker.WithLock(ctx, projectID, func(ctx context.Context) error {
		limit, err := n.quota.SubtaskCountLimit(ctx, projectID)
		if err != nil {
			return fmt.Errorf("resolve subtask count limit: %w", err)
		}

		scanning, err := n.subtasks.CountScanning(ctx, projectID)
		if err != nil {
			return fmt.Errorf("count scanning subtasks: %w", err)
		}

		free := limit - scanning
		if free <= 0 {
			return nil
		}

		ids, err := n.subtasks.PromoteBlocked(ctx, projectID, int32(free))
		if err != nil {
			return fmt.Errorf("promote blocked subtasks: %w", err)
		}
		promoted = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if promoted > 0 {
		n.metrics.IncSubtasksPromoted(ctx, promoted)
		n.logger.Debug(ctx, "promoted blocked subtasks", "project_id", projectID, "count", promoted)
	}
	return promoted, nil
}
