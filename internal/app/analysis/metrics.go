package analysis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quarryscan/quarry/internal/infra/eventbus/kafka"
)

// SchedulerMetrics defines metrics operations needed by the subtask scheduler.
type SchedulerMetrics interface {
	// Messaging metrics
	kafka.BrokerMetrics

	// Queue metrics
	IncSubtasksCreated(ctx context.Context, status string)
	IncSubtasksFinished(ctx context.Context, status string)
	IncSubtasksPromoted(ctx context.Context, count int)
	IncReusedResults(ctx context.Context)

	// Scheduling metrics
	IncRetries(ctx context.Context)
	IncTimeouts(ctx context.Context)
	IncLostRaces(ctx context.Context, operation string)
	ObserveScanDuration(ctx context.Context, scanner string, duration time.Duration)
}

// schedulerMetrics implements SchedulerMetrics
type schedulerMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Queue metrics
	subtasksCreated  metric.Int64Counter
	subtasksFinished metric.Int64Counter
	subtasksPromoted metric.Int64Counter
	reusedResults    metric.Int64Counter

	// Scheduling metrics
	retries      metric.Int64Counter
	timeouts     metric.Int64Counter
	lostRaces    metric.Int64Counter
	scanDuration metric.Float64Histogram
}

const namespace = "scheduler"

// NewSchedulerMetrics creates a new scheduler metrics instance.
func NewSchedulerMetrics(mp metric.MeterProvider) (*schedulerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(schedulerMetrics)
	var err error

	if s.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if s.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if s.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if s.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if s.subtasksCreated, err = meter.Int64Counter(
		"subtasks_created_total",
		metric.WithDescription("Total number of subtasks admitted into the queue, by initial status"),
	); err != nil {
		return nil, err
	}

	if s.subtasksFinished, err = meter.Int64Counter(
		"subtasks_finished_total",
		metric.WithDescription("Total number of subtasks reaching a terminal status"),
	); err != nil {
		return nil, err
	}

	if s.subtasksPromoted, err = meter.Int64Counter(
		"subtasks_promoted_total",
		metric.WithDescription("Total number of blocked subtasks promoted into freed slots"),
	); err != nil {
		return nil, err
	}

	if s.reusedResults, err = meter.Int64Counter(
		"reused_results_total",
		metric.WithDescription("Total number of subtasks satisfied from the per-content result cache"),
	); err != nil {
		return nil, err
	}

	if s.retries, err = meter.Int64Counter(
		"retries_total",
		metric.WithDescription("Total number of subtask requeues"),
	); err != nil {
		return nil, err
	}

	if s.timeouts, err = meter.Int64Counter(
		"timeouts_total",
		metric.WithDescription("Total number of subtasks escalated by the timeout monitor"),
	); err != nil {
		return nil, err
	}

	if s.lostRaces, err = meter.Int64Counter(
		"lost_races_total",
		metric.WithDescription("Total number of conditional writes that matched no row"),
	); err != nil {
		return nil, err
	}

	if s.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall-clock duration of finished scans"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *schedulerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	s.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (s *schedulerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	s.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (s *schedulerMetrics) IncPublishError(ctx context.Context, topic string) {
	s.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (s *schedulerMetrics) IncConsumeError(ctx context.Context, topic string) {
	s.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (s *schedulerMetrics) IncSubtasksCreated(ctx context.Context, status string) {
	s.subtasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (s *schedulerMetrics) IncSubtasksFinished(ctx context.Context, status string) {
	s.subtasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (s *schedulerMetrics) IncSubtasksPromoted(ctx context.Context, count int) {
	s.subtasksPromoted.Add(ctx, int64(count))
}

func (s *schedulerMetrics) IncReusedResults(ctx context.Context) {
	s.reusedResults.Add(ctx, 1)
}

func (s *schedulerMetrics) IncRetries(ctx context.Context) {
	s.retries.Add(ctx, 1)
}

func (s *schedulerMetrics) IncTimeouts(ctx context.Context) {
	s.timeouts.Add(ctx, 1)
}

func (s *schedulerMetrics) IncLostRaces(ctx context.Context, operation string) {
	s.lostRaces.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (s *schedulerMetrics) ObserveScanDuration(ctx context.Context, scanner string, duration time.Duration) {
	s.scanDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("scanner", scanner)))
}
