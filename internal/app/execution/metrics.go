package execution

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/execution-service/internal/infra/eventbus/kafka"
)

// ExecutionMetrics defines the instruments the lifecycle services record.
type ExecutionMetrics interface {
	kafka.EventBusMetrics

	IncExecutionsCreated(ctx context.Context, runner string, priority string)
	IncTriggersFailed(ctx context.Context, reason string)

	IncAdmitted(ctx context.Context, runner string)
	IncAdmissionConflicts(ctx context.Context, runner string)
	IncPoolExhausted(ctx context.Context, runner string)
	ObserveQueueTime(ctx context.Context, runner string, d time.Duration)

	IncDispatched(ctx context.Context, runner string, n int)
	IncDispatchFailures(ctx context.Context, runner string, n int)
	ObserveDispatchDuration(ctx context.Context, runner string, d time.Duration)

	IncCompleted(ctx context.Context, status string)
	IncRetries(ctx context.Context, runner string)
	IncRetriesExhausted(ctx context.Context, runner string)

	IncWatchdogTimeouts(ctx context.Context, runner string)
	IncFailedToFree(ctx context.Context, runner string)
	SetLeaderStatus(ctx context.Context, isLeader bool)

	IncIdempotentReplays(ctx context.Context, detailType string)
}

type executionMetrics struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	executionsCreated metric.Int64Counter
	triggersFailed    metric.Int64Counter

	admitted           metric.Int64Counter
	admissionConflicts metric.Int64Counter
	poolExhausted      metric.Int64Counter
	queueTime          metric.Float64Histogram

	dispatched       metric.Int64Counter
	dispatchFailures metric.Int64Counter
	dispatchDuration metric.Float64Histogram

	completed        metric.Int64Counter
	retries          metric.Int64Counter
	retriesExhausted metric.Int64Counter

	watchdogTimeouts metric.Int64Counter
	failedToFree     metric.Int64Counter
	leaderStatus     metric.Int64UpDownCounter
	leaderMu         sync.Mutex
	isLeader         bool

	idempotentReplays metric.Int64Counter
}

const namespace = "executions"

// NewExecutionMetrics creates the instruments on mp.
func NewExecutionMetrics(mp metric.MeterProvider) (*executionMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executionMetrics)
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesPublished, "messages_published_total", "Total number of messages published"},
		{&m.messagesConsumed, "messages_consumed_total", "Total number of messages consumed"},
		{&m.publishErrors, "publish_errors_total", "Total number of publish errors"},
		{&m.consumeErrors, "consume_errors_total", "Total number of consume errors"},
		{&m.executionsCreated, "executions_created_total", "Executions created from trigger records"},
		{&m.triggersFailed, "triggers_failed_total", "Trigger records rejected"},
		{&m.admitted, "admissions_total", "PENDING executions admitted to DISPATCHING"},
		{&m.admissionConflicts, "admission_conflicts_total", "Admission transactions lost to a concurrent writer"},
		{&m.poolExhausted, "pool_exhausted_total", "Admissions deferred because the resource pool was full"},
		{&m.dispatched, "dispatched_total", "Executions handed to a runner"},
		{&m.dispatchFailures, "dispatch_failures_total", "Executions whose dispatch was rejected"},
		{&m.completed, "completed_total", "Executions reaching a terminal status"},
		{&m.retries, "retries_total", "Executions superseded by a retry"},
		{&m.retriesExhausted, "retries_exhausted_total", "Executions failing after the retry limit"},
		{&m.watchdogTimeouts, "watchdog_timeouts_total", "Executions timed out by the watchdog"},
		{&m.failedToFree, "failed_to_free_total", "Watchdog terminations that failed at the runner"},
		{&m.idempotentReplays, "idempotent_replays_total", "Events skipped because they were already processed"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if m.queueTime, err = meter.Float64Histogram(
		"queue_time_seconds",
		metric.WithDescription("Time executions waited in PENDING before admission"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
	); err != nil {
		return nil, err
	}
	if m.dispatchDuration, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		metric.WithDescription("Time spent in runner dispatch calls"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("1 while this instance runs the watchdog"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func runnerAttr(runner string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("runner", runner))
}

func (m *executionMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *executionMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *executionMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *executionMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *executionMetrics) IncExecutionsCreated(ctx context.Context, runner, priority string) {
	m.executionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("runner", runner),
		attribute.String("priority", priority),
	))
}

func (m *executionMetrics) IncTriggersFailed(ctx context.Context, reason string) {
	m.triggersFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *executionMetrics) IncAdmitted(ctx context.Context, runner string) {
	m.admitted.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) IncAdmissionConflicts(ctx context.Context, runner string) {
	m.admissionConflicts.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) IncPoolExhausted(ctx context.Context, runner string) {
	m.poolExhausted.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) ObserveQueueTime(ctx context.Context, runner string, d time.Duration) {
	m.queueTime.Record(ctx, d.Seconds(), runnerAttr(runner))
}

func (m *executionMetrics) IncDispatched(ctx context.Context, runner string, n int) {
	m.dispatched.Add(ctx, int64(n), runnerAttr(runner))
}

func (m *executionMetrics) IncDispatchFailures(ctx context.Context, runner string, n int) {
	m.dispatchFailures.Add(ctx, int64(n), runnerAttr(runner))
}

func (m *executionMetrics) ObserveDispatchDuration(ctx context.Context, runner string, d time.Duration) {
	m.dispatchDuration.Record(ctx, d.Seconds(), runnerAttr(runner))
}

func (m *executionMetrics) IncCompleted(ctx context.Context, status string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *executionMetrics) IncRetries(ctx context.Context, runner string) {
	m.retries.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) IncRetriesExhausted(ctx context.Context, runner string) {
	m.retriesExhausted.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) IncWatchdogTimeouts(ctx context.Context, runner string) {
	m.watchdogTimeouts.Add(ctx, 1, runnerAttr(runner))
}

func (m *executionMetrics) IncFailedToFree(ctx context.Context, runner string) {
	m.failedToFree.Add(ctx, 1, runnerAttr(runner))
}

// SetLeaderStatus records leadership transitions only, so the up/down
// counter stays at 0 or 1.
func (m *executionMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	m.leaderMu.Lock()
	defer m.leaderMu.Unlock()
	if isLeader == m.isLeader {
		return
	}
	m.isLeader = isLeader
	if isLeader {
		m.leaderStatus.Add(ctx, 1)
	} else {
		m.leaderStatus.Add(ctx, -1)
	}
}

func (m *executionMetrics) IncIdempotentReplays(ctx context.Context, detailType string) {
	m.idempotentReplays.Add(ctx, 1, metric.WithAttributes(attribute.String("detail_type", detailType)))
}
