// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/execution-service/internal/infra/eventbus/serialization"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// TopicsConfig names the topics detail types are routed to.
type TopicsConfig struct {
	// Commands carries the detail types the coordinator consumes from other
	// services: triggers, registrations, completions, findings uploads,
	// failure destinations.
	Commands string `mapstructure:"commands" validate:"required"`
	// Lifecycle carries detail types both emitted and consumed by the
	// coordinator, plus the lifecycle notifications other services follow.
	Lifecycle string `mapstructure:"lifecycle" validate:"required"`
	// Metrics carries resource-allocation, dispatched and vendor-failure metrics.
	Metrics string `mapstructure:"metrics" validate:"required"`
	// Alerts carries operator alerts and trigger failures.
	Alerts string `mapstructure:"alerts" validate:"required"`
}

// EventBusConfig contains settings for connecting to and interacting with Kafka brokers.
type EventBusConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   TopicsConfig
}

// TopicMap routes every registered detail type to its topic.
func (c TopicsConfig) TopicMap() map[events.EventType]string {
	return map[events.EventType]string{
		execution.EventTypeTriggerExecution:     c.Commands,
		execution.EventTypeRegisterExecution:    c.Commands,
		execution.EventTypeCompleteExecution:    c.Commands,
		execution.EventTypeUploadFindingsStatus: c.Commands,
		execution.EventTypeEnrichmentCompleted:  c.Commands,
		execution.EventTypeOnFailure:            c.Commands,
		execution.EventTypeRetryExecution:       c.Commands,

		execution.EventTypeEnrichExecution:        c.Lifecycle,
		execution.EventTypeDispatchStatusUpdated:  c.Lifecycle,
		execution.EventTypeRegister:               c.Lifecycle,
		execution.EventTypeExecutionCompleted:     c.Lifecycle,
		execution.EventTypeExecutionDeprovisioned: c.Lifecycle,

		execution.EventTypeResourceAllocationInvoked: c.Metrics,
		execution.EventTypeDispatchedMetric:          c.Metrics,
		execution.EventTypeVendorFailureMetric:       c.Metrics,

		execution.EventTypeTriggerFailed: c.Alerts,
		execution.EventTypeOperatorAlert: c.Alerts,
	}
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus over a sarama sync producer and
// consumer group.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an event bus from an established producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      cfg.Topics.TopicMap(),
		logger:        logger,
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Publish serializes event into the wire envelope and sends it to the topic
// mapped for its detail type. Events are keyed by the publish key so one jit
// event's records stay on one partition.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, event.Type, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if event.Source == "" {
		event.Source = events.SourceExecutionService
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range pParams.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"detail_type", event.Type,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)
	span.SetStatus(codes.Ok, "published")
	return nil
}

// Subscribe starts a consumer group session over the topics of eventTypes.
// Records of other detail types sharing those topics are acknowledged and
// skipped.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	var topics []string
	topicSet := make(map[string]struct{})
	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		wanted[et] = struct{}{}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, wanted, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	wanted map[events.EventType]struct{},
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		userHandler: handler,
		wanted:      wanted,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler and turns records
// into envelopes for the user handler.
type domainEventHandler struct {
	userHandler events.HandlerFunc
	wanted      map[events.EventType]struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

const commitInterval = time.Second

// ConsumeClaim processes messages from an assigned partition. A record is
// marked only when the handler acknowledges it without error, so failed
// records are redelivered after a rebalance or restart.
func (h *domainEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	lastCommit := time.Now()

	for msg := range claim.Messages() {
		h.handleMessage(sess, msg, consumeLogger, &lastCommit)
	}

	sess.Commit()
	return nil
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
	lastCommit *time.Time,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evt, err := serialization.UnmarshalEventEnvelope(msg.Value)
	if err != nil {
		// Poison records would otherwise block the partition.
		log.Error(msgCtx, "Dropping undecodable record", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable record")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		return
	}
	if _, ok := h.wanted[evt.Type]; !ok {
		sess.MarkMessage(msg, "")
		return
	}

	evt.Key = string(msg.Key)
	evt.Metadata.RecordID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	evt.Metadata.Partition = msg.Partition
	evt.Metadata.Offset = msg.Offset
	span.SetAttributes(attribute.String("detail_type", evt.Type.String()))

	log.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evt.Type,
		"key", evt.Key,
	)

	ack := func(err error) {
		ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
			trace.WithLinks(trace.LinkFromContext(msgCtx)))
		defer ackSpan.End()

		if err != nil {
			log.Warn(ackCtx, "Record not acknowledged; it will be redelivered", "error", err)
			h.metrics.IncConsumeError(ackCtx, msg.Topic)
			ackSpan.RecordError(err)
			ackSpan.SetStatus(codes.Error, "negative acknowledgment")
			return
		}
		h.metrics.IncMessageConsumed(ackCtx, msg.Topic)
		sess.MarkMessage(msg, "")

		if time.Since(*lastCommit) > commitInterval {
			sess.Commit()
			*lastCommit = time.Now()
		}
	}

	if err := h.userHandler(msgCtx, evt, ack); err != nil {
		log.Error(msgCtx, "Failed to handle message", "event_type", evt.Type, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return
	}
	span.SetStatus(codes.Ok, "handled")
}

// Close shuts down the producer and the consumer group.
func (b *EventBus) Close() error {
	log := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		log.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		log.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	log.Info(ctx, "Closed event bus")
	return nil
}
