package execution

import (
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Service bundles the lifecycle components built over one set of ports.
type Service struct {
	Trigger    *TriggerService
	Updater    *StateUpdater
	Retry      *RetryEngine
	Scheduler  *Scheduler
	Dispatcher *Dispatcher
	Data       *DataService
	Query      *QueryService
	Watchdog   *Watchdog
	Pipeline   *EventPipeline
	Changes    *ChangeConsumer
}

// NewService wires the lifecycle components. feed drives admission and the
// completion finisher; expirers run after each watchdog sweep.
func NewService(
	cfg Config,
	deps *Dependencies,
	feed domain.ChangeFeed,
	logger *logger.Logger,
	tracer trace.Tracer,
	expirers ...Expirer,
) *Service {
	deps.withDefaults()
	if deps.Alerter == nil {
		deps.Alerter = NewAlerter(deps.Publisher, logger)
	}

	s := new(Service)
	s.Retry = NewRetryEngine(cfg, deps, logger, tracer)
	s.Updater = NewStateUpdater(cfg, deps, s.Retry, logger, tracer)
	s.Scheduler = NewScheduler(cfg, deps, logger, tracer)
	s.Data = NewDataService(cfg, deps, logger, tracer)
	s.Dispatcher = NewDispatcher(cfg, deps, s.Data, logger, tracer)
	s.Trigger = NewTriggerService(cfg, deps, logger, tracer)
	s.Query = NewQueryService(deps.Executions, tracer)
	s.Watchdog = NewWatchdog(deps, logger, tracer, expirers...)
	s.Pipeline = NewEventPipeline(cfg, deps, s.Trigger, s.Updater, s.Retry, s.Dispatcher, logger, tracer)
	if feed != nil {
		s.Changes = NewChangeConsumer(feed, s.Scheduler, s.Updater, logger)
	}
	return s
}
