package execution

import (
	"context"

	"github.com/ahrav/execution-service/internal/domain/events"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

var _ domain.Alerter = (*Alerter)(nil)

// Alerter logs operator alerts and publishes them on the alerts topic.
type Alerter struct {
	publisher events.DomainEventPublisher
	logger    *logger.Logger
}

// NewAlerter creates an alerter. A nil publisher only logs.
func NewAlerter(publisher events.DomainEventPublisher, logger *logger.Logger) *Alerter {
	return &Alerter{publisher: publisher, logger: logger.With("component", "alerter")}
}

// Alert never fails the caller; publish errors are logged.
func (a *Alerter) Alert(ctx context.Context, alert domain.Alert) {
	args := []any{"tenant_id", alert.TenantID, "title", alert.Title, "detail", alert.Detail}
	if alert.Key != nil {
		args = append(args, "execution_key", alert.Key.String())
	}
	a.logger.Error(ctx, "operator alert", args...)

	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishDomainEvent(ctx, domain.NewOperatorAlertEvent(alert)); err != nil {
		a.logger.Warn(ctx, "failed to publish operator alert", "error", err)
	}
}
