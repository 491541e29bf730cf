package broker

import (
	"context"
	"fmt"

	"escrow-service/internal/models"
)

// EventPublisher publishes escrow lifecycle events. Publishing is
// fire-and-forget from the caller's point of view: failures are logged by the
// caller and never propagated to payment operations.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentEvent publishes a payment lifecycle event, keyed by payment id
// so per-payment ordering is preserved.
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentLifecycleEvent) error {
	key := fmt.Sprintf("payment-%s", event.PaymentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishBridgeEvent publishes a bridge lifecycle event, keyed by transaction id.
func (ep *EventPublisher) PublishBridgeEvent(ctx context.Context, event *models.BridgeLifecycleEvent) error {
	key := fmt.Sprintf("bridge-%s", event.TransactionID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishRebalanceEvent publishes a rebalance record.
func (ep *EventPublisher) PublishRebalanceEvent(ctx context.Context, event *models.RebalanceEvent) error {
	return ep.producer.PublishEvent(ctx, "rebalance", event)
}
