package worker

import (
	"context"
	"encoding/json"
	"time"

	"escrow-service/internal/broker"
	"escrow-service/internal/models"
	"escrow-service/internal/protocols"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/strategy"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HealthProber probes every external protocol on a fixed interval so health
// status is known before the request path needs it.
type HealthProber struct {
	executor *resilience.Executor
	clients  []protocols.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthProber creates a health prober over the given protocol clients.
func NewHealthProber(executor *resilience.Executor, clients []protocols.Client, interval time.Duration) *HealthProber {
	return &HealthProber{
		executor: executor,
		clients:  clients,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the probe loop until the context is cancelled.
func (p *HealthProber) Start(ctx context.Context) {
	p.logger.Info("Starting health prober", zap.Int("clients", len(p.clients)))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *HealthProber) probeAll(ctx context.Context) {
	for _, client := range p.clients {
		p.executor.Probe(ctx, client.Name(), client.HealthCheck)
	}
}

// HarvestWorker realizes yield across strategies on a fixed interval.
type HarvestWorker struct {
	engine   *strategy.Engine
	interval time.Duration
	logger   *zap.Logger
}

func NewHarvestWorker(engine *strategy.Engine, interval time.Duration) *HarvestWorker {
	return &HarvestWorker{engine: engine, interval: interval, logger: util.GetLogger()}
}

// Start runs the harvest loop until the context is cancelled.
func (w *HarvestWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Harvest worker stopped")
			return
		case <-ticker.C:
			results := w.engine.HarvestAll(ctx)
			for _, r := range results {
				if r.Error != "" {
					w.logger.Warn("Harvest failed",
						zap.String("strategy", r.StrategyID),
						zap.String("error", r.Error))
					continue
				}
				w.logger.Info("Harvested",
					zap.String("strategy", r.StrategyID),
					zap.String("amount", r.Amount.String()))
			}
		}
	}
}

// RebalanceWorker periodically checks the live allocation against the target
// and rebalances when drift exceeds the threshold. The engine's cooldown
// still applies; a rejected attempt just waits for the next tick.
type RebalanceWorker struct {
	engine    *strategy.Engine
	publisher *broker.EventPublisher
	tolerance strategy.RiskTolerance
	interval  time.Duration
	logger    *zap.Logger
}

func NewRebalanceWorker(engine *strategy.Engine, publisher *broker.EventPublisher, tolerance strategy.RiskTolerance, interval time.Duration) *RebalanceWorker {
	return &RebalanceWorker{
		engine:    engine,
		publisher: publisher,
		tolerance: tolerance,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start runs the drift check loop until the context is cancelled.
func (w *RebalanceWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Rebalance worker stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *RebalanceWorker) check(ctx context.Context) {
	target, err := w.engine.ComputeTargetAllocation(decimal.NewFromInt(1), w.tolerance)
	if err != nil {
		w.logger.Warn("Target allocation unavailable", zap.Error(err))
		return
	}
	if !w.engine.NeedsRebalance(target) {
		return
	}

	if err := w.engine.Rebalance(ctx, target, "drift"); err != nil {
		if err == models.ErrRebalanceCooldownActive {
			w.logger.Info("Rebalance deferred by cooldown")
			return
		}
		w.logger.Error("Automatic rebalance failed", zap.Error(err))
		return
	}

	event := &models.RebalanceEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRebalanceExecuted,
			Timestamp: time.Now(),
		},
		Allocations: target,
		Trigger:     "drift",
	}
	if err := w.publisher.PublishRebalanceEvent(ctx, event); err != nil {
		w.logger.Error("Failed to publish rebalance event", zap.Error(err))
	}
}

// ExpiryWorker sweeps overdue PENDING payments into EXPIRED.
type ExpiryWorker struct {
	payments *service.PaymentService
	interval time.Duration
	logger   *zap.Logger
}

func NewExpiryWorker(payments *service.PaymentService, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{payments: payments, interval: interval, logger: util.GetLogger()}
}

// Start runs the sweep loop until the context is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Expiry worker stopped")
			return
		case <-ticker.C:
			if count := w.payments.SweepExpired(ctx); count > 0 {
				w.logger.Info("Expired overdue payments", zap.Int("count", count))
			}
		}
	}
}

// NotificationWorker consumes lifecycle events and dispatches merchant
// notifications. Dispatch failures are logged, never propagated.
type NotificationWorker struct {
	consumer *broker.Consumer
	logger   *zap.Logger
}

func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	return &NotificationWorker{consumer: consumer, logger: util.GetLogger()}
}

// Start consumes events until the context is cancelled.
func (w *NotificationWorker) Start(ctx context.Context) error {
	return w.consumer.StartConsuming(ctx, w.handle)
}

// Stop closes the underlying consumer.
func (w *NotificationWorker) Stop() error {
	return w.consumer.Close()
}

func (w *NotificationWorker) handle(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		w.logger.Warn("Unparseable event", zap.Error(err))
		return nil
	}

	switch base.EventType {
	case models.EventTypePaymentConfirmed, models.EventTypePaymentReleased,
		models.EventTypePaymentCancelled, models.EventTypePaymentExpired,
		models.EventTypeReconciliationRequired:
		var event models.PaymentLifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return nil
		}
		// Webhook delivery is simulated; the contract is fire-and-forget.
		w.logger.Info("Merchant notification dispatched",
			zap.String("merchant", event.MerchantAddress),
			zap.String("payment_id", event.PaymentID),
			zap.String("event_type", event.EventType))

	case models.EventTypeBridgeCompleted, models.EventTypeBridgeRefunded,
		models.EventTypeBridgeFailed:
		var event models.BridgeLifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return nil
		}
		w.logger.Info("Bridge notification dispatched",
			zap.String("recipient", event.RecipientAddress),
			zap.String("transaction_id", event.TransactionID),
			zap.String("event_type", event.EventType))
	}

	return nil
}
