package service

import (
	"context"
	"strings"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/protocols"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/resilience"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentStore is the slice of the persistent store the state machine needs.
// The status-guarded mutations return false when the guard did not hold, which
// is how a lost race surfaces.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	ListPaymentsByMerchant(ctx context.Context, merchant string) ([]models.Payment, error)
	ConfirmPayment(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateEstimatedYield(ctx context.Context, id string, estimate decimal.Decimal) error
	CompletePayment(ctx context.Context, id string, actualYield decimal.Decimal, at time.Time) (bool, error)
	TerminatePayment(ctx context.Context, id, status string) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.Payment, error)
	AppendPaymentEvent(ctx context.Context, e *models.PaymentEvent) error
	ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error)
}

// Cache is a best-effort read-through cache plus the cross-process advisory
// lock for background jobs. Failures are logged and fallen through; they never
// block or answer a state query incorrectly.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Allocator places escrowed capital across yield strategies and quotes the
// blended APY it is earning.
type Allocator interface {
	WeightedAPY(ctx context.Context) decimal.Decimal
	PlaceCapital(ctx context.Context, amount decimal.Decimal) error
	WithdrawCapital(ctx context.Context, amount decimal.Decimal) error
}

// Publisher is the fire-and-forget notification sink.
type Publisher interface {
	PublishPaymentEvent(ctx context.Context, event *models.PaymentLifecycleEvent) error
	PublishBridgeEvent(ctx context.Context, event *models.BridgeLifecycleEvent) error
}

const secondsPerYear = 365 * 24 * 3600

// PaymentService owns the escrow payment lifecycle.
type PaymentService struct {
	store      PaymentStore
	cache      Cache
	publisher  Publisher
	allocator  Allocator
	executor   *resilience.Executor
	verifier   protocols.DepositVerifier
	settlement protocols.Settlement
	compliance protocols.Compliance
	logger     *zap.Logger

	supportedAssets map[string][]string
	escrowAddress   string
	cacheTTL        time.Duration
	locks           *lockTable
	now             func() time.Time
}

// NewPaymentService creates the payment state machine service.
func NewPaymentService(
	store PaymentStore,
	cache Cache,
	publisher Publisher,
	allocator Allocator,
	executor *resilience.Executor,
	verifier protocols.DepositVerifier,
	settlement protocols.Settlement,
	compliance protocols.Compliance,
	supportedAssets map[string][]string,
	escrowAddress string,
	cacheTTL time.Duration,
) *PaymentService {
	return &PaymentService{
		store:           store,
		cache:           cache,
		publisher:       publisher,
		allocator:       allocator,
		executor:        executor,
		verifier:        verifier,
		settlement:      settlement,
		compliance:      compliance,
		logger:          util.GetLogger(),
		supportedAssets: supportedAssets,
		escrowAddress:   escrowAddress,
		cacheTTL:        cacheTTL,
		locks:           newLockTable(),
		now:             time.Now,
	}
}

// CreatePaymentRequest is the caller's input for opening an escrow.
type CreatePaymentRequest struct {
	MerchantAddress string     `json:"merchant_address" binding:"required"`
	PayerAddress    string     `json:"payer_address,omitempty"`
	Amount          string     `json:"amount" binding:"required"`
	Token           string     `json:"token" binding:"required"`
	Chain           string     `json:"chain" binding:"required"`
	YieldEnabled    bool       `json:"yield_enabled,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// ConfirmPaymentRequest carries the payer's deposit proof.
type ConfirmPaymentRequest struct {
	TxHash       string `json:"tx_hash" binding:"required"`
	PayerAddress string `json:"payer_address,omitempty"`
}

// Create validates the request, screens the merchant, and opens a PENDING
// escrow record.
func (s *PaymentService) Create(ctx context.Context, req *CreatePaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Create")
	defer span.End()

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, &models.ValidationError{Field: "amount", Reason: "not a decimal number"}
	}
	if !amount.IsPositive() {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !validAddress(req.MerchantAddress) {
		return nil, &models.ValidationError{Field: "merchant_address", Reason: "malformed address"}
	}
	if req.PayerAddress != "" && !validAddress(req.PayerAddress) {
		return nil, &models.ValidationError{Field: "payer_address", Reason: "malformed address"}
	}
	if err := s.checkAsset(req.Chain, req.Token); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}

	// Screening is advisory on outages: an unreachable provider lets the
	// payment through, a definite hit rejects it.
	cleared, err := s.executor.ExecuteWithFallback(ctx, s.compliance.Name(),
		func(ctx context.Context) (interface{}, error) {
			return s.compliance.Screen(ctx, req.MerchantAddress)
		},
		func(ctx context.Context) (interface{}, error) {
			return true, nil
		})
	if err == nil && cleared == false {
		util.PaymentsFailedTotal.WithLabelValues("compliance").Inc()
		return nil, &models.ValidationError{Field: "merchant_address", Reason: "address failed compliance screening"}
	}

	payment := &models.Payment{
		ID:              uuid.New().String(),
		PayerAddress:    req.PayerAddress,
		MerchantAddress: req.MerchantAddress,
		Amount:          amount,
		Token:           req.Token,
		Chain:           req.Chain,
		Status:          models.PaymentStatusPending,
		EscrowAddress:   s.escrowAddress,
		YieldEnabled:    req.YieldEnabled,
		EstimatedYield:  decimal.Zero,
		ExpiresAt:       req.ExpiresAt,
	}

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		util.PaymentsFailedTotal.WithLabelValues("db_error").Inc()
		return nil, err
	}

	s.appendEvent(ctx, payment.ID, models.EventTypePaymentCreated, "", "")
	s.publish(ctx, payment, models.EventTypePaymentCreated, "", "")
	util.PaymentsCreatedTotal.Inc()
	s.logger.Info("Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("merchant", payment.MerchantAddress),
		zap.String("amount", amount.String()))

	return payment, nil
}

// ConfirmDeposit verifies the payer's deposit proof and moves the payment
// PENDING -> CONFIRMED. A payment past its expiry is auto-expired instead.
func (s *PaymentService) ConfirmDeposit(ctx context.Context, paymentID string, req *ConfirmPaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmDeposit")
	defer span.End()

	unlock := s.locks.acquire(paymentID)
	defer unlock()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: models.PaymentStatusConfirmed}
	}
	if payment.ExpiresAt != nil && s.now().After(*payment.ExpiresAt) {
		s.expireLocked(ctx, payment)
		return nil, &models.ExpiredError{PaymentID: paymentID}
	}

	verified, err := s.executor.Execute(ctx, s.verifier.Name(), func(ctx context.Context) (interface{}, error) {
		return s.verifier.VerifyDeposit(ctx, payment.Chain, payment.Token, payment.EscrowAddress, req.TxHash, payment.Amount)
	})
	if err != nil {
		return nil, err
	}
	if ok, _ := verified.(bool); !ok {
		return nil, &models.ValidationError{Field: "tx_hash", Reason: "deposit not found or not final"}
	}

	now := s.now()
	applied, err := s.store.ConfirmPayment(ctx, paymentID, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: models.PaymentStatusConfirmed}
	}
	payment.Status = models.PaymentStatusConfirmed
	payment.ConfirmedAt = &now

	if payment.YieldEnabled {
		// Placement failure is not fatal: the funds stay in escrow earning
		// nothing until the next rebalance picks them up.
		if err := s.allocator.PlaceCapital(ctx, payment.Amount); err != nil {
			s.logger.Error("Failed to place escrowed capital",
				zap.String("payment_id", paymentID),
				zap.Error(err))
			s.appendEvent(ctx, paymentID, models.EventTypePaymentConfirmed, req.TxHash, "capital placement failed: "+err.Error())
		} else {
			s.appendEvent(ctx, paymentID, models.EventTypePaymentConfirmed, req.TxHash, "")
		}
	} else {
		s.appendEvent(ctx, paymentID, models.EventTypePaymentConfirmed, req.TxHash, "")
	}

	s.invalidate(ctx, paymentID)
	s.publish(ctx, payment, models.EventTypePaymentConfirmed, req.TxHash, "")
	util.PaymentsConfirmedTotal.Inc()
	s.logger.Info("Deposit confirmed",
		zap.String("payment_id", paymentID),
		zap.String("tx_hash", req.TxHash))

	return payment, nil
}

// AccrueYield recomputes the unrealized yield estimate. Idempotent and
// callable any number of times while CONFIRMED; it never touches actualYield.
func (s *PaymentService) AccrueYield(ctx context.Context, paymentID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.AccrueYield")
	defer span.End()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusConfirmed {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: payment.Status}
	}
	if !payment.YieldEnabled {
		return payment, nil
	}

	estimate := s.unrealizedYield(ctx, payment)
	if err := s.store.UpdateEstimatedYield(ctx, paymentID, estimate); err != nil {
		return nil, err
	}
	payment.EstimatedYield = estimate

	s.invalidate(ctx, paymentID)
	// Accruals are frequent and advisory, so they go to the broker only; the
	// audit log records the final realized yield at release.
	s.publish(ctx, payment, models.EventTypeYieldAccrued, "", "")
	util.YieldAccrualsTotal.Inc()
	return payment, nil
}

// Release freezes the realized yield, settles principal plus yield to the
// merchant, and moves the payment CONFIRMED -> COMPLETED. The transfer goes
// out before the terminal status is persisted; if persisting then fails the
// payment is flagged for reconciliation, never silently re-settled.
func (s *PaymentService) Release(ctx context.Context, paymentID, merchantAddress string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Release")
	defer span.End()

	unlock := s.locks.acquire(paymentID)
	defer unlock()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusConfirmed {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: models.PaymentStatusCompleted}
	}
	if payment.MerchantAddress != merchantAddress {
		return nil, &models.ValidationError{Field: "merchant_address", Reason: "caller is not the payment's merchant"}
	}

	finalYield := s.unrealizedYield(ctx, payment)

	if payment.YieldEnabled {
		if err := s.allocator.WithdrawCapital(ctx, payment.Amount); err != nil {
			// Nothing has moved toward the merchant yet; the payment stays
			// CONFIRMED and the release can be retried.
			return nil, err
		}
	}

	payout := payment.Amount.Add(finalYield)
	result, err := s.executor.Execute(ctx, s.settlement.Name(), func(ctx context.Context) (interface{}, error) {
		return s.settlement.Transfer(ctx, payment.Chain, payment.Token, payment.MerchantAddress, payout)
	})
	if err != nil {
		util.PaymentsFailedTotal.WithLabelValues("settlement").Inc()
		return nil, err
	}
	txHash := result.(string)

	now := s.now()
	applied, err := s.store.CompletePayment(ctx, paymentID, finalYield, now)
	if err != nil || !applied {
		// Funds are already on their way to the merchant but the terminal
		// state did not stick. This must reach an operator, not a retry loop.
		detail := "settlement sent but COMPLETED not persisted"
		if err != nil {
			detail += ": " + err.Error()
		}
		s.appendEvent(ctx, paymentID, models.EventTypeReconciliationRequired, txHash, detail)
		s.publish(ctx, payment, models.EventTypeReconciliationRequired, txHash, detail)
		util.ReconciliationsRequiredTotal.Inc()
		s.logger.Error("Reconciliation required",
			zap.String("payment_id", paymentID),
			zap.String("tx_hash", txHash),
			zap.NamedError("persist_error", err))
		return nil, &models.ReconciliationRequiredError{Entity: "payment", ID: paymentID, Detail: detail}
	}

	payment.Status = models.PaymentStatusCompleted
	payment.ActualYield = decimal.NullDecimal{Decimal: finalYield, Valid: true}
	payment.EstimatedYield = finalYield
	payment.ReleasedAt = &now

	s.appendEvent(ctx, paymentID, models.EventTypePaymentReleased, txHash, "")
	s.invalidate(ctx, paymentID)
	s.publish(ctx, payment, models.EventTypePaymentReleased, txHash, "")
	util.PaymentsReleasedTotal.Inc()
	s.logger.Info("Payment released",
		zap.String("payment_id", paymentID),
		zap.String("payout", payout.String()),
		zap.String("actual_yield", finalYield.String()))

	return payment, nil
}

// Cancel terminates a PENDING or CONFIRMED payment and returns any escrowed
// funds to the payer.
func (s *PaymentService) Cancel(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Cancel")
	defer span.End()

	unlock := s.locks.acquire(paymentID)
	defer unlock()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentStatusCancelled) {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: models.PaymentStatusCancelled}
	}

	if payment.Status == models.PaymentStatusConfirmed {
		if payment.YieldEnabled {
			if err := s.allocator.WithdrawCapital(ctx, payment.Amount); err != nil {
				return nil, err
			}
		}
		if payment.PayerAddress != "" {
			if _, err := s.executor.Execute(ctx, s.settlement.Name(), func(ctx context.Context) (interface{}, error) {
				return s.settlement.Transfer(ctx, payment.Chain, payment.Token, payment.PayerAddress, payment.Amount)
			}); err != nil {
				return nil, err
			}
		}
	}

	applied, err := s.store.TerminatePayment(ctx, paymentID, models.PaymentStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &models.InvalidStateError{Entity: "payment", ID: paymentID, From: payment.Status, To: models.PaymentStatusCancelled}
	}
	payment.Status = models.PaymentStatusCancelled

	s.appendEvent(ctx, paymentID, models.EventTypePaymentCancelled, "", reason)
	s.invalidate(ctx, paymentID)
	s.publish(ctx, payment, models.EventTypePaymentCancelled, "", reason)
	util.PaymentsCancelledTotal.Inc()
	s.logger.Info("Payment cancelled",
		zap.String("payment_id", paymentID),
		zap.String("reason", reason))

	return payment, nil
}

const sweepLockKey = "expiry-sweep"

// SweepExpired expires every PENDING payment whose deadline has passed.
// Called by the background sweeper. A redis lock keeps replicas from sweeping
// the same batch; when redis is down the sweep proceeds anyway, since the
// store's status guards already make a double expiry a no-op.
func (s *PaymentService) SweepExpired(ctx context.Context) int {
	held, err := s.cache.AcquireLock(ctx, sweepLockKey, time.Minute)
	switch {
	case err != nil:
		s.logger.Warn("Sweep lock unavailable", zap.Error(err))
	case !held:
		return 0
	default:
		defer func() {
			if err := s.cache.ReleaseLock(ctx, sweepLockKey); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	expired, err := s.store.ListExpiredPending(ctx, s.now())
	if err != nil {
		s.logger.Error("Expiry sweep query failed", zap.Error(err))
		return 0
	}

	count := 0
	for i := range expired {
		unlock := s.locks.acquire(expired[i].ID)
		if s.expireLocked(ctx, &expired[i]) {
			count++
		}
		unlock()
	}
	return count
}

// expireLocked moves a payment to EXPIRED. Caller holds the per-id lock.
func (s *PaymentService) expireLocked(ctx context.Context, payment *models.Payment) bool {
	applied, err := s.store.TerminatePayment(ctx, payment.ID, models.PaymentStatusExpired)
	if err != nil {
		s.logger.Error("Failed to expire payment",
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return false
	}
	if !applied {
		return false
	}
	payment.Status = models.PaymentStatusExpired

	s.appendEvent(ctx, payment.ID, models.EventTypePaymentExpired, "", "")
	s.invalidate(ctx, payment.ID)
	s.publish(ctx, payment, models.EventTypePaymentExpired, "", "")
	util.PaymentsExpiredTotal.Inc()
	return true
}

// Get answers a payment status query through the read-through cache.
func (s *PaymentService) Get(ctx context.Context, paymentID string) (*models.Payment, error) {
	var cached models.Payment
	hit, err := s.cache.GetJSON(ctx, redisclient.PaymentKey(paymentID), &cached)
	if err != nil {
		s.logger.Warn("Payment cache read failed", zap.Error(err))
	}
	if hit {
		return &cached, nil
	}

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, redisclient.PaymentKey(paymentID), payment, s.cacheTTL); err != nil {
		s.logger.Warn("Payment cache write failed", zap.Error(err))
	}
	return payment, nil
}

// Events returns the append-only audit log for a payment.
func (s *PaymentService) Events(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	if _, err := s.store.GetPaymentByID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.ListPaymentEvents(ctx, paymentID)
}

// ListByMerchant returns a merchant's payments, newest first.
func (s *PaymentService) ListByMerchant(ctx context.Context, merchant string) ([]models.Payment, error) {
	return s.store.ListPaymentsByMerchant(ctx, merchant)
}

// unrealizedYield computes amount × blended APY × elapsed/year since
// confirmation.
func (s *PaymentService) unrealizedYield(ctx context.Context, payment *models.Payment) decimal.Decimal {
	if !payment.YieldEnabled || payment.ConfirmedAt == nil {
		return decimal.Zero
	}
	elapsed := s.now().Sub(*payment.ConfirmedAt)
	if elapsed <= 0 {
		return decimal.Zero
	}
	apy := s.allocator.WeightedAPY(ctx)
	return ProRataYield(payment.Amount, apy, elapsed)
}

// ProRataYield computes amount × apy × elapsed/year without touching floats.
func ProRataYield(amount, apy decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	seconds := decimal.NewFromInt(int64(elapsed / time.Second))
	return amount.Mul(apy).Mul(seconds).Div(decimal.NewFromInt(secondsPerYear))
}

func (s *PaymentService) checkAsset(chain, token string) error {
	tokens, ok := s.supportedAssets[chain]
	if !ok {
		return &models.UnsupportedChainError{Chain: chain}
	}
	for _, t := range tokens {
		if strings.EqualFold(t, token) {
			return nil
		}
	}
	return &models.UnsupportedTokenError{Chain: chain, Token: token}
}

func (s *PaymentService) appendEvent(ctx context.Context, paymentID, eventType, txHash, detail string) {
	event := &models.PaymentEvent{
		PaymentID: paymentID,
		EventType: eventType,
		TxHash:    txHash,
		Detail:    detail,
	}
	if err := s.store.AppendPaymentEvent(ctx, event); err != nil {
		s.logger.Error("Failed to append payment event",
			zap.String("payment_id", paymentID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (s *PaymentService) publish(ctx context.Context, payment *models.Payment, eventType, txHash, reason string) {
	event := &models.PaymentLifecycleEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		PaymentID:       payment.ID,
		MerchantAddress: payment.MerchantAddress,
		Amount:          payment.Amount.String(),
		Token:           payment.Token,
		Chain:           payment.Chain,
		Status:          payment.Status,
		EstimatedYield:  payment.EstimatedYield.String(),
		TxHash:          txHash,
		Reason:          reason,
	}
	if payment.ActualYield.Valid {
		event.ActualYield = payment.ActualYield.Decimal.String()
	}
	if err := s.publisher.PublishPaymentEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish payment event",
			zap.String("payment_id", payment.ID),
			zap.Error(err))
	}
}

func (s *PaymentService) invalidate(ctx context.Context, paymentID string) {
	if err := s.cache.Delete(ctx, redisclient.PaymentKey(paymentID)); err != nil {
		s.logger.Warn("Payment cache invalidation failed",
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

// validAddress applies a cheap well-formedness check; real address validation
// belongs to the chain-specific verifier.
func validAddress(addr string) bool {
	if len(addr) < 8 || len(addr) > 128 {
		return false
	}
	return !strings.ContainsAny(addr, " \t\n")
}
