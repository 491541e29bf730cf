package service

import (
	"context"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/protocols"
	"escrow-service/internal/resilience"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BridgeStore is the slice of the persistent store the bridge handshake
// needs. Status-guarded mutations return false when the guard did not hold.
type BridgeStore interface {
	CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error
	GetBridgeTransaction(ctx context.Context, id string) (*models.BridgeTransaction, error)
	ValidateBridgeTransaction(ctx context.Context, id, validator string, at time.Time) (bool, error)
	CompleteBridgeTransaction(ctx context.Context, id, destTxHash, proof string, at time.Time) (bool, error)
	RefundBridgeTransaction(ctx context.Context, id, reason string, at time.Time) (bool, error)
	FailBridgeTransaction(ctx context.Context, id, reason string) (bool, error)
}

// BridgeLimits bounds a single bridge transfer.
type BridgeLimits struct {
	FeeBasisPoints int64
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
}

// BridgeService owns the three-phase initiate/validate/complete-or-refund
// handshake for cross-chain transfers.
type BridgeService struct {
	store      BridgeStore
	publisher  Publisher
	allocator  Allocator
	executor   *resilience.Executor
	settlement protocols.Settlement
	logger     *zap.Logger

	supportedAssets map[string][]string
	escrowAddress   string
	limits          BridgeLimits
	locks           *lockTable
	now             func() time.Time
}

// NewBridgeService creates the bridge protocol service.
func NewBridgeService(
	store BridgeStore,
	publisher Publisher,
	allocator Allocator,
	executor *resilience.Executor,
	settlement protocols.Settlement,
	supportedAssets map[string][]string,
	escrowAddress string,
	limits BridgeLimits,
) *BridgeService {
	return &BridgeService{
		store:           store,
		publisher:       publisher,
		allocator:       allocator,
		executor:        executor,
		settlement:      settlement,
		logger:          util.GetLogger(),
		supportedAssets: supportedAssets,
		escrowAddress:   escrowAddress,
		limits:          limits,
		locks:           newLockTable(),
		now:             time.Now,
	}
}

// InitiateBridgeRequest is the caller's input for a cross-chain transfer.
type InitiateBridgeRequest struct {
	SenderAddress    string `json:"sender_address" binding:"required"`
	RecipientAddress string `json:"recipient_address" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	Token            string `json:"token" binding:"required"`
	SourceChain      string `json:"source_chain" binding:"required"`
	DestChain        string `json:"dest_chain" binding:"required"`
	PaymentID        string `json:"payment_id,omitempty"`
}

// Initiate validates the request, locks the source amount in escrow, and
// opens a PENDING bridge transaction.
func (s *BridgeService) Initiate(ctx context.Context, req *InitiateBridgeRequest) (*models.BridgeTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BridgeService.Initiate")
	defer span.End()

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, &models.ValidationError{Field: "amount", Reason: "not a decimal number"}
	}
	if amount.LessThan(s.limits.MinAmount) || amount.GreaterThan(s.limits.MaxAmount) {
		return nil, &models.ValidationError{Field: "amount", Reason: "outside bridge limits"}
	}
	if !validAddress(req.SenderAddress) {
		return nil, &models.ValidationError{Field: "sender_address", Reason: "malformed address"}
	}
	if !validAddress(req.RecipientAddress) {
		return nil, &models.ValidationError{Field: "recipient_address", Reason: "malformed address"}
	}
	if req.SourceChain == req.DestChain {
		return nil, &models.ValidationError{Field: "dest_chain", Reason: "source and destination chains are the same"}
	}
	if err := s.checkAsset(req.SourceChain, req.Token); err != nil {
		return nil, err
	}
	if err := s.checkAsset(req.DestChain, req.Token); err != nil {
		return nil, err
	}

	fee := amount.Mul(decimal.NewFromInt(s.limits.FeeBasisPoints)).Div(decimal.NewFromInt(10000))

	// Lock the source amount in escrow before the record exists; on failure
	// nothing was created and the caller simply retries.
	result, err := s.executor.Execute(ctx, s.settlement.Name(), func(ctx context.Context) (interface{}, error) {
		return s.settlement.Transfer(ctx, req.SourceChain, req.Token, s.escrowAddress, amount)
	})
	if err != nil {
		return nil, err
	}
	sourceTxHash := result.(string)

	tx := &models.BridgeTransaction{
		ID:               uuid.New().String(),
		PaymentID:        req.PaymentID,
		SourceChain:      req.SourceChain,
		DestChain:        req.DestChain,
		SenderAddress:    req.SenderAddress,
		RecipientAddress: req.RecipientAddress,
		Token:            req.Token,
		Amount:           amount,
		Fee:              fee,
		Status:           models.BridgeStatusPending,
		SourceTxHash:     sourceTxHash,
	}

	if err := s.store.CreateBridgeTransaction(ctx, tx); err != nil {
		// The lock went through but the record did not. Same class of danger
		// as a half-done release: surface it for reconciliation.
		s.logger.Error("Bridge record not persisted after source lock",
			zap.String("source_tx_hash", sourceTxHash),
			zap.Error(err))
		util.ReconciliationsRequiredTotal.Inc()
		return nil, &models.ReconciliationRequiredError{Entity: "bridge", ID: tx.ID, Detail: "source lock sent but record not persisted: " + err.Error()}
	}

	s.publish(ctx, tx, models.EventTypeBridgeInitiated, "")
	util.BridgeInitiatedTotal.Inc()
	s.logger.Info("Bridge initiated",
		zap.String("transaction_id", tx.ID),
		zap.String("source_chain", tx.SourceChain),
		zap.String("dest_chain", tx.DestChain),
		zap.String("amount", amount.String()))

	return tx, nil
}

// Validate attests that the source-side lock is final. Validation is a
// one-time event: re-validating an already-VALIDATED transaction is an error,
// not a no-op.
func (s *BridgeService) Validate(ctx context.Context, transactionID, validator string) (*models.BridgeTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BridgeService.Validate")
	defer span.End()

	unlock := s.locks.acquire(transactionID)
	defer unlock()

	tx, err := s.store.GetBridgeTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	applied, err := s.store.ValidateBridgeTransaction(ctx, transactionID, validator, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &models.InvalidStateError{Entity: "bridge", ID: transactionID, From: tx.Status, To: models.BridgeStatusValidated}
	}
	tx.Status = models.BridgeStatusValidated
	tx.Validator = validator
	tx.ValidatedAt = &now

	s.publish(ctx, tx, models.EventTypeBridgeValidated, "")
	s.logger.Info("Bridge validated",
		zap.String("transaction_id", transactionID),
		zap.String("validator", validator))

	return tx, nil
}

// Complete releases amount minus fee plus in-transit yield to the recipient
// on the destination chain, recording the operator's proof of destination
// finality. Only VALIDATED transactions can complete; the status guard at
// commit catches a refund racing the completion.
func (s *BridgeService) Complete(ctx context.Context, transactionID, proof string) (*models.BridgeTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BridgeService.Complete")
	defer span.End()

	if proof == "" {
		return nil, &models.ValidationError{Field: "proof", Reason: "completion proof required"}
	}

	unlock := s.locks.acquire(transactionID)
	defer unlock()

	tx, err := s.store.GetBridgeTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.BridgeStatusValidated {
		return nil, &models.InvalidStateError{Entity: "bridge", ID: transactionID, From: tx.Status, To: models.BridgeStatusCompleted}
	}

	// Funds in transit keep earning at the blended APY from initiation until
	// destination release.
	elapsed := s.now().Sub(tx.CreatedAt)
	yield := ProRataYield(tx.Amount, s.allocator.WeightedAPY(ctx), elapsed)
	payout := tx.Amount.Sub(tx.Fee).Add(yield)

	result, err := s.executor.Execute(ctx, s.settlement.Name(), func(ctx context.Context) (interface{}, error) {
		return s.settlement.Transfer(ctx, tx.DestChain, tx.Token, tx.RecipientAddress, payout)
	})
	if err != nil {
		return nil, err
	}
	destTxHash := result.(string)

	now := s.now()
	applied, err := s.store.CompleteBridgeTransaction(ctx, transactionID, destTxHash, proof, now)
	if err != nil || !applied {
		detail := "destination transfer sent but COMPLETED not persisted"
		if err != nil {
			detail += ": " + err.Error()
		}
		util.ReconciliationsRequiredTotal.Inc()
		s.logger.Error("Reconciliation required",
			zap.String("transaction_id", transactionID),
			zap.String("dest_tx_hash", destTxHash),
			zap.NamedError("persist_error", err))
		return nil, &models.ReconciliationRequiredError{Entity: "bridge", ID: transactionID, Detail: detail}
	}
	tx.Status = models.BridgeStatusCompleted
	tx.DestTxHash = destTxHash
	tx.CompletionProof = proof
	tx.CompletedAt = &now

	s.publish(ctx, tx, models.EventTypeBridgeCompleted, "")
	util.BridgeCompletedTotal.Inc()
	s.logger.Info("Bridge completed",
		zap.String("transaction_id", transactionID),
		zap.String("payout", payout.String()),
		zap.String("yield", yield.String()))

	return tx, nil
}

// Refund returns amount − fee to the original sender. Allowed from PENDING or
// VALIDATED, never once COMPLETED.
func (s *BridgeService) Refund(ctx context.Context, transactionID, reason string) (*models.BridgeTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BridgeService.Refund")
	defer span.End()

	unlock := s.locks.acquire(transactionID)
	defer unlock()

	tx, err := s.store.GetBridgeTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.BridgeStatusPending && tx.Status != models.BridgeStatusValidated {
		return nil, &models.InvalidStateError{Entity: "bridge", ID: transactionID, From: tx.Status, To: models.BridgeStatusRefunded}
	}

	refund := tx.Amount.Sub(tx.Fee)
	if _, err := s.executor.Execute(ctx, s.settlement.Name(), func(ctx context.Context) (interface{}, error) {
		return s.settlement.Transfer(ctx, tx.SourceChain, tx.Token, tx.SenderAddress, refund)
	}); err != nil {
		return nil, err
	}

	now := s.now()
	applied, err := s.store.RefundBridgeTransaction(ctx, transactionID, reason, now)
	if err != nil || !applied {
		detail := "refund sent but REFUNDED not persisted"
		if err != nil {
			detail += ": " + err.Error()
		}
		util.ReconciliationsRequiredTotal.Inc()
		s.logger.Error("Reconciliation required",
			zap.String("transaction_id", transactionID),
			zap.NamedError("persist_error", err))
		return nil, &models.ReconciliationRequiredError{Entity: "bridge", ID: transactionID, Detail: detail}
	}
	tx.Status = models.BridgeStatusRefunded
	tx.FailureReason = reason
	tx.CompletedAt = &now

	s.publish(ctx, tx, models.EventTypeBridgeRefunded, reason)
	util.BridgeRefundedTotal.Inc()
	s.logger.Info("Bridge refunded",
		zap.String("transaction_id", transactionID),
		zap.String("reason", reason))

	return tx, nil
}

// Fail marks a transfer FAILED without moving funds, for transfers an
// operator has judged unrecoverable. The locked amount stays in escrow until
// reconciliation. Allowed from PENDING or VALIDATED, never once COMPLETED.
func (s *BridgeService) Fail(ctx context.Context, transactionID, reason string) (*models.BridgeTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BridgeService.Fail")
	defer span.End()

	unlock := s.locks.acquire(transactionID)
	defer unlock()

	tx, err := s.store.GetBridgeTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.BridgeStatusPending && tx.Status != models.BridgeStatusValidated {
		return nil, &models.InvalidStateError{Entity: "bridge", ID: transactionID, From: tx.Status, To: models.BridgeStatusFailed}
	}

	applied, err := s.store.FailBridgeTransaction(ctx, transactionID, reason)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &models.InvalidStateError{Entity: "bridge", ID: transactionID, From: tx.Status, To: models.BridgeStatusFailed}
	}
	tx.Status = models.BridgeStatusFailed
	tx.FailureReason = reason

	s.publish(ctx, tx, models.EventTypeBridgeFailed, reason)
	util.BridgeFailedTotal.Inc()
	s.logger.Warn("Bridge failed",
		zap.String("transaction_id", transactionID),
		zap.String("reason", reason))

	return tx, nil
}

// Get retrieves a bridge transaction.
func (s *BridgeService) Get(ctx context.Context, transactionID string) (*models.BridgeTransaction, error) {
	return s.store.GetBridgeTransaction(ctx, transactionID)
}

func (s *BridgeService) checkAsset(chain, token string) error {
	tokens, ok := s.supportedAssets[chain]
	if !ok {
		return &models.UnsupportedChainError{Chain: chain}
	}
	for _, t := range tokens {
		if t == token {
			return nil
		}
	}
	return &models.UnsupportedTokenError{Chain: chain, Token: token}
}

func (s *BridgeService) publish(ctx context.Context, tx *models.BridgeTransaction, eventType, reason string) {
	event := &models.BridgeLifecycleEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		TransactionID:    tx.ID,
		SourceChain:      tx.SourceChain,
		DestChain:        tx.DestChain,
		RecipientAddress: tx.RecipientAddress,
		Amount:           tx.Amount.String(),
		Fee:              tx.Fee.String(),
		Status:           tx.Status,
		Reason:           reason,
	}
	if err := s.publisher.PublishBridgeEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish bridge event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}
