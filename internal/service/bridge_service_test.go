package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBridgeStore struct {
	mu  sync.Mutex
	txs map[string]*models.BridgeTransaction

	createErr   error
	completeErr error
}

func newMemBridgeStore() *memBridgeStore {
	return &memBridgeStore{txs: make(map[string]*models.BridgeTransaction)}
}

func (m *memBridgeStore) CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	copied := *tx
	m.txs[tx.ID] = &copied
	return nil
}

func (m *memBridgeStore) GetBridgeTransaction(ctx context.Context, id string) (*models.BridgeTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *tx
	return &copied, nil
}

func (m *memBridgeStore) ValidateBridgeTransaction(ctx context.Context, id, validator string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || tx.Status != models.BridgeStatusPending {
		return false, nil
	}
	tx.Status = models.BridgeStatusValidated
	tx.Validator = validator
	tx.ValidatedAt = &at
	return true, nil
}

func (m *memBridgeStore) CompleteBridgeTransaction(ctx context.Context, id, destTxHash, proof string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return false, m.completeErr
	}
	tx, ok := m.txs[id]
	if !ok || tx.Status != models.BridgeStatusValidated {
		return false, nil
	}
	tx.Status = models.BridgeStatusCompleted
	tx.DestTxHash = destTxHash
	tx.CompletionProof = proof
	tx.CompletedAt = &at
	return true, nil
}

func (m *memBridgeStore) RefundBridgeTransaction(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || (tx.Status != models.BridgeStatusPending && tx.Status != models.BridgeStatusValidated) {
		return false, nil
	}
	tx.Status = models.BridgeStatusRefunded
	tx.FailureReason = reason
	tx.CompletedAt = &at
	return true, nil
}

func (m *memBridgeStore) FailBridgeTransaction(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || (tx.Status != models.BridgeStatusPending && tx.Status != models.BridgeStatusValidated) {
		return false, nil
	}
	tx.Status = models.BridgeStatusFailed
	tx.FailureReason = reason
	return true, nil
}

type bridgeFixture struct {
	svc        *BridgeService
	store      *memBridgeStore
	publisher  *recordingPublisher
	allocator  *fixedAllocator
	settlement *stubSettlement
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		store:      newMemBridgeStore(),
		publisher:  &recordingPublisher{},
		allocator:  &fixedAllocator{apy: decimal.NewFromFloat(0.04)},
		settlement: &stubSettlement{},
	}
	f.svc = NewBridgeService(f.store, f.publisher, f.allocator, serviceExecutor(), f.settlement,
		testAssets, "0xescrow-vault-000001", BridgeLimits{
			FeeBasisPoints: 10,
			MinAmount:      decimal.NewFromInt(10),
			MaxAmount:      decimal.NewFromInt(100000),
		})
	return f
}

func (f *bridgeFixture) seedBridge(t *testing.T, status, amount string, createdAgo time.Duration) *models.BridgeTransaction {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	tx := &models.BridgeTransaction{
		ID:               uuid.New().String(),
		SourceChain:      "ethereum",
		DestChain:        "polygon",
		SenderAddress:    "0xsender-address-01",
		RecipientAddress: "0xrecipient-addr-01",
		Token:            "USDC",
		Amount:           amt,
		Fee:              amt.Mul(decimal.NewFromInt(10)).Div(decimal.NewFromInt(10000)),
		Status:           status,
		SourceTxHash:     "0xsource-lock",
		CreatedAt:        time.Now().Add(-createdAgo),
	}
	require.NoError(t, f.store.CreateBridgeTransaction(context.Background(), tx))
	return tx
}

func TestInitiateBridge(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Initiate(ctx, &InitiateBridgeRequest{
		SenderAddress:    "0xsender-address-01",
		RecipientAddress: "0xrecipient-addr-01",
		Amount:           "1000",
		Token:            "USDC",
		SourceChain:      "ethereum",
		DestChain:        "polygon",
	})
	require.NoError(t, err)

	assert.Equal(t, models.BridgeStatusPending, tx.Status)
	assert.NotEmpty(t, tx.SourceTxHash)
	// 10bp of 1000 is a fee of 1.
	assert.True(t, tx.Fee.Equal(decimal.NewFromInt(1)), "fee %s", tx.Fee)

	// The source amount was locked into escrow before the record was opened.
	require.Equal(t, 1, f.settlement.callCount())
	lock := f.settlement.lastCall()
	assert.Equal(t, "ethereum", lock.chain)
	assert.Equal(t, "0xescrow-vault-000001", lock.to)
	assert.True(t, lock.amount.Equal(decimal.NewFromInt(1000)))

	require.Len(t, f.publisher.bridgeEvents, 1)
	assert.Equal(t, models.EventTypeBridgeInitiated, f.publisher.bridgeEvents[0].EventType)
}

func TestInitiateBridgeValidation(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	base := InitiateBridgeRequest{
		SenderAddress:    "0xsender-address-01",
		RecipientAddress: "0xrecipient-addr-01",
		Amount:           "1000",
		Token:            "USDC",
		SourceChain:      "ethereum",
		DestChain:        "polygon",
	}

	cases := []struct {
		name   string
		mutate func(r *InitiateBridgeRequest)
	}{
		{"bad amount", func(r *InitiateBridgeRequest) { r.Amount = "lots" }},
		{"below minimum", func(r *InitiateBridgeRequest) { r.Amount = "5" }},
		{"above maximum", func(r *InitiateBridgeRequest) { r.Amount = "5000000" }},
		{"short sender", func(r *InitiateBridgeRequest) { r.SenderAddress = "0x1" }},
		{"short recipient", func(r *InitiateBridgeRequest) { r.RecipientAddress = "0x1" }},
		{"same chain", func(r *InitiateBridgeRequest) { r.DestChain = "ethereum" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.svc.Initiate(ctx, &req)
			var vErr *models.ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}

	t.Run("token unsupported on destination", func(t *testing.T) {
		req := base
		req.Token = "USDT"
		// USDT exists on ethereum but not on polygon.
		_, err := f.svc.Initiate(ctx, &req)
		var tErr *models.UnsupportedTokenError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, "polygon", tErr.Chain)
	})

	assert.Equal(t, 0, f.settlement.callCount(), "nothing moves on a rejected request")
}

func TestInitiateBridgeLockFailure(t *testing.T) {
	f := newBridgeFixture(t)
	f.settlement.err = errors.New("rail down")

	_, err := f.svc.Initiate(context.Background(), &InitiateBridgeRequest{
		SenderAddress:    "0xsender-address-01",
		RecipientAddress: "0xrecipient-addr-01",
		Amount:           "1000",
		Token:            "USDC",
		SourceChain:      "ethereum",
		DestChain:        "polygon",
	})
	var extErr *models.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Empty(t, f.store.txs, "no record exists when the lock never went out")
}

func TestInitiateBridgePersistFailure(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.createErr = errors.New("db connection reset")

	_, err := f.svc.Initiate(context.Background(), &InitiateBridgeRequest{
		SenderAddress:    "0xsender-address-01",
		RecipientAddress: "0xrecipient-addr-01",
		Amount:           "1000",
		Token:            "USDC",
		SourceChain:      "ethereum",
		DestChain:        "polygon",
	})
	// The lock went out but the record did not stick: operator territory.
	var recErr *models.ReconciliationRequiredError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, 1, f.settlement.callCount())
}

func TestValidateBridgeOnce(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	tx := f.seedBridge(t, models.BridgeStatusPending, "1000", 0)

	validated, err := f.svc.Validate(ctx, tx.ID, "validator-7")
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusValidated, validated.Status)
	assert.Equal(t, "validator-7", validated.Validator)
	require.NotNil(t, validated.ValidatedAt)

	// Validation is a one-time event, not an idempotent no-op.
	_, err = f.svc.Validate(ctx, tx.ID, "validator-8")
	var stErr *models.InvalidStateError
	require.ErrorAs(t, err, &stErr)

	stored, err := f.store.GetBridgeTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "validator-7", stored.Validator)
}

func TestCompleteBridgeRequiresValidated(t *testing.T) {
	f := newBridgeFixture(t)
	tx := f.seedBridge(t, models.BridgeStatusPending, "1000", 0)

	_, err := f.svc.Complete(context.Background(), tx.ID, "0xproof")
	var stErr *models.InvalidStateError
	assert.ErrorAs(t, err, &stErr)
	assert.Equal(t, 0, f.settlement.callCount())
}

func TestCompleteBridgeRequiresProof(t *testing.T) {
	f := newBridgeFixture(t)
	tx := f.seedBridge(t, models.BridgeStatusValidated, "1000", time.Hour)

	_, err := f.svc.Complete(context.Background(), tx.ID, "")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "proof", vErr.Field)
	assert.Equal(t, 0, f.settlement.callCount())

	stored, err := f.store.GetBridgeTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusValidated, stored.Status)
}

func TestCompleteBridgePayout(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	// 1000 USDC in transit for one day at a 4% blended APY: the recipient gets
	// 1000 - 1 fee + ~0.1096 yield.
	tx := f.seedBridge(t, models.BridgeStatusValidated, "1000", 24*time.Hour)

	completed, err := f.svc.Complete(ctx, tx.ID, "0xproof")
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusCompleted, completed.Status)
	assert.NotEmpty(t, completed.DestTxHash)
	assert.Equal(t, "0xproof", completed.CompletionProof)
	require.NotNil(t, completed.CompletedAt)

	stored, err := f.store.GetBridgeTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xproof", stored.CompletionProof)

	require.Equal(t, 1, f.settlement.callCount())
	payout := f.settlement.lastCall()
	assert.Equal(t, "polygon", payout.chain)
	assert.Equal(t, tx.RecipientAddress, payout.to)
	assert.InDelta(t, 999.1096, payout.amount.InexactFloat64(), 0.001)
}

func TestCompleteBridgeReconciliation(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.completeErr = errors.New("db connection reset")
	tx := f.seedBridge(t, models.BridgeStatusValidated, "1000", time.Hour)

	_, err := f.svc.Complete(context.Background(), tx.ID, "0xproof")
	var recErr *models.ReconciliationRequiredError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, 1, f.settlement.callCount(), "destination transfer went out exactly once")
}

func TestRefundBridge(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	for _, status := range []string{models.BridgeStatusPending, models.BridgeStatusValidated} {
		tx := f.seedBridge(t, status, "1000", time.Hour)

		refunded, err := f.svc.Refund(ctx, tx.ID, "validation timeout")
		require.NoError(t, err, "refund from %s", status)
		assert.Equal(t, models.BridgeStatusRefunded, refunded.Status)
		assert.Equal(t, "validation timeout", refunded.FailureReason)

		// The sender gets amount minus fee back on the source chain.
		back := f.settlement.lastCall()
		assert.Equal(t, "ethereum", back.chain)
		assert.Equal(t, tx.SenderAddress, back.to)
		assert.True(t, back.amount.Equal(decimal.RequireFromString("999")), "refund %s", back.amount)
	}
}

func TestFailBridge(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	for _, status := range []string{models.BridgeStatusPending, models.BridgeStatusValidated} {
		tx := f.seedBridge(t, status, "1000", time.Hour)

		failed, err := f.svc.Fail(ctx, tx.ID, "source lock reorged out")
		require.NoError(t, err, "fail from %s", status)
		assert.Equal(t, models.BridgeStatusFailed, failed.Status)
		assert.Equal(t, "source lock reorged out", failed.FailureReason)
	}

	// Failing moves no funds; the escrowed amount awaits reconciliation.
	assert.Equal(t, 0, f.settlement.callCount())

	events := f.publisher.bridgeEvents
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, models.EventTypeBridgeFailed, event.EventType)
	}
}

func TestFailBridgeNeverAfterCompleted(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	tx := f.seedBridge(t, models.BridgeStatusValidated, "1000", time.Hour)

	_, err := f.svc.Complete(ctx, tx.ID, "0xproof")
	require.NoError(t, err)

	_, err = f.svc.Fail(ctx, tx.ID, "too late")
	var stErr *models.InvalidStateError
	require.ErrorAs(t, err, &stErr)

	stored, err := f.store.GetBridgeTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusCompleted, stored.Status)
}

func TestRefundBridgeNeverAfterCompleted(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	tx := f.seedBridge(t, models.BridgeStatusValidated, "1000", time.Hour)

	_, err := f.svc.Complete(ctx, tx.ID, "0xproof")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, tx.ID, "too late")
	var stErr *models.InvalidStateError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, 1, f.settlement.callCount(), "the completed payout is the only transfer")
}
