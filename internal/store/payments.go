package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"escrow-service/internal/models"

	"github.com/shopspring/decimal"
)

// CreatePayment inserts a new payment in PENDING state.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, payer_address, merchant_address, amount, token, chain,
			status, escrow_address, yield_enabled, estimated_yield, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	return s.db.GetContext(ctx, &p.CreatedAt, query,
		p.ID, p.PayerAddress, p.MerchantAddress, p.Amount, p.Token, p.Chain,
		p.Status, p.EscrowAddress, p.YieldEnabled, p.EstimatedYield, p.ExpiresAt)
}

// GetPaymentByID retrieves a payment by ID.
func (s *Store) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPaymentsByMerchant retrieves payments for a merchant address.
func (s *Store) ListPaymentsByMerchant(ctx context.Context, merchant string) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE merchant_address = $1 ORDER BY created_at DESC", merchant)
	return payments, err
}

// ConfirmPayment moves a payment PENDING -> CONFIRMED. Returns false when the
// payment was not in PENDING, which keeps concurrent confirms single-winner.
func (s *Store) ConfirmPayment(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, confirmed_at = $2 WHERE id = $3 AND status = $4",
		models.PaymentStatusConfirmed, at, id, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// UpdateEstimatedYield rewrites the unrealized yield estimate while CONFIRMED.
func (s *Store) UpdateEstimatedYield(ctx context.Context, id string, estimate decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET estimated_yield = $1 WHERE id = $2 AND status = $3",
		estimate, id, models.PaymentStatusConfirmed)
	return err
}

// CompletePayment moves a payment CONFIRMED -> COMPLETED and freezes the
// realized yield. Returns false when the payment was not in CONFIRMED.
func (s *Store) CompletePayment(ctx context.Context, id string, actualYield decimal.Decimal, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, actual_yield = $2, estimated_yield = $2, released_at = $3
		WHERE id = $4 AND status = $5`,
		models.PaymentStatusCompleted, actualYield, at, id, models.PaymentStatusConfirmed)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// TerminatePayment moves a payment from PENDING or CONFIRMED into a terminal
// failure state (FAILED, CANCELLED, EXPIRED).
func (s *Store) TerminatePayment(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1 WHERE id = $2 AND status IN ($3, $4)",
		status, id, models.PaymentStatusPending, models.PaymentStatusConfirmed)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// ListExpiredPending returns PENDING payments whose expiry has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2",
		models.PaymentStatusPending, now)
	return payments, err
}

// AppendPaymentEvent appends one audit record. Events are never updated or deleted.
func (s *Store) AppendPaymentEvent(ctx context.Context, e *models.PaymentEvent) error {
	query := `
		INSERT INTO payment_events (payment_id, event_type, tx_hash, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		e.PaymentID, e.EventType, e.TxHash, e.Detail).Scan(&e.ID, &e.CreatedAt)
}

// ListPaymentEvents returns the full audit log for a payment, oldest first.
func (s *Store) ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM payment_events WHERE payment_id = $1 ORDER BY id", paymentID)
	return events, err
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
