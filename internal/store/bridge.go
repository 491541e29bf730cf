package store

import (
	"context"
	"database/sql"
	"time"

	"escrow-service/internal/models"
)

// CreateBridgeTransaction inserts a new bridge transaction in PENDING state.
func (s *Store) CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error {
	query := `
		INSERT INTO bridge_transactions (id, payment_id, source_chain, dest_chain,
			sender_address, recipient_address, token, amount, fee, status, source_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	return s.db.GetContext(ctx, &tx.CreatedAt, query,
		tx.ID, tx.PaymentID, tx.SourceChain, tx.DestChain,
		tx.SenderAddress, tx.RecipientAddress, tx.Token, tx.Amount, tx.Fee,
		tx.Status, tx.SourceTxHash)
}

// GetBridgeTransaction retrieves a bridge transaction by ID.
func (s *Store) GetBridgeTransaction(ctx context.Context, id string) (*models.BridgeTransaction, error) {
	var tx models.BridgeTransaction
	err := s.db.GetContext(ctx, &tx, "SELECT * FROM bridge_transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ValidateBridgeTransaction moves PENDING -> VALIDATED. Validation is a
// one-time event: re-validating an already-VALIDATED transaction affects no
// rows and returns false.
func (s *Store) ValidateBridgeTransaction(ctx context.Context, id, validator string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bridge_transactions SET status = $1, validator = $2, validated_at = $3 WHERE id = $4 AND status = $5",
		models.BridgeStatusValidated, validator, at, id, models.BridgeStatusPending)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CompleteBridgeTransaction moves VALIDATED -> COMPLETED, recording the
// destination transfer and the operator's completion proof. The status guard
// is the optimistic check against a refund racing the completion.
func (s *Store) CompleteBridgeTransaction(ctx context.Context, id, destTxHash, proof string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bridge_transactions SET status = $1, dest_tx_hash = $2, completion_proof = $3, completed_at = $4 WHERE id = $5 AND status = $6",
		models.BridgeStatusCompleted, destTxHash, proof, at, id, models.BridgeStatusValidated)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// RefundBridgeTransaction moves PENDING or VALIDATED -> REFUNDED with a reason.
func (s *Store) RefundBridgeTransaction(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bridge_transactions SET status = $1, failure_reason = $2, completed_at = $3 WHERE id = $4 AND status IN ($5, $6)",
		models.BridgeStatusRefunded, reason, at, id, models.BridgeStatusPending, models.BridgeStatusValidated)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// FailBridgeTransaction moves PENDING or VALIDATED -> FAILED with a reason.
func (s *Store) FailBridgeTransaction(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bridge_transactions SET status = $1, failure_reason = $2 WHERE id = $3 AND status IN ($4, $5)",
		models.BridgeStatusFailed, reason, id, models.BridgeStatusPending, models.BridgeStatusValidated)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}
