package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusConfirmed = "CONFIRMED"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusExpired   = "EXPIRED"
)

// Bridge transaction statuses
const (
	BridgeStatusPending   = "PENDING"
	BridgeStatusValidated = "VALIDATED"
	BridgeStatusCompleted = "COMPLETED"
	BridgeStatusFailed    = "FAILED"
	BridgeStatusRefunded  = "REFUNDED"
)

// paymentEdges is the full set of legal payment status transitions.
var paymentEdges = map[string][]string{
	PaymentStatusPending:   {PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled},
	PaymentStatusConfirmed: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
}

// CanTransitionPayment reports whether from -> to is a legal payment edge.
func CanTransitionPayment(from, to string) bool {
	for _, next := range paymentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPaymentStatus reports whether a payment status admits no further transitions.
func IsTerminalPaymentStatus(status string) bool {
	return len(paymentEdges[status]) == 0
}

// IsTerminalBridgeStatus reports whether a bridge status admits no further transitions.
func IsTerminalBridgeStatus(status string) bool {
	return status == BridgeStatusCompleted || status == BridgeStatusFailed || status == BridgeStatusRefunded
}

// Payment is a single escrowed payment from a payer to a merchant.
type Payment struct {
	ID              string              `db:"id" json:"id"`
	PayerAddress    string              `db:"payer_address" json:"payer_address,omitempty"`
	MerchantAddress string              `db:"merchant_address" json:"merchant_address"`
	Amount          decimal.Decimal     `db:"amount" json:"amount"`
	Token           string              `db:"token" json:"token"`
	Chain           string              `db:"chain" json:"chain"`
	Status          string              `db:"status" json:"status"`
	EscrowAddress   string              `db:"escrow_address" json:"escrow_address"`
	YieldEnabled    bool                `db:"yield_enabled" json:"yield_enabled"`
	EstimatedYield  decimal.Decimal     `db:"estimated_yield" json:"estimated_yield"`
	ActualYield     decimal.NullDecimal `db:"actual_yield" json:"actual_yield,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	ConfirmedAt     *time.Time          `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ReleasedAt      *time.Time          `db:"released_at" json:"released_at,omitempty"`
	ExpiresAt       *time.Time          `db:"expires_at" json:"expires_at,omitempty"`
}

// PaymentEvent is one append-only audit record of a payment transition.
type PaymentEvent struct {
	ID        int64     `db:"id" json:"id"`
	PaymentID string    `db:"payment_id" json:"payment_id"`
	EventType string    `db:"event_type" json:"event_type"`
	TxHash    string    `db:"tx_hash" json:"tx_hash,omitempty"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BridgeTransaction is one cross-chain transfer, distinct from but referencing a payment.
type BridgeTransaction struct {
	ID               string          `db:"id" json:"id"`
	PaymentID        string          `db:"payment_id" json:"payment_id,omitempty"`
	SourceChain      string          `db:"source_chain" json:"source_chain"`
	DestChain        string          `db:"dest_chain" json:"dest_chain"`
	SenderAddress    string          `db:"sender_address" json:"sender_address"`
	RecipientAddress string          `db:"recipient_address" json:"recipient_address"`
	Token            string          `db:"token" json:"token"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Fee              decimal.Decimal `db:"fee" json:"fee"`
	Status           string          `db:"status" json:"status"`
	SourceTxHash     string          `db:"source_tx_hash" json:"source_tx_hash,omitempty"`
	DestTxHash       string          `db:"dest_tx_hash" json:"dest_tx_hash,omitempty"`
	CompletionProof  string          `db:"completion_proof" json:"completion_proof,omitempty"`
	Validator        string          `db:"validator" json:"validator,omitempty"`
	FailureReason    string          `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	ValidatedAt      *time.Time      `db:"validated_at" json:"validated_at,omitempty"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// StrategyAllocation is the persisted weight of one yield strategy.
type StrategyAllocation struct {
	StrategyID string    `db:"strategy_id" json:"strategy_id"`
	WeightBp   int64     `db:"weight_bp" json:"weight_bp"`
	RiskScore  int       `db:"risk_score" json:"risk_score"`
	CapBp      int64     `db:"cap_bp" json:"cap_bp"`
	Active     bool      `db:"active" json:"active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// RebalanceRecord is an audit row for one executed rebalance.
type RebalanceRecord struct {
	ID          int64     `db:"id" json:"id"`
	Allocations string    `db:"allocations" json:"allocations"`
	Trigger     string    `db:"trigger_source" json:"trigger"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
