package models

import "time"

// Event types
const (
	EventTypePaymentCreated         = "PAYMENT_CREATED"
	EventTypePaymentConfirmed       = "PAYMENT_CONFIRMED"
	EventTypeYieldAccrued           = "YIELD_ACCRUED"
	EventTypePaymentReleased        = "PAYMENT_RELEASED"
	EventTypePaymentCancelled       = "PAYMENT_CANCELLED"
	EventTypePaymentExpired         = "PAYMENT_EXPIRED"
	EventTypeReconciliationRequired = "RECONCILIATION_REQUIRED"
	EventTypeBridgeInitiated        = "BRIDGE_INITIATED"
	EventTypeBridgeValidated        = "BRIDGE_VALIDATED"
	EventTypeBridgeCompleted        = "BRIDGE_COMPLETED"
	EventTypeBridgeFailed           = "BRIDGE_FAILED"
	EventTypeBridgeRefunded         = "BRIDGE_REFUNDED"
	EventTypeRebalanceExecuted      = "REBALANCE_EXECUTED"
)

// BaseEvent contains common fields for all published events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentLifecycleEvent is published on every payment transition.
type PaymentLifecycleEvent struct {
	BaseEvent
	PaymentID       string `json:"payment_id"`
	MerchantAddress string `json:"merchant_address"`
	Amount          string `json:"amount"`
	Token           string `json:"token"`
	Chain           string `json:"chain"`
	Status          string `json:"status"`
	EstimatedYield  string `json:"estimated_yield,omitempty"`
	ActualYield     string `json:"actual_yield,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// BridgeLifecycleEvent is published on every bridge transition.
type BridgeLifecycleEvent struct {
	BaseEvent
	TransactionID    string `json:"transaction_id"`
	SourceChain      string `json:"source_chain"`
	DestChain        string `json:"dest_chain"`
	RecipientAddress string `json:"recipient_address"`
	Amount           string `json:"amount"`
	Fee              string `json:"fee"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

// RebalanceEvent is published after a successful rebalance.
type RebalanceEvent struct {
	BaseEvent
	Allocations map[string]int64 `json:"allocations"`
	Trigger     string           `json:"trigger"`
}
