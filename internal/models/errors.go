package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the escrow error taxonomy. Handlers map these to HTTP
// status codes; the resilience layer uses them to decide retry eligibility.
var (
	ErrNotFound                = errors.New("not found")
	ErrServiceUnavailable      = errors.New("service unavailable: circuit open")
	ErrRebalanceCooldownActive = errors.New("rebalance cooldown active")
)

// ValidationError is bad caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// InvalidStateError is an illegal state machine transition attempt.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}

// UnsupportedTokenError is a chain/token pair the service is not configured for.
type UnsupportedTokenError struct {
	Chain string
	Token string
}

func (e *UnsupportedTokenError) Error() string {
	return fmt.Sprintf("token %s not supported on chain %s", e.Token, e.Chain)
}

// UnsupportedChainError is a chain the service is not configured for.
type UnsupportedChainError struct {
	Chain string
}

func (e *UnsupportedChainError) Error() string {
	return fmt.Sprintf("chain %s not supported", e.Chain)
}

// ExpiredError is a payment acted on past its expiry.
type ExpiredError struct {
	PaymentID string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("payment %s has expired", e.PaymentID)
}

// ExternalServiceError wraps a failed external protocol call after the retry
// budget is exhausted.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ReconciliationRequiredError marks the one genuinely dangerous case: a
// funds-moving external call whose outcome diverged from persisted state.
// Never auto-retried.
type ReconciliationRequiredError struct {
	Entity string
	ID     string
	Detail string
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("reconciliation required for %s %s: %s", e.Entity, e.ID, e.Detail)
}
