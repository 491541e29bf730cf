package protocols

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client is the narrow contract every external protocol integration exposes.
// All access goes through the resilience layer; nothing in the business logic
// calls a client directly.
type Client interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// YieldSource is an external protocol that accepts deposited capital and
// returns a periodic yield.
type YieldSource interface {
	Client
	// QuoteAPY returns the current annualized yield as a fraction (0.05 = 5%).
	QuoteAPY(ctx context.Context) (decimal.Decimal, error)
	Deposit(ctx context.Context, amount decimal.Decimal) (string, error)
	Withdraw(ctx context.Context, amount decimal.Decimal) (string, error)
	// Harvest realizes accrued yield and returns the harvested amount.
	Harvest(ctx context.Context) (decimal.Decimal, error)
}

// Settlement moves funds on a chain: merchant payouts on release, recipient
// credits on bridge completion, sender credits on refund.
type Settlement interface {
	Client
	Transfer(ctx context.Context, chain, token, to string, amount decimal.Decimal) (string, error)
}

// DepositVerifier checks that a payer's deposit to the escrow address is
// final on the source chain.
type DepositVerifier interface {
	Client
	VerifyDeposit(ctx context.Context, chain, token, escrowAddress, txHash string, amount decimal.Decimal) (bool, error)
}

// Compliance screens an address before a payment is opened. The screen is
// advisory on outages but a definite hit rejects creation.
type Compliance interface {
	Client
	Screen(ctx context.Context, address string) (bool, error)
}
