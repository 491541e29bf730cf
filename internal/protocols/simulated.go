package protocols

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulated protocol clients stand in for the real integrations (Aave-style
// lending pools, Noble/CCTP settlement, chain RPCs, screening providers).
// They carry latency jitter and a configurable failure rate so the resilience
// layer is exercised the same way it would be in production.

// SimulatedYieldSource is an in-memory yield protocol.
type SimulatedYieldSource struct {
	name        string
	failureRate float64

	mu        sync.Mutex
	apy       decimal.Decimal
	deposited decimal.Decimal
	harvested decimal.Decimal
}

// NewSimulatedYieldSource creates a yield source quoting a fixed APY.
func NewSimulatedYieldSource(name string, apy decimal.Decimal, failureRate float64) *SimulatedYieldSource {
	return &SimulatedYieldSource{
		name:        name,
		failureRate: failureRate,
		apy:         apy,
	}
}

func (s *SimulatedYieldSource) Name() string {
	return s.name
}

func (s *SimulatedYieldSource) HealthCheck(ctx context.Context) error {
	return s.maybeFail("health check")
}

func (s *SimulatedYieldSource) QuoteAPY(ctx context.Context) (decimal.Decimal, error) {
	if err := s.maybeFail("quote"); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apy, nil
}

func (s *SimulatedYieldSource) Deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	if err := s.maybeFail("deposit"); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.deposited = s.deposited.Add(amount)
	s.mu.Unlock()
	return txHash(), nil
}

func (s *SimulatedYieldSource) Withdraw(ctx context.Context, amount decimal.Decimal) (string, error) {
	if err := s.maybeFail("withdraw"); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.deposited = s.deposited.Sub(amount)
	s.mu.Unlock()
	return txHash(), nil
}

func (s *SimulatedYieldSource) Harvest(ctx context.Context) (decimal.Decimal, error) {
	if err := s.maybeFail("harvest"); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// One hour of yield at the quoted APY against the deposited balance.
	accrued := s.deposited.Mul(s.apy).Div(decimal.NewFromInt(365 * 24))
	s.harvested = s.harvested.Add(accrued)
	return accrued, nil
}

// SetAPY updates the quoted APY.
func (s *SimulatedYieldSource) SetAPY(apy decimal.Decimal) {
	s.mu.Lock()
	s.apy = apy
	s.mu.Unlock()
}

func (s *SimulatedYieldSource) maybeFail(op string) error {
	jitter()
	if rand.Float64() < s.failureRate {
		return fmt.Errorf("%s: %s temporarily unavailable", s.name, op)
	}
	return nil
}

// SimulatedSettlement is an in-memory settlement rail.
type SimulatedSettlement struct {
	name        string
	failureRate float64
}

func NewSimulatedSettlement(name string, failureRate float64) *SimulatedSettlement {
	return &SimulatedSettlement{name: name, failureRate: failureRate}
}

func (s *SimulatedSettlement) Name() string {
	return s.name
}

func (s *SimulatedSettlement) HealthCheck(ctx context.Context) error {
	jitter()
	if rand.Float64() < s.failureRate {
		return fmt.Errorf("%s: health check failed", s.name)
	}
	return nil
}

func (s *SimulatedSettlement) Transfer(ctx context.Context, chain, token, to string, amount decimal.Decimal) (string, error) {
	jitter()
	if rand.Float64() < s.failureRate {
		return "", fmt.Errorf("%s: transfer of %s %s on %s failed", s.name, amount, token, chain)
	}
	return txHash(), nil
}

// SimulatedVerifier attests deposit finality on a chain.
type SimulatedVerifier struct {
	name string
}

func NewSimulatedVerifier(name string) *SimulatedVerifier {
	return &SimulatedVerifier{name: name}
}

func (v *SimulatedVerifier) Name() string {
	return v.name
}

func (v *SimulatedVerifier) HealthCheck(ctx context.Context) error {
	jitter()
	return nil
}

func (v *SimulatedVerifier) VerifyDeposit(ctx context.Context, chain, token, escrowAddress, txHash string, amount decimal.Decimal) (bool, error) {
	jitter()
	if txHash == "" {
		return false, nil
	}
	return amount.IsPositive(), nil
}

// SimulatedCompliance screens addresses against a static denylist.
type SimulatedCompliance struct {
	name     string
	denylist map[string]struct{}
}

func NewSimulatedCompliance(name string, denied ...string) *SimulatedCompliance {
	denylist := make(map[string]struct{}, len(denied))
	for _, addr := range denied {
		denylist[addr] = struct{}{}
	}
	return &SimulatedCompliance{name: name, denylist: denylist}
}

func (c *SimulatedCompliance) Name() string {
	return c.name
}

func (c *SimulatedCompliance) HealthCheck(ctx context.Context) error {
	jitter()
	return nil
}

// Screen returns true when the address is clear.
func (c *SimulatedCompliance) Screen(ctx context.Context, address string) (bool, error) {
	jitter()
	_, denied := c.denylist[address]
	return !denied, nil
}

func txHash() string {
	return fmt.Sprintf("0x%s", uuid.New().String())
}

func jitter() {
	time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
}
