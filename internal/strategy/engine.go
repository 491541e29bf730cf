package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/protocols"
	"escrow-service/internal/resilience"
	"escrow-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskTolerance selects the ceiling on the weighted-average risk score of a
// target allocation.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// riskCeiling maps a tolerance to the maximum acceptable weighted risk score.
var riskCeiling = map[RiskTolerance]int64{
	RiskConservative: 3,
	RiskModerate:     6,
	RiskAggressive:   9,
}

// AllocationStore persists allocation weights and the rebalance audit trail.
type AllocationStore interface {
	ListAllocations(ctx context.Context) ([]models.StrategyAllocation, error)
	UpsertAllocation(ctx context.Context, a *models.StrategyAllocation) error
	ReplaceWeights(ctx context.Context, weights map[string]int64) error
	InsertRebalanceRecord(ctx context.Context, r *models.RebalanceRecord) error
}

// QuoteCache keeps the last good APY quote per strategy for the read-path
// fallback when a protocol's breaker is open.
type QuoteCache interface {
	SetLastQuote(ctx context.Context, strategyID string, apy string) error
	GetLastQuote(ctx context.Context, strategyID string) (string, bool, error)
}

// HarvestResult reports the outcome of harvesting one strategy. Partial
// success across strategies is the expected common case.
type HarvestResult struct {
	StrategyID string          `json:"strategy_id"`
	Amount     decimal.Decimal `json:"amount"`
	Error      string          `json:"error,omitempty"`
}

// Engine computes target allocations across the registry's live strategies
// and executes cooldown-limited rebalances.
type Engine struct {
	registry *Registry
	store    AllocationStore
	executor *resilience.Executor
	cache    QuoteCache
	logger   *zap.Logger

	cooldown    time.Duration
	thresholdBp int64
	now         func() time.Time

	mu            sync.Mutex
	sources       map[string]protocols.YieldSource
	weights       map[string]int64
	lastRebalance time.Time
}

// NewEngine creates an allocation engine.
func NewEngine(registry *Registry, store AllocationStore, executor *resilience.Executor, cache QuoteCache, cooldown time.Duration, thresholdBp int64) *Engine {
	return &Engine{
		registry:    registry,
		store:       store,
		executor:    executor,
		cache:       cache,
		logger:      util.GetLogger(),
		cooldown:    cooldown,
		thresholdBp: thresholdBp,
		now:         time.Now,
		sources:     make(map[string]protocols.YieldSource),
		weights:     make(map[string]int64),
	}
}

// BindSource attaches the protocol client serving a strategy.
func (e *Engine) BindSource(strategyID string, src protocols.YieldSource) {
	e.mu.Lock()
	e.sources[strategyID] = src
	e.mu.Unlock()
}

// Restore loads persisted weights at boot and seeds store rows for newly
// registered strategies.
func (e *Engine) Restore(ctx context.Context) error {
	persisted, err := e.store.ListAllocations(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(persisted))
	e.mu.Lock()
	for _, a := range persisted {
		known[a.StrategyID] = struct{}{}
		e.weights[a.StrategyID] = a.WeightBp
	}
	e.mu.Unlock()

	for _, s := range e.registry.All() {
		if _, ok := known[s.ID]; ok {
			continue
		}
		row := &models.StrategyAllocation{
			StrategyID: s.ID,
			WeightBp:   0,
			RiskScore:  s.RiskScore,
			CapBp:      s.CapBp,
			Active:     s.Active,
		}
		if err := e.store.UpsertAllocation(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// CurrentWeights returns a copy of the live allocation.
func (e *Engine) CurrentWeights() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	weights := make(map[string]int64, len(e.weights))
	for id, w := range e.weights {
		weights[id] = w
	}
	return weights
}

// ComputeTargetAllocation returns a weight per live strategy summing to
// exactly 10000bp. Strategies are filled lowest risk first, clamped to their
// caps, ties broken by id. This greedy order yields the minimum attainable
// weighted risk, so a ceiling breach here means the tolerance is infeasible.
func (e *Engine) ComputeTargetAllocation(pool decimal.Decimal, tolerance RiskTolerance) (map[string]int64, error) {
	if !pool.IsPositive() {
		return nil, &models.ValidationError{Field: "pool", Reason: "must be positive"}
	}
	ceiling, ok := riskCeiling[tolerance]
	if !ok {
		return nil, &models.ValidationError{Field: "risk_tolerance", Reason: "unknown tolerance"}
	}

	active := e.registry.Active()
	if len(active) == 0 {
		return nil, &models.ValidationError{Field: "strategies", Reason: "no active strategies"}
	}

	target := make(map[string]int64, len(active))
	remaining := int64(10000)
	var weightedRisk int64
	for _, s := range active {
		w := s.CapBp
		if w > remaining {
			w = remaining
		}
		target[s.ID] = w
		weightedRisk += w * int64(s.RiskScore)
		remaining -= w
		if remaining == 0 {
			break
		}
	}
	if remaining > 0 {
		return nil, &models.ValidationError{Field: "strategies", Reason: "allocation caps cover less than 100%"}
	}
	if weightedRisk > ceiling*10000 {
		return nil, &models.ValidationError{Field: "risk_tolerance", Reason: "no allocation satisfies the risk ceiling"}
	}

	// Strategies skipped by the fill still appear with weight zero.
	for _, s := range active {
		if _, ok := target[s.ID]; !ok {
			target[s.ID] = 0
		}
	}
	return target, nil
}

// NeedsRebalance reports whether the L1 distance between current and target
// weights exceeds thresholdBp.
func NeedsRebalance(current, target map[string]int64, thresholdBp int64) bool {
	var distance int64
	seen := make(map[string]struct{}, len(current))
	for id, cur := range current {
		seen[id] = struct{}{}
		diff := cur - target[id]
		if diff < 0 {
			diff = -diff
		}
		distance += diff
	}
	for id, tgt := range target {
		if _, ok := seen[id]; !ok {
			distance += tgt
		}
	}
	return distance > thresholdBp
}

// NeedsRebalance checks the live allocation against a target using the
// engine's configured drift threshold.
func (e *Engine) NeedsRebalance(target map[string]int64) bool {
	return NeedsRebalance(e.CurrentWeights(), target, e.thresholdBp)
}

// Rebalance writes a new allocation atomically. Moving capital between
// strategies has a real transaction cost, so rebalances are rate-limited by
// the cooldown.
func (e *Engine) Rebalance(ctx context.Context, newAllocations map[string]int64, trigger string) error {
	var sum int64
	for id, w := range newAllocations {
		s, ok := e.registry.Get(id)
		if !ok {
			return &models.ValidationError{Field: "allocations", Reason: "unknown strategy " + id}
		}
		if w < 0 {
			return &models.ValidationError{Field: "allocations", Reason: "negative weight for " + id}
		}
		if w > s.CapBp {
			return &models.ValidationError{Field: "allocations", Reason: "weight exceeds cap for " + id}
		}
		if w > 0 && !s.Active {
			return &models.ValidationError{Field: "allocations", Reason: "strategy " + id + " is paused"}
		}
		sum += w
	}
	if sum != 10000 {
		return &models.ValidationError{Field: "allocations", Reason: "weights must sum to 10000"}
	}

	// Claim the cooldown window before touching the store so a concurrent
	// Rebalance is rejected while this one is still committing. A failed
	// commit hands the window back.
	e.mu.Lock()
	if !e.lastRebalance.IsZero() && e.now().Sub(e.lastRebalance) < e.cooldown {
		e.mu.Unlock()
		util.RebalancesRejectedTotal.WithLabelValues("cooldown").Inc()
		return models.ErrRebalanceCooldownActive
	}
	prevRebalance := e.lastRebalance
	e.lastRebalance = e.now()
	e.mu.Unlock()

	if err := e.store.ReplaceWeights(ctx, newAllocations); err != nil {
		e.mu.Lock()
		e.lastRebalance = prevRebalance
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.weights = make(map[string]int64, len(newAllocations))
	for id, w := range newAllocations {
		e.weights[id] = w
	}
	e.mu.Unlock()

	payload, _ := json.Marshal(newAllocations)
	record := &models.RebalanceRecord{Allocations: string(payload), Trigger: trigger}
	if err := e.store.InsertRebalanceRecord(ctx, record); err != nil {
		e.logger.Error("Failed to write rebalance record", zap.Error(err))
	}

	util.RebalancesTotal.Inc()
	e.logger.Info("Rebalance executed",
		zap.String("trigger", trigger),
		zap.Int("strategies", len(newAllocations)))
	return nil
}

// WeightedAPY returns the allocation-weighted APY across live strategies.
// Quotes go through the resilience layer; an open breaker degrades to the
// last cached quote, and a strategy with no quote at all contributes zero.
func (e *Engine) WeightedAPY(ctx context.Context) decimal.Decimal {
	weights := e.CurrentWeights()
	total := decimal.Zero

	for _, s := range e.registry.Active() {
		w := weights[s.ID]
		if w == 0 {
			continue
		}
		apy, ok := e.quote(ctx, s)
		if !ok {
			continue
		}
		total = total.Add(apy.Mul(decimal.NewFromInt(w)).Div(decimal.NewFromInt(10000)))
	}
	return total
}

func (e *Engine) quote(ctx context.Context, s Strategy) (decimal.Decimal, bool) {
	e.mu.Lock()
	src, ok := e.sources[s.ID]
	e.mu.Unlock()
	if !ok {
		return decimal.Zero, false
	}

	result, err := e.executor.ExecuteWithFallback(ctx, src.Name(),
		func(ctx context.Context) (interface{}, error) {
			apy, err := src.QuoteAPY(ctx)
			if err != nil {
				return nil, err
			}
			if err := e.cache.SetLastQuote(ctx, s.ID, apy.String()); err != nil {
				e.logger.Warn("Failed to cache quote", zap.String("strategy", s.ID), zap.Error(err))
			}
			return apy, nil
		},
		func(ctx context.Context) (interface{}, error) {
			cached, found, err := e.cache.GetLastQuote(ctx, s.ID)
			if err != nil || !found {
				return nil, models.ErrNotFound
			}
			return decimal.NewFromString(cached)
		})
	if err != nil {
		e.logger.Warn("No quote available", zap.String("strategy", s.ID), zap.Error(err))
		return decimal.Zero, false
	}
	return result.(decimal.Decimal), true
}

// PlaceCapital deposits an amount across live strategies pro rata to the
// current weights. Called when a yield-enabled payment is confirmed.
func (e *Engine) PlaceCapital(ctx context.Context, amount decimal.Decimal) error {
	return e.eachAllocated(ctx, amount, func(ctx context.Context, src protocols.YieldSource, slice decimal.Decimal) (interface{}, error) {
		return src.Deposit(ctx, slice)
	})
}

// WithdrawCapital pulls an amount back out pro rata to the current weights.
// Called on release and on cancellation of a confirmed payment.
func (e *Engine) WithdrawCapital(ctx context.Context, amount decimal.Decimal) error {
	return e.eachAllocated(ctx, amount, func(ctx context.Context, src protocols.YieldSource, slice decimal.Decimal) (interface{}, error) {
		return src.Withdraw(ctx, slice)
	})
}

func (e *Engine) eachAllocated(ctx context.Context, amount decimal.Decimal, op func(ctx context.Context, src protocols.YieldSource, slice decimal.Decimal) (interface{}, error)) error {
	weights := e.CurrentWeights()
	for _, s := range e.registry.Active() {
		w := weights[s.ID]
		if w == 0 {
			continue
		}
		e.mu.Lock()
		src, ok := e.sources[s.ID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		slice := amount.Mul(decimal.NewFromInt(w)).Div(decimal.NewFromInt(10000))
		if _, err := e.executor.Execute(ctx, src.Name(), func(ctx context.Context) (interface{}, error) {
			return op(ctx, src, slice)
		}); err != nil {
			return err
		}
	}
	return nil
}

// HarvestAll realizes yield on every live strategy. A failure on one strategy
// never blocks the others; each outcome is reported separately.
func (e *Engine) HarvestAll(ctx context.Context) []HarvestResult {
	var results []HarvestResult
	for _, s := range e.registry.Active() {
		e.mu.Lock()
		src, ok := e.sources[s.ID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		result, err := e.executor.Execute(ctx, src.Name(), func(ctx context.Context) (interface{}, error) {
			return src.Harvest(ctx)
		})
		if err != nil {
			util.HarvestsTotal.WithLabelValues(s.ID, "failure").Inc()
			results = append(results, HarvestResult{StrategyID: s.ID, Amount: decimal.Zero, Error: err.Error()})
			continue
		}
		util.HarvestsTotal.WithLabelValues(s.ID, "success").Inc()
		results = append(results, HarvestResult{StrategyID: s.ID, Amount: result.(decimal.Decimal)})
	}
	return results
}
