package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/protocols"
	"escrow-service/internal/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAllocationStore struct {
	mu      sync.Mutex
	weights map[string]int64
	rows    map[string]models.StrategyAllocation
	records []models.RebalanceRecord
}

func newMemAllocationStore() *memAllocationStore {
	return &memAllocationStore{
		weights: make(map[string]int64),
		rows:    make(map[string]models.StrategyAllocation),
	}
}

func (m *memAllocationStore) ListAllocations(ctx context.Context) ([]models.StrategyAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StrategyAllocation
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out, nil
}

func (m *memAllocationStore) UpsertAllocation(ctx context.Context, a *models.StrategyAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.StrategyID] = *a
	return nil
}

func (m *memAllocationStore) ReplaceWeights(ctx context.Context, weights map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.weights {
		m.weights[id] = 0
	}
	for id, row := range m.rows {
		row.WeightBp = 0
		m.rows[id] = row
	}
	for id, w := range weights {
		m.weights[id] = w
		row := m.rows[id]
		row.StrategyID = id
		row.WeightBp = w
		m.rows[id] = row
	}
	return nil
}

func (m *memAllocationStore) InsertRebalanceRecord(ctx context.Context, r *models.RebalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
	return nil
}

type memQuoteCache struct {
	mu     sync.Mutex
	quotes map[string]string
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{quotes: make(map[string]string)}
}

func (m *memQuoteCache) SetLastQuote(ctx context.Context, strategyID string, apy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[strategyID] = apy
	return nil
}

func (m *memQuoteCache) GetLastQuote(ctx context.Context, strategyID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apy, ok := m.quotes[strategyID]
	return apy, ok, nil
}

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Settings{
		FailureThreshold: 5,
		OpenDuration:     time.Second,
		MaxRetries:       1,
		RetryDelay:       time.Millisecond,
		CallTimeout:      time.Second,
	})
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(5)
	require.NoError(t, r.Register(Strategy{ID: "noble-usdc", Protocol: "noble", RiskScore: 2, CapBp: 4000, Active: true}))
	require.NoError(t, r.Register(Strategy{ID: "aave-usdc", Protocol: "aave", RiskScore: 3, CapBp: 4000, Active: true}))
	require.NoError(t, r.Register(Strategy{ID: "resolv-usr", Protocol: "resolv", RiskScore: 6, CapBp: 3000, Active: true}))
	return r
}

func testEngine(t *testing.T) (*Engine, *memAllocationStore) {
	t.Helper()
	store := newMemAllocationStore()
	e := NewEngine(testRegistry(t), store, testExecutor(), newMemQuoteCache(), time.Hour, 500)
	return e, store
}

func TestRegistryBounds(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Register(Strategy{ID: "a", RiskScore: 1, CapBp: 5000, Active: true}))
	require.NoError(t, r.Register(Strategy{ID: "b", RiskScore: 2, CapBp: 5000, Active: true}))

	err := r.Register(Strategy{ID: "c", RiskScore: 3, CapBp: 5000, Active: true})
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)

	// An inactive strategy can always be registered, and resumes only while
	// the live bound allows it.
	require.NoError(t, r.Register(Strategy{ID: "c", RiskScore: 3, CapBp: 5000, Active: false}))
	assert.ErrorAs(t, r.Resume("c"), &vErr)

	require.NoError(t, r.Pause("a"))
	assert.NoError(t, r.Resume("c"))

	assert.ErrorAs(t, r.Register(Strategy{ID: "bad", RiskScore: 11, CapBp: 100, Active: false}), &vErr)
	assert.ErrorAs(t, r.Register(Strategy{ID: "bad", RiskScore: 1, CapBp: 10001, Active: false}), &vErr)
}

func TestComputeTargetAllocation(t *testing.T) {
	e, _ := testEngine(t)

	target, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskModerate)
	require.NoError(t, err)

	// Lowest risk filled first, clamped to caps, remainder to the next tier.
	assert.Equal(t, int64(4000), target["noble-usdc"])
	assert.Equal(t, int64(4000), target["aave-usdc"])
	assert.Equal(t, int64(2000), target["resolv-usr"])

	var sum int64
	for _, w := range target {
		sum += w
	}
	assert.Equal(t, int64(10000), sum)
}

func TestComputeTargetAllocationDeterministic(t *testing.T) {
	e, _ := testEngine(t)

	first, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskAggressive)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskAggressive)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeTargetAllocationRiskCeiling(t *testing.T) {
	r := NewRegistry(5)
	require.NoError(t, r.Register(Strategy{ID: "degen", RiskScore: 9, CapBp: 10000, Active: true}))
	e := NewEngine(r, newMemAllocationStore(), testExecutor(), newMemQuoteCache(), time.Hour, 500)

	_, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskConservative)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)

	target, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskAggressive)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), target["degen"])
}

func TestComputeTargetAllocationInsufficientCaps(t *testing.T) {
	r := NewRegistry(5)
	require.NoError(t, r.Register(Strategy{ID: "small", RiskScore: 2, CapBp: 3000, Active: true}))
	e := NewEngine(r, newMemAllocationStore(), testExecutor(), newMemQuoteCache(), time.Hour, 500)

	_, err := e.ComputeTargetAllocation(decimal.NewFromInt(1000), RiskModerate)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestNeedsRebalance(t *testing.T) {
	current := map[string]int64{"a": 5000, "b": 5000}

	assert.False(t, NeedsRebalance(current, map[string]int64{"a": 5000, "b": 5000}, 500))
	assert.False(t, NeedsRebalance(current, map[string]int64{"a": 4800, "b": 5200}, 500))
	assert.True(t, NeedsRebalance(current, map[string]int64{"a": 4000, "b": 6000}, 500))
	// A strategy absent on one side counts with its full weight.
	assert.True(t, NeedsRebalance(current, map[string]int64{"a": 5000, "c": 5000}, 500))
}

func TestRebalanceValidation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	var vErr *models.ValidationError

	err := e.Rebalance(ctx, map[string]int64{"noble-usdc": 5000}, "manual")
	assert.ErrorAs(t, err, &vErr, "sum != 10000")

	err = e.Rebalance(ctx, map[string]int64{"noble-usdc": 6000, "aave-usdc": 4000}, "manual")
	assert.ErrorAs(t, err, &vErr, "weight above cap")

	err = e.Rebalance(ctx, map[string]int64{"ghost": 10000}, "manual")
	assert.ErrorAs(t, err, &vErr, "unknown strategy")
}

func TestRebalanceCooldown(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }

	allocations := map[string]int64{"noble-usdc": 4000, "aave-usdc": 4000, "resolv-usr": 2000}
	require.NoError(t, e.Rebalance(ctx, allocations, "manual"))
	assert.Equal(t, int64(4000), store.weights["noble-usdc"])
	assert.Len(t, store.records, 1)

	// Second attempt inside the cooldown window is rejected.
	err := e.Rebalance(ctx, map[string]int64{"noble-usdc": 3000, "aave-usdc": 4000, "resolv-usr": 3000}, "manual")
	assert.ErrorIs(t, err, models.ErrRebalanceCooldownActive)

	// After the cooldown it goes through.
	e.now = func() time.Time { return base.Add(61 * time.Minute) }
	require.NoError(t, e.Rebalance(ctx, map[string]int64{"noble-usdc": 3000, "aave-usdc": 4000, "resolv-usr": 3000}, "manual"))
	assert.Equal(t, int64(3000), store.weights["noble-usdc"])
}

func TestRebalanceClearsOmittedStrategies(t *testing.T) {
	r := NewRegistry(5)
	require.NoError(t, r.Register(Strategy{ID: "a", RiskScore: 1, CapBp: 6000, Active: true}))
	require.NoError(t, r.Register(Strategy{ID: "b", RiskScore: 2, CapBp: 6000, Active: true}))
	require.NoError(t, r.Register(Strategy{ID: "c", RiskScore: 3, CapBp: 6000, Active: true}))

	store := newMemAllocationStore()
	e := NewEngine(r, store, testExecutor(), newMemQuoteCache(), time.Hour, 500)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }
	require.NoError(t, e.Rebalance(ctx, map[string]int64{"a": 4000, "b": 3000, "c": 3000}, "manual"))

	// The next allocation drops c entirely; its persisted weight must go to
	// zero, not linger at 3000.
	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, e.Rebalance(ctx, map[string]int64{"a": 6000, "b": 4000}, "manual"))

	assert.Zero(t, store.weights["c"])
	var sum int64
	for _, w := range store.weights {
		sum += w
	}
	assert.Equal(t, int64(10000), sum)

	// A restarted engine restores from the store and must not see more than
	// 100% allocated.
	restored := NewEngine(r, store, testExecutor(), newMemQuoteCache(), time.Hour, 500)
	require.NoError(t, restored.Restore(ctx))

	sum = 0
	for _, w := range restored.CurrentWeights() {
		sum += w
	}
	assert.Equal(t, int64(10000), sum)
	assert.Zero(t, restored.CurrentWeights()["c"])
}

type blockingAllocationStore struct {
	*memAllocationStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAllocationStore) ReplaceWeights(ctx context.Context, weights map[string]int64) error {
	b.entered <- struct{}{}
	<-b.release
	return b.memAllocationStore.ReplaceWeights(ctx, weights)
}

func TestConcurrentRebalanceSingleWinner(t *testing.T) {
	store := &blockingAllocationStore{
		memAllocationStore: newMemAllocationStore(),
		entered:            make(chan struct{}, 1),
		release:            make(chan struct{}),
	}
	e := NewEngine(testRegistry(t), store, testExecutor(), newMemQuoteCache(), time.Hour, 500)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Rebalance(ctx, map[string]int64{"noble-usdc": 4000, "aave-usdc": 4000, "resolv-usr": 2000}, "manual")
	}()
	<-store.entered

	// The first rebalance is mid-commit; a second attempt must already see
	// the cooldown claimed.
	err := e.Rebalance(ctx, map[string]int64{"noble-usdc": 3000, "aave-usdc": 4000, "resolv-usr": 3000}, "manual")
	assert.ErrorIs(t, err, models.ErrRebalanceCooldownActive)

	close(store.release)
	require.NoError(t, <-errCh)
	assert.Len(t, store.records, 1)
	assert.Equal(t, int64(4000), store.weights["noble-usdc"])
}

type failingAllocationStore struct {
	*memAllocationStore
	fail bool
}

func (f *failingAllocationStore) ReplaceWeights(ctx context.Context, weights map[string]int64) error {
	if f.fail {
		return errors.New("db down")
	}
	return f.memAllocationStore.ReplaceWeights(ctx, weights)
}

func TestRebalanceStoreFailureReleasesCooldown(t *testing.T) {
	store := &failingAllocationStore{memAllocationStore: newMemAllocationStore(), fail: true}
	e := NewEngine(testRegistry(t), store, testExecutor(), newMemQuoteCache(), time.Hour, 500)
	ctx := context.Background()

	alloc := map[string]int64{"noble-usdc": 4000, "aave-usdc": 4000, "resolv-usr": 2000}
	err := e.Rebalance(ctx, alloc, "manual")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrRebalanceCooldownActive)

	// A failed commit must not consume the cooldown window.
	store.fail = false
	require.NoError(t, e.Rebalance(ctx, alloc, "manual"))
}

func TestWeightedAPY(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.BindSource("noble-usdc", protocols.NewSimulatedYieldSource("noble", decimal.NewFromFloat(0.04), 0))
	e.BindSource("aave-usdc", protocols.NewSimulatedYieldSource("aave", decimal.NewFromFloat(0.05), 0))
	e.BindSource("resolv-usr", protocols.NewSimulatedYieldSource("resolv", decimal.NewFromFloat(0.08), 0))

	e.now = func() time.Time { return time.Now() }
	require.NoError(t, e.Rebalance(ctx, map[string]int64{"noble-usdc": 4000, "aave-usdc": 4000, "resolv-usr": 2000}, "manual"))

	apy := e.WeightedAPY(ctx)
	// 0.4×4% + 0.4×5% + 0.2×8% = 5.2%
	expected := decimal.NewFromFloat(0.052)
	assert.True(t, apy.Sub(expected).Abs().LessThan(decimal.NewFromFloat(0.0001)),
		"weighted APY %s should be about %s", apy, expected)
}

func TestHarvestAllPartialFailure(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	healthy := protocols.NewSimulatedYieldSource("noble", decimal.NewFromFloat(0.04), 0)
	broken := protocols.NewSimulatedYieldSource("aave", decimal.NewFromFloat(0.05), 1.0)
	e.BindSource("noble-usdc", healthy)
	e.BindSource("aave-usdc", broken)

	results := e.HarvestAll(ctx)
	require.Len(t, results, 2)

	byID := make(map[string]HarvestResult)
	for _, r := range results {
		byID[r.StrategyID] = r
	}
	assert.Empty(t, byID["noble-usdc"].Error)
	assert.NotEmpty(t, byID["aave-usdc"].Error, "one strategy failing must not block the others")
}
