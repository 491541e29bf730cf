package store

import (
	"context"

	"escrow-service/internal/models"
)

// ListAllocations returns all persisted strategy allocations.
func (s *Store) ListAllocations(ctx context.Context) ([]models.StrategyAllocation, error) {
	var allocations []models.StrategyAllocation
	err := s.db.SelectContext(ctx, &allocations,
		"SELECT * FROM strategy_allocations ORDER BY strategy_id")
	return allocations, err
}

// UpsertAllocation inserts or updates one strategy's allocation row.
func (s *Store) UpsertAllocation(ctx context.Context, a *models.StrategyAllocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_allocations (strategy_id, weight_bp, risk_score, cap_bp, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (strategy_id) DO UPDATE
		SET weight_bp = $2, risk_score = $3, cap_bp = $4, active = $5, updated_at = NOW()`,
		a.StrategyID, a.WeightBp, a.RiskScore, a.CapBp, a.Active)
	return err
}

// ReplaceWeights writes a full set of new weights in one transaction. Every
// row is zeroed first so a strategy omitted from the new allocation does not
// keep a stale nonzero weight; the blanket UPDATE also locks the rows, so a
// concurrent rebalance serializes behind this one.
func (s *Store) ReplaceWeights(ctx context.Context, weights map[string]int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE strategy_allocations SET weight_bp = 0, updated_at = NOW()"); err != nil {
		return err
	}

	for id, weight := range weights {
		if _, err := tx.ExecContext(ctx,
			"UPDATE strategy_allocations SET weight_bp = $1, updated_at = NOW() WHERE strategy_id = $2",
			weight, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertRebalanceRecord appends one rebalance audit row.
func (s *Store) InsertRebalanceRecord(ctx context.Context, r *models.RebalanceRecord) error {
	query := `
		INSERT INTO rebalance_records (allocations, trigger_source)
		VALUES ($1, $2)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query, r.Allocations, r.Trigger).Scan(&r.ID, &r.CreatedAt)
}
