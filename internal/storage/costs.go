package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
)

// CostRepository persists finalised per-call costs. It implements
// costs.Store.
type CostRepository struct {
	db DB
}

// NewCostRepository initialises the repo.
func NewCostRepository(db DB) *CostRepository {
	if db == nil {
		panic("storage: db required")
	}
	return &CostRepository{db: db}
}

// UpsertCost writes the cost row keyed on call id.
func (r *CostRepository) UpsertCost(ctx context.Context, callID string, b costs.Breakdown) error {
	breakdown, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage: marshal breakdown: %w", err)
	}
	query := `INSERT INTO costs (call_id, total, llm_calls, transferred, breakdown, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (call_id) DO UPDATE SET
			total = EXCLUDED.total,
			llm_calls = EXCLUDED.llm_calls,
			transferred = EXCLUDED.transferred,
			breakdown = EXCLUDED.breakdown,
			updated_at = now()`
	if _, err := r.db.Exec(ctx, query, callID, b.Total, b.LLMCalls, b.Transferred, breakdown); err != nil {
		return fmt.Errorf("storage: upsert cost: %w", err)
	}
	return nil
}

// GetBreakdown loads one cost row's breakdown.
func (r *CostRepository) GetBreakdown(ctx context.Context, callID string) (*costs.Breakdown, error) {
	var raw []byte
	if err := r.db.QueryRow(ctx, `SELECT breakdown FROM costs WHERE call_id = $1`, callID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("storage: select cost: %w", err)
	}
	var b costs.Breakdown
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("storage: unmarshal breakdown: %w", err)
	}
	return &b, nil
}
