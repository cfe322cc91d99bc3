package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TransferRepository persists successful blind transfers.
type TransferRepository struct {
	db DB
}

// NewTransferRepository initialises the repo.
func NewTransferRepository(db DB) *TransferRepository {
	if db == nil {
		panic("storage: db required")
	}
	return &TransferRepository{db: db}
}

// Insert stores one transfer keyed on call id; a repeat for the same call
// id is ignored.
func (r *TransferRepository) Insert(ctx context.Context, rec TransferRecord) error {
	query := `INSERT INTO transferred_calls (call_id, lead_id, lead_name, lead_phone, from_number, to_number, transferred_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, query,
		rec.CallID, rec.LeadID, rec.LeadName, rec.LeadPhone,
		rec.FromNumber, rec.ToNumber, rec.TransferredAt,
	); err != nil {
		return fmt.Errorf("storage: insert transfer: %w", err)
	}
	return nil
}

// List returns all transfers newest-first.
func (r *TransferRepository) List(ctx context.Context) ([]TransferRecord, error) {
	query := `SELECT call_id, coalesce(lead_id::text, ''), lead_name, lead_phone, from_number, to_number, transferred_at
		FROM transferred_calls ORDER BY transferred_at DESC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list transfers: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

// DeleteAll clears the transfer table.
func (r *TransferRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM transferred_calls`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete transfers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectTransfers(rows pgx.Rows) ([]TransferRecord, error) {
	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		if err := rows.Scan(
			&rec.CallID,
			&rec.LeadID,
			&rec.LeadName,
			&rec.LeadPhone,
			&rec.FromNumber,
			&rec.ToNumber,
			&rec.TransferredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan transfer: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
