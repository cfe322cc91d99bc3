package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrCallNotFound is returned when a call id matches nothing.
var ErrCallNotFound = errors.New("storage: call not found")

// CallRepository stores origination rows.
type CallRepository struct {
	db DB
}

// NewCallRepository initialises the repo.
func NewCallRepository(db DB) *CallRepository {
	if db == nil {
		panic("storage: db required")
	}
	return &CallRepository{db: db}
}

// Insert upserts the origination row keyed on call id.
func (r *CallRepository) Insert(ctx context.Context, call TelnyxCall) error {
	query := `INSERT INTO telnyx_calls (call_id, lead_id, from_number, to_number, initiated_at, status)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, 'initiated')
		ON CONFLICT (call_id) DO UPDATE SET
			lead_id = EXCLUDED.lead_id,
			from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number`
	if _, err := r.db.Exec(ctx, query,
		call.CallID, call.LeadID, call.FromNumber, call.ToNumber, call.InitiatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert call: %w", err)
	}
	return nil
}

// MarkWebhookReceived flags webhook arrival and advances the call status.
func (r *CallRepository) MarkWebhookReceived(ctx context.Context, callID, status string) error {
	query := `UPDATE telnyx_calls
		SET webhook_received = TRUE,
		    status = CASE WHEN $2 = '' THEN status ELSE $2 END
		WHERE call_id = $1`
	tag, err := r.db.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("storage: mark webhook received: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

// Get fetches one origination row.
func (r *CallRepository) Get(ctx context.Context, callID string) (*TelnyxCall, error) {
	query := `SELECT call_id, coalesce(lead_id::text, ''), from_number, to_number, initiated_at, webhook_received, status
		FROM telnyx_calls WHERE call_id = $1`
	var call TelnyxCall
	if err := r.db.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.LeadID,
		&call.FromNumber,
		&call.ToNumber,
		&call.InitiatedAt,
		&call.WebhookReceived,
		&call.Status,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("storage: select call: %w", err)
	}
	return &call, nil
}

// CountByLead reports how many originations a lead has had.
func (r *CallRepository) CountByLead(ctx context.Context, leadID string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM telnyx_calls WHERE lead_id = $1::uuid`, leadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count calls: %w", err)
	}
	return n, nil
}
