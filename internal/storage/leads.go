package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
)

// ErrLeadNotFound is returned when a lead id or phone matches nothing.
var ErrLeadNotFound = errors.New("storage: lead not found")

// LeadRepository stores leads in the users table.
type LeadRepository struct {
	db DB
}

// NewLeadRepository initialises a repo backed by the given pool.
func NewLeadRepository(db DB) *LeadRepository {
	if db == nil {
		panic("storage: db required")
	}
	return &LeadRepository{db: db}
}

const leadColumns = `id, first_name, last_name, coalesce(phone, ''), coalesce(email, ''), coalesce(address, ''), status, answer_type, call_attempts, last_call_at, last_called_from, created_at`

func scanLead(row pgx.Row) (*Lead, error) {
	var lead Lead
	if err := row.Scan(
		&lead.ID,
		&lead.FirstName,
		&lead.LastName,
		&lead.Phone,
		&lead.Email,
		&lead.Address,
		&lead.Status,
		&lead.AnswerType,
		&lead.CallAttempts,
		&lead.LastCallAt,
		&lead.LastCalledFrom,
		&lead.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("storage: scan lead: %w", err)
	}
	return &lead, nil
}

// GetByID fetches one lead.
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM users WHERE id = $1`
	return scanLead(r.db.QueryRow(ctx, query, id))
}

// GetByIDs fetches leads for an explicit id set, preserving no particular
// order.
func (r *LeadRepository) GetByIDs(ctx context.Context, ids []string) ([]Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + leadColumns + ` FROM users WHERE id = ANY($1)`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: select leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// ListPending returns leads still waiting for their first call.
func (r *LeadRepository) ListPending(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + leadColumns + ` FROM users
		WHERE status = 'pending' AND phone IS NOT NULL
		ORDER BY created_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// Search lists leads matching a case-insensitive name/phone/email needle,
// paginated with a total count.
func (r *LeadRepository) Search(ctx context.Context, needle string, page, limit int) ([]Lead, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	needle = strings.TrimSpace(needle)
	pattern := "%" + needle + "%"
	digits := "%" + telephony.Digits(needle) + "%"

	query := `SELECT ` + leadColumns + `, count(*) OVER() AS total
		FROM users
		WHERE $1 = ''
			OR first_name ILIKE $2
			OR last_name ILIKE $2
			OR coalesce(email, '') ILIKE $2
			OR ($3 <> '%%' AND regexp_replace(coalesce(phone, ''), '[^0-9]', '', 'g') LIKE $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.db.Query(ctx, query, needle, pattern, digits, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: search leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	total := 0
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(
			&lead.ID,
			&lead.FirstName,
			&lead.LastName,
			&lead.Phone,
			&lead.Email,
			&lead.Address,
			&lead.Status,
			&lead.AnswerType,
			&lead.CallAttempts,
			&lead.LastCallAt,
			&lead.LastCalledFrom,
			&lead.CreatedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan lead: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, total, rows.Err()
}

// PhoneKnown reports whether any lead holds this phone, matched on digits
// only.
func (r *LeadRepository) PhoneKnown(ctx context.Context, phone string) (bool, error) {
	digits := telephony.Digits(phone)
	if digits == "" {
		return false, nil
	}
	query := `SELECT EXISTS (
		SELECT 1 FROM users
		WHERE regexp_replace(coalesce(phone, ''), '[^0-9]', '', 'g') = $1
	)`
	var known bool
	if err := r.db.QueryRow(ctx, query, digits).Scan(&known); err != nil {
		return false, fmt.Errorf("storage: phone lookup: %w", err)
	}
	return known, nil
}

// GetByPhone fetches the lead holding this phone, matched on digits.
func (r *LeadRepository) GetByPhone(ctx context.Context, phone string) (*Lead, error) {
	digits := telephony.Digits(phone)
	if digits == "" {
		return nil, ErrLeadNotFound
	}
	query := `SELECT ` + leadColumns + ` FROM users
		WHERE regexp_replace(coalesce(phone, ''), '[^0-9]', '', 'g') = $1
		LIMIT 1`
	return scanLead(r.db.QueryRow(ctx, query, digits))
}

// MarkCalled flips the lead to called and bumps the attempt counter.
// Invoked only after the carrier confirmed origination.
func (r *LeadRepository) MarkCalled(ctx context.Context, leadID, fromDID string) error {
	query := `UPDATE users
		SET status = 'called',
		    call_attempts = call_attempts + 1,
		    last_call_at = now(),
		    last_called_from = $2,
		    updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, leadID, fromDID)
	if err != nil {
		return fmt.Errorf("storage: mark called: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// UpdateOutcome applies the reconciled terminal status and answer type.
// Empty strings leave the corresponding column untouched.
func (r *LeadRepository) UpdateOutcome(ctx context.Context, leadID, status, answerType string) error {
	query := `UPDATE users
		SET status = CASE WHEN $2 = '' THEN status ELSE $2 END,
		    answer_type = CASE WHEN $3 = '' THEN answer_type ELSE $3 END,
		    updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, leadID, status, answerType)
	if err != nil {
		return fmt.Errorf("storage: update outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func collectLeads(rows pgx.Rows) ([]Lead, error) {
	var leads []Lead
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(
			&lead.ID,
			&lead.FirstName,
			&lead.LastName,
			&lead.Phone,
			&lead.Email,
			&lead.Address,
			&lead.Status,
			&lead.AnswerType,
			&lead.CallAttempts,
			&lead.LastCallAt,
			&lead.LastCalledFrom,
			&lead.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan lead: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}
