package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the repositories use. pgxmock satisfies
// it for tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Lead is one row of the users table.
type Lead struct {
	ID             string     `json:"id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email,omitempty"`
	Address        string     `json:"address,omitempty"`
	Status         string     `json:"status"`
	AnswerType     *string    `json:"answer_type"`
	CallAttempts   int        `json:"call_attempts"`
	LastCallAt     *time.Time `json:"last_call_at"`
	LastCalledFrom *string    `json:"last_called_from"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TelnyxCall is one origination row, the source of truth that the carrier
// accepted a call.
type TelnyxCall struct {
	CallID          string    `json:"call_id"`
	LeadID          string    `json:"lead_id"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	InitiatedAt     time.Time `json:"initiated_at"`
	WebhookReceived bool      `json:"webhook_received"`
	Status          string    `json:"status"`
}

// TransferRecord is one persisted blind transfer.
type TransferRecord struct {
	CallID        string    `json:"call_id"`
	LeadID        string    `json:"lead_id"`
	LeadName      string    `json:"lead_name"`
	LeadPhone     string    `json:"lead_phone"`
	FromNumber    string    `json:"from_number"`
	ToNumber      string    `json:"to_number"`
	TransferredAt time.Time `json:"transferred_at"`
}
