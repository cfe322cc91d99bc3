package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/recorder"
)

// ErrConversationNotFound is returned when a call id matches nothing.
var ErrConversationNotFound = errors.New("storage: conversation not found")

// ConversationRepository persists finalised conversations. It implements
// recorder.Store.
type ConversationRepository struct {
	db DB
}

// NewConversationRepository initialises the repo.
func NewConversationRepository(db DB) *ConversationRepository {
	if db == nil {
		panic("storage: db required")
	}
	return &ConversationRepository{db: db}
}

// UpsertConversation writes the record keyed on call id; a repeat write
// overwrites the stored outcome, cost and transcript columns.
func (r *ConversationRepository) UpsertConversation(ctx context.Context, conv recorder.Conversation) error {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("storage: marshal messages: %w", err)
	}
	breakdown, err := json.Marshal(conv.CostBreakdown)
	if err != nil {
		return fmt.Errorf("storage: marshal cost breakdown: %w", err)
	}

	query := `INSERT INTO conversations
			(call_id, from_number, to_number, started_at, ended_at, duration_seconds, status, hangup_cause, total_cost, cost_breakdown, messages, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, now())
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			status = EXCLUDED.status,
			hangup_cause = EXCLUDED.hangup_cause,
			total_cost = EXCLUDED.total_cost,
			cost_breakdown = EXCLUDED.cost_breakdown,
			messages = EXCLUDED.messages,
			updated_at = now()`
	if _, err := r.db.Exec(ctx, query,
		conv.CallID,
		conv.FromNumber,
		conv.ToNumber,
		conv.StartedAt,
		conv.EndedAt,
		conv.DurationSeconds,
		string(conv.Status),
		conv.HangupCause,
		conv.CostTotal,
		breakdown,
		messages,
	); err != nil {
		return fmt.Errorf("storage: upsert conversation: %w", err)
	}
	return nil
}

// ConversationFilter narrows listing results.
type ConversationFilter struct {
	// Filter is one of all, with_responses, completed.
	Filter string
	// Duration is one of "", 0-15, 16-30, 30-60, 60+ (seconds).
	Duration string
}

func durationBounds(d string) (min, max int, ok bool) {
	switch d {
	case "0-15":
		return 0, 15, true
	case "16-30":
		return 16, 30, true
	case "30-60":
		return 30, 60, true
	case "60+":
		return 60, 1 << 30, true
	default:
		return 0, 0, false
	}
}

// List pages finalised conversations newest-first with a total count.
func (r *ConversationRepository) List(ctx context.Context, filter ConversationFilter, page, limit int) ([]recorder.Conversation, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	where := `WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	switch filter.Filter {
	case "with_responses":
		where += ` AND messages @> '[{"speaker":"Lead"}]'::jsonb`
	case "completed":
		where += ` AND status = ` + arg("completed")
	}
	if min, max, ok := durationBounds(filter.Duration); ok {
		where += ` AND duration_seconds >= ` + arg(min) + ` AND duration_seconds <= ` + arg(max)
	}

	query := `SELECT call_id, from_number, to_number, started_at, ended_at, duration_seconds, status, coalesce(hangup_cause, ''), total_cost, cost_breakdown, messages, count(*) OVER() AS total
		FROM conversations ` + where + `
		ORDER BY started_at DESC NULLS LAST
		LIMIT ` + arg(limit) + ` OFFSET ` + arg((page-1)*limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []recorder.Conversation
	total := 0
	for rows.Next() {
		conv, t, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		total = t
		convs = append(convs, conv)
	}
	return convs, total, rows.Err()
}

// Get fetches one conversation.
func (r *ConversationRepository) Get(ctx context.Context, callID string) (*recorder.Conversation, error) {
	query := `SELECT call_id, from_number, to_number, started_at, ended_at, duration_seconds, status, coalesce(hangup_cause, ''), total_cost, cost_breakdown, messages, 0
		FROM conversations WHERE call_id = $1`
	rows, err := r.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("storage: select conversation: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: select conversation: %w", err)
		}
		return nil, ErrConversationNotFound
	}
	conv, _, err := scanConversation(rows)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteAll wipes the conversation table.
func (r *ConversationRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM conversations`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanConversation(rows pgx.Rows) (recorder.Conversation, int, error) {
	var conv recorder.Conversation
	var status string
	var breakdown, messages []byte
	var total int
	if err := rows.Scan(
		&conv.CallID,
		&conv.FromNumber,
		&conv.ToNumber,
		&conv.StartedAt,
		&conv.EndedAt,
		&conv.DurationSeconds,
		&status,
		&conv.HangupCause,
		&conv.CostTotal,
		&breakdown,
		&messages,
		&total,
	); err != nil {
		return conv, 0, fmt.Errorf("storage: scan conversation: %w", err)
	}
	conv.Status = recorder.Status(status)
	if len(breakdown) > 0 {
		var b costs.Breakdown
		if err := json.Unmarshal(breakdown, &b); err == nil {
			conv.CostBreakdown = b
		}
	}
	if len(messages) > 0 {
		var msgs []recorder.RecordedMessage
		if err := json.Unmarshal(messages, &msgs); err == nil {
			conv.Messages = msgs
		}
	}
	return conv, total, nil
}
