package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LiveCallState mirrors one in-flight call into Redis so the operator
// dashboard can watch progress without touching Postgres. Best-effort: the
// runtime works identically without Redis.
type LiveCallState struct {
	CallID         string    `json:"call_id"`
	LeadID         string    `json:"lead_id,omitempty"`
	FromNumber     string    `json:"from_number"`
	ToNumber       string    `json:"to_number"`
	Status         string    `json:"status"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Outcome        string    `json:"outcome,omitempty"`
}

// LiveTranscriptEntry is one mirrored transcript line.
type LiveTranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	liveCallKeyPrefix       = "dialer:call:"
	liveTranscriptKeyPrefix = "dialer:transcript:"
	liveCallTTL             = 24 * time.Hour

	LiveStatusDialing = "dialing"
	LiveStatusActive  = "active"
	LiveStatusEnded   = "ended"
)

// LiveStore keeps live call state in Redis with a rolling TTL.
type LiveStore struct {
	rdb *redis.Client
}

// NewLiveStore wraps a Redis client. A nil client yields a nil store,
// which every method tolerates.
func NewLiveStore(rdb *redis.Client) *LiveStore {
	if rdb == nil {
		return nil
	}
	return &LiveStore{rdb: rdb}
}

func liveCallKey(callID string) string       { return liveCallKeyPrefix + callID }
func liveTranscriptKey(callID string) string { return liveTranscriptKeyPrefix + callID }

// SaveState persists or updates live call state.
func (s *LiveStore) SaveState(ctx context.Context, state *LiveCallState) error {
	if s == nil {
		return nil
	}
	if state == nil || state.CallID == "" {
		return fmt.Errorf("recorder: live state: call_id required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("recorder: live state: marshal: %w", err)
	}
	return s.rdb.Set(ctx, liveCallKey(state.CallID), data, liveCallTTL).Err()
}

// GetState retrieves live call state; nil when absent.
func (s *LiveStore) GetState(ctx context.Context, callID string) (*LiveCallState, error) {
	if s == nil {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, liveCallKey(callID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("recorder: live state: get: %w", err)
	}
	var state LiveCallState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("recorder: live state: unmarshal: %w", err)
	}
	return &state, nil
}

// AppendTranscript adds one mirrored transcript line and bumps activity.
func (s *LiveStore) AppendTranscript(ctx context.Context, callID string, entry LiveTranscriptEntry) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("recorder: live transcript: marshal: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, liveTranscriptKey(callID), data)
	pipe.Expire(ctx, liveTranscriptKey(callID), liveCallTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetTranscript returns the mirrored transcript in order.
func (s *LiveStore) GetTranscript(ctx context.Context, callID string) ([]LiveTranscriptEntry, error) {
	if s == nil {
		return nil, nil
	}
	data, err := s.rdb.LRange(ctx, liveTranscriptKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("recorder: live transcript: get: %w", err)
	}
	entries := make([]LiveTranscriptEntry, 0, len(data))
	for _, d := range data {
		var entry LiveTranscriptEntry
		if err := json.Unmarshal([]byte(d), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// EndCall marks the mirrored call ended with its outcome.
func (s *LiveStore) EndCall(ctx context.Context, callID, outcome string) error {
	if s == nil {
		return nil
	}
	state, err := s.GetState(ctx, callID)
	if err != nil || state == nil {
		return err
	}
	state.Status = LiveStatusEnded
	state.Outcome = outcome
	state.LastActivityAt = time.Now().UTC()
	return s.SaveState(ctx, state)
}
