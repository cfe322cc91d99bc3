package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one decoded carrier webhook, normalised from either the
// enveloped ({"data": {...}}) or flat ({"event_type": ...}) shape.
type Event struct {
	ID            string
	EventType     string
	OccurredAt    time.Time
	CallControlID string
	ClientState   string
	HangupCause   string
	Payload       json.RawMessage
}

// Internal pseudo-events funnelled through the per-call inbox so all
// per-call work stays serialised.
const (
	eventNoResponseTick = "internal.no_response"
)

type eventPayload struct {
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state"`
	HangupCause   string `json:"hangup_cause"`
}

type transcriptionPayload struct {
	CallControlID     string `json:"call_control_id"`
	TranscriptionData struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
		IsFinal    bool    `json:"is_final"`
	} `json:"transcription_data"`
}

type machineDetectionPayload struct {
	CallControlID string `json:"call_control_id"`
	Result        string `json:"result"`
}

// ParseEvent decodes a carrier webhook body.
func ParseEvent(body []byte) (Event, error) {
	// Enveloped format first.
	var wrapper struct {
		Data struct {
			ID         string          `json:"id"`
			EventType  string          `json:"event_type"`
			OccurredAt time.Time       `json:"occurred_at"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Data.EventType != "" {
		return newEvent(wrapper.Data.ID, wrapper.Data.EventType, wrapper.Data.OccurredAt, wrapper.Data.Payload)
	}

	// Flat format.
	var flat struct {
		ID         string          `json:"id"`
		EventType  string          `json:"event_type"`
		OccurredAt time.Time       `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return Event{}, fmt.Errorf("webhook: decode event: %w", err)
	}
	if flat.EventType == "" {
		return Event{}, fmt.Errorf("webhook: event_type missing")
	}
	return newEvent(flat.ID, flat.EventType, flat.OccurredAt, flat.Payload)
}

func newEvent(id, eventType string, occurredAt time.Time, payload json.RawMessage) (Event, error) {
	evt := Event{
		ID:         id,
		EventType:  eventType,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
	if len(payload) > 0 {
		var p eventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("webhook: decode payload: %w", err)
		}
		evt.CallControlID = p.CallControlID
		evt.ClientState = p.ClientState
		evt.HangupCause = p.HangupCause
	}
	return evt, nil
}
