package telnyx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// LeadSnapshot is the slice of lead data carried through client_state so a
// webhook can be associated with the dialled lead before any other state
// exists.
type LeadSnapshot struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Address   string `json:"address,omitempty"`
}

// ClientState is the opaque blob set on origination and echoed back on
// every webhook for the call.
type ClientState struct {
	Lead       LeadSnapshot `json:"lead"`
	FromDID    string       `json:"from_did"`
	Timestamp  time.Time    `json:"timestamp"`
	IsTransfer bool         `json:"is_transfer,omitempty"`
}

// Encode serialises the state as base64 JSON, the format Telnyx requires
// for client_state.
func (s ClientState) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("telnyx: marshal client state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeClientState reverses Encode. An empty input yields a zero state
// without error so webhook handling stays tolerant of missing blobs.
func DecodeClientState(encoded string) (ClientState, error) {
	var state ClientState
	if encoded == "" {
		return state, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return state, fmt.Errorf("telnyx: decode client state: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("telnyx: unmarshal client state: %w", err)
	}
	return state, nil
}
