package dialer

import (
	"sync"

	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
)

// PhoneRegistry is the process-wide set of phone numbers currently being
// dialled. It enforces at most one concurrent outbound attempt per
// recipient. Keys are digits-only normalised numbers.
type PhoneRegistry struct {
	mu      sync.Mutex
	byPhone map[string]string
}

// NewPhoneRegistry builds an empty registry.
func NewPhoneRegistry() *PhoneRegistry {
	return &PhoneRegistry{byPhone: make(map[string]string)}
}

// registryKey maps any formatting of a number to its digits-only E.164 form.
func registryKey(phone string) string {
	return telephony.Digits(telephony.NormalizeE164(phone))
}

// TryReserve atomically claims a phone for dialling. When the phone is
// already claimed it returns ok=false and the call id holding it (empty if
// the claim predates origination).
func (r *PhoneRegistry) TryReserve(phone string) (ok bool, existingCallID string) {
	key := registryKey(phone)
	if key == "" {
		return false, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.byPhone[key]; taken {
		return false, existing
	}
	r.byPhone[key] = ""
	return true, ""
}

// Bind associates the carrier call id with an existing reservation.
func (r *PhoneRegistry) Bind(phone, callID string) {
	key := registryKey(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byPhone[key]; taken {
		r.byPhone[key] = callID
	}
}

// Lookup returns the call id dialling the phone, if any.
func (r *PhoneRegistry) Lookup(phone string) (callID string, dialling bool) {
	key := registryKey(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	callID, dialling = r.byPhone[key]
	return callID, dialling
}

// Release frees the phone. Idempotent: releasing an unreserved phone is a
// no-op, so every dispatcher exit path can call it unconditionally.
func (r *PhoneRegistry) Release(phone string) {
	key := registryKey(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPhone, key)
}

// Len reports how many phones are reserved.
func (r *PhoneRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPhone)
}
