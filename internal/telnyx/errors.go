package telnyx

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a structured failure from the Telnyx REST API. The Code field
// carries the provider error code so callers can drive retry policy by
// matching tags instead of parsing messages.
type APIError struct {
	StatusCode int
	Code       string
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telnyx: API %d (%s): %s", e.StatusCode, e.Code, e.Title)
}

// Provider error codes the dispatcher treats specially.
const (
	codeChannelLimit     = "channel_limit_exceeded"
	codeCallEnded        = "call_has_already_ended"
	codeUnverifiedNumber = "unverified_origination_number"
	codeInvalidNumber    = "invalid_phone_number"
)

// IsChannelLimit reports whether origination was refused because the
// account's concurrent channel limit is exhausted. Never retried.
func IsChannelLimit(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeChannelLimit ||
		strings.Contains(strings.ToLower(apiErr.Title), "channel limit")
}

// IsCallEnded reports whether the carrier rejected an action because the
// call already reached a terminal state. Callers treat this as success.
func IsCallEnded(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeCallEnded ||
		strings.Contains(strings.ToLower(apiErr.Title), "already ended") ||
		strings.Contains(strings.ToLower(apiErr.Detail), "already ended")
}

// IsUnverifiedNumber reports whether the carrier refused because the
// origination number is not verified for the operation. Never retried.
func IsUnverifiedNumber(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeUnverifiedNumber ||
		strings.Contains(strings.ToLower(apiErr.Title), "unverified")
}

// IsInvalidNumber reports whether the destination number was rejected as
// undialable. Never retried.
func IsInvalidNumber(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeInvalidNumber ||
		strings.Contains(strings.ToLower(apiErr.Title), "invalid") &&
			strings.Contains(strings.ToLower(apiErr.Title), "number")
}
