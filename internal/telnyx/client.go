package telnyx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

const (
	defaultBaseURL    = "https://api.telnyx.com/v2"
	callAPITimeout    = 15 * time.Second
	numberCacheTTL    = 5 * time.Minute
	maxSignatureSkew  = 5 * time.Minute
	maxErrorBodyBytes = 1 << 20
)

// Client is a stateless façade over the Telnyx Call Control REST API.
type Client struct {
	apiKey        string
	connectionID  string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        *logging.Logger

	numMu        sync.Mutex
	cachedNums   []string
	numFetchedAt time.Time
}

// Config configures the carrier client.
type Config struct {
	// APIKey is the Telnyx API key (Bearer token).
	APIKey string
	// ConnectionID is the Call Control application/connection id used for
	// outbound origination.
	ConnectionID string
	// WebhookSecret signs inbound webhooks; empty disables verification.
	WebhookSecret string
	// BaseURL overrides the Telnyx API base URL (for testing).
	BaseURL string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// New creates a carrier client for call origination and call control.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("telnyx: API key required")
	}
	if strings.TrimSpace(cfg.ConnectionID) == "" {
		return nil, fmt.Errorf("telnyx: connection ID required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callAPITimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		apiKey:        cfg.APIKey,
		connectionID:  cfg.ConnectionID,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// CreateCallRequest carries the parameters for originating a call.
type CreateCallRequest struct {
	To          string
	From        string
	ClientState string
	// StreamURL, when set, asks the carrier to open a bidirectional media
	// WebSocket to this URL as soon as the call is answered.
	StreamURL string
}

type createCallBody struct {
	To                        string `json:"to"`
	From                      string `json:"from"`
	ConnectionID              string `json:"connection_id"`
	ClientState               string `json:"client_state,omitempty"`
	StreamURL                 string `json:"stream_url,omitempty"`
	StreamTrack               string `json:"stream_track,omitempty"`
	StreamBidirectionalMode   string `json:"stream_bidirectional_mode,omitempty"`
	StreamBidirectionalCodec  string `json:"stream_bidirectional_codec,omitempty"`
	AnsweringMachineDetection string `json:"answering_machine_detection,omitempty"`
	TimeoutSecs               int    `json:"timeout_secs,omitempty"`
}

type callData struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	IsAlive       bool   `json:"is_alive"`
}

// CreateCall originates an outbound call and returns the call control id.
// Failures are typed: use IsChannelLimit / IsInvalidNumber on the error.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (string, error) {
	to := telephony.NormalizeE164(req.To)
	from := telephony.NormalizeE164(req.From)
	if to == "" || from == "" {
		return "", fmt.Errorf("telnyx: from and to phone numbers required")
	}

	body := createCallBody{
		To:                        to,
		From:                      from,
		ConnectionID:              c.connectionID,
		ClientState:               req.ClientState,
		AnsweringMachineDetection: "premium",
		TimeoutSecs:               30,
	}
	if req.StreamURL != "" {
		body.StreamURL = req.StreamURL
		body.StreamTrack = "inbound_track"
		body.StreamBidirectionalMode = "rtp"
		body.StreamBidirectionalCodec = "PCMU"
	}

	c.logger.Info("telnyx: initiating outbound call",
		"from", telephony.MaskPhone(from),
		"to", telephony.MaskPhone(to),
	)

	var data callData
	if err := c.post(ctx, "/calls", body, &data); err != nil {
		return "", err
	}
	if data.CallControlID == "" {
		return "", fmt.Errorf("telnyx: origination response missing call_control_id")
	}

	c.logger.Info("telnyx: outbound call initiated",
		"call_control_id", data.CallControlID,
		"to", telephony.MaskPhone(to),
	)
	return data.CallControlID, nil
}

// Answer answers an inbound leg. A call that already ended is not an error.
func (c *Client) Answer(ctx context.Context, callControlID string) error {
	err := c.post(ctx, "/calls/"+callControlID+"/actions/answer", struct{}{}, nil)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

// Hangup terminates the call. Idempotent: "call already ended" succeeds.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	err := c.post(ctx, "/calls/"+callControlID+"/actions/hangup", struct{}{}, nil)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

type streamingStartBody struct {
	StreamURL                string `json:"stream_url"`
	StreamTrack              string `json:"stream_track"`
	StreamBidirectionalMode  string `json:"stream_bidirectional_mode"`
	StreamBidirectionalCodec string `json:"stream_bidirectional_codec"`
}

// StartBidirectionalStream asks the carrier to open a duplex media
// WebSocket to wsURL carrying µ-law 8 kHz frames. A call that already
// ended fails gracefully.
func (c *Client) StartBidirectionalStream(ctx context.Context, callControlID, wsURL string) error {
	body := streamingStartBody{
		StreamURL:                wsURL,
		StreamTrack:              "inbound_track",
		StreamBidirectionalMode:  "rtp",
		StreamBidirectionalCodec: "PCMU",
	}
	err := c.post(ctx, "/calls/"+callControlID+"/actions/streaming_start", body, nil)
	if IsCallEnded(err) {
		c.logger.Warn("telnyx: streaming_start on ended call", "call_control_id", callControlID)
		return nil
	}
	return err
}

// StopStream tears down the media stream.
func (c *Client) StopStream(ctx context.Context, callControlID string) error {
	err := c.post(ctx, "/calls/"+callControlID+"/actions/streaming_stop", struct{}{}, nil)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

type transferBody struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// Transfer blind-transfers the call to a third party. Use
// IsUnverifiedNumber / IsCallEnded on the error to drive the fallback
// policy.
func (c *Client) Transfer(ctx context.Context, callControlID, to, fromDID string) error {
	body := transferBody{
		To:   telephony.NormalizeE164(to),
		From: telephony.NormalizeE164(fromDID),
	}
	return c.post(ctx, "/calls/"+callControlID+"/actions/transfer", body, nil)
}

type speakBody struct {
	Payload string `json:"payload"`
	Voice   string `json:"voice"`
	// Language is required by the speak action even for neutral voices.
	Language string `json:"language"`
}

// Speak plays carrier-side TTS into the call. The core media pipeline does
// not use it; it remains for ring-back prompts before streaming starts.
func (c *Client) Speak(ctx context.Context, callControlID, text, voice string) error {
	if voice == "" {
		voice = "female"
	}
	body := speakBody{Payload: text, Voice: voice, Language: "en-US"}
	err := c.post(ctx, "/calls/"+callControlID+"/actions/speak", body, nil)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

type phoneNumbersResponse struct {
	Data []struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"data"`
}

// ListPurchasedNumbers returns the account's phone numbers, cached for five
// minutes.
func (c *Client) ListPurchasedNumbers(ctx context.Context) ([]string, error) {
	c.numMu.Lock()
	if len(c.cachedNums) > 0 && time.Since(c.numFetchedAt) < numberCacheTTL {
		nums := append([]string(nil), c.cachedNums...)
		c.numMu.Unlock()
		return nums, nil
	}
	c.numMu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/phone_numbers?page[size]=250", nil)
	if err != nil {
		return nil, fmt.Errorf("telnyx: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("telnyx: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("telnyx: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}

	var parsed phoneNumbersResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("telnyx: decode response: %w", err)
	}
	nums := make([]string, 0, len(parsed.Data))
	for _, n := range parsed.Data {
		if n.PhoneNumber != "" {
			nums = append(nums, n.PhoneNumber)
		}
	}

	c.numMu.Lock()
	c.cachedNums = nums
	c.numFetchedAt = time.Now()
	c.numMu.Unlock()
	return append([]string(nil), nums...), nil
}

// VerifyWebhookSignature validates a Telnyx webhook signature header pair.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("telnyx: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("telnyx: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("telnyx: invalid signature timestamp: %w", err)
	}
	sentAt := time.Unix(sec, 0)
	if diff := time.Since(sentAt); diff > maxSignatureSkew || diff < -maxSignatureSkew {
		return fmt.Errorf("telnyx: signature timestamp skew %s exceeds limit", diff)
	}
	unsigned := ts + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(unsigned))
	expected := hex.EncodeToString(mac.Sum(nil))
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("telnyx: missing signature header")
	}
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return errors.New("telnyx: signature mismatch")
	}
	return nil
}

type apiResponseEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telnyx: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telnyx: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telnyx: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("telnyx: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, respBody)
		c.logger.Error("telnyx: API error",
			"path", path,
			"status", resp.StatusCode,
			"error", apiErr,
		)
		return apiErr
	}

	if out != nil {
		var envelope apiResponseEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("telnyx: decode response: %w", err)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("telnyx: decode response data: %w", err)
		}
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		apiErr.Code = envelope.Errors[0].Code
		apiErr.Title = envelope.Errors[0].Title
		apiErr.Detail = envelope.Errors[0].Detail
	} else {
		apiErr.Title = strings.TrimSpace(string(body))
	}
	return apiErr
}
