package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	ttsRequestTimeout        = 30 * time.Second
)

// ElevenLabsClient synthesises speech via the ElevenLabs streaming HTTP
// API. Responses are MP3; the pipeline's transcoder converts them to
// carrier µ-law.
type ElevenLabsClient struct {
	apiKey     string
	voiceID    string
	modelID    string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ElevenLabsConfig configures the synthesiser.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	// ModelID defaults to eleven_turbo_v2.
	ModelID string
	// BaseURL overrides the API base URL (for testing).
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// NewElevenLabsClient creates a synthesiser client.
func NewElevenLabsClient(cfg ElevenLabsConfig) (*ElevenLabsClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("media: elevenlabs API key required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("media: elevenlabs voice ID required")
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_turbo_v2"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultElevenLabsBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: ttsRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &ElevenLabsClient{
		apiKey:     cfg.APIKey,
		voiceID:    cfg.VoiceID,
		modelID:    modelID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type elevenLabsRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings elevenLabsSettings `json:"voice_settings"`
}

type elevenLabsSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize streams MP3 audio for the given text. The caller owns the
// returned reader and must close it.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("media: empty text for synthesis")
	}

	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: elevenLabsSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("media: marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?optimize_streaming_latency=3", c.baseURL, c.voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("media: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("media: tts request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("media: tts API returned %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
