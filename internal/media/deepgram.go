package media

import (
	"context"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// deepgramCallback implements the SDK's LiveMessageCallback interface by
// embedding the default handler and overriding only message and error
// delivery.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
}

func (c *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.onMessage(msg)
	return nil
}

func (c *deepgramCallback) Error(errResp *msginterfaces.ErrorResponse) error {
	c.onError(errResp)
	return nil
}

// DeepgramStream is a per-call streaming transcription session. One
// failure fails the stream for good; the owning pipeline decides what to
// do with the call.
type DeepgramStream struct {
	apiKey string
	model  string
	logger *logging.Logger

	mu     sync.Mutex
	client *listenClient.WSCallback
	closed bool

	events chan TranscriptEvent
	errs   chan error
}

// DeepgramConfig configures a transcription session.
type DeepgramConfig struct {
	APIKey string
	// Model defaults to nova-2.
	Model  string
	Logger *logging.Logger
}

// NewDeepgramStream builds an unstarted transcription session.
func NewDeepgramStream(cfg DeepgramConfig) *DeepgramStream {
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &DeepgramStream{
		apiKey: cfg.APIKey,
		model:  model,
		logger: logger,
		events: make(chan TranscriptEvent, 100),
		errs:   make(chan error, 1),
	}
}

// Start opens the provider WebSocket. The session expects 16-bit linear
// PCM at 16 kHz, the format the inbound task produces from carrier µ-law.
func (d *DeepgramStream) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return fmt.Errorf("media: transcription session already started")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       "en-US",
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onError: func(errResp *msginterfaces.ErrorResponse) {
			d.logger.Error("deepgram stream error", "detail", fmt.Sprintf("%+v", errResp))
			select {
			case d.errs <- fmt.Errorf("media: transcription stream failed: %+v", errResp):
			default:
			}
		},
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("media: create transcription client: %w", err)
	}
	if ok := client.Connect(); !ok {
		return fmt.Errorf("media: transcription connect failed")
	}
	d.client = client
	return nil
}

func (d *DeepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}
		evt := TranscriptEvent{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    msg.IsFinal,
		}
		select {
		case d.events <- evt:
		default:
			d.logger.Warn("transcript channel full, dropping result", "text", alt.Transcript)
		}
	default:
		// Metadata, SpeechStarted, UtteranceEnd: nothing to forward.
	}
}

// Send pushes one audio chunk into the session.
func (d *DeepgramStream) Send(audio []byte) error {
	d.mu.Lock()
	client := d.client
	closed := d.closed
	d.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("media: transcription session not active")
	}
	if _, err := client.Write(audio); err != nil {
		return fmt.Errorf("media: send audio: %w", err)
	}
	return nil
}

// Events returns the recognition result channel.
func (d *DeepgramStream) Events() <-chan TranscriptEvent { return d.events }

// Errors reports the first fatal stream error.
func (d *DeepgramStream) Errors() <-chan error { return d.errs }

// Close finishes the session. Idempotent.
func (d *DeepgramStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.client != nil {
		d.client.Finish()
	}
	return nil
}
