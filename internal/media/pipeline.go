package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/audio"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

const (
	// sttChunkBytes batches decoded PCM into the cadence the
	// transcription provider expects.
	sttChunkBytes = 1600
	// outboundFrameBytes is one 20 ms µ-law payload.
	outboundFrameBytes = 160
	// defaultFrameInterval paces outbound frames roughly in real time.
	defaultFrameInterval = 20 * time.Millisecond

	utteranceQueueDepth = 8
)

// Pipeline is the per-call duplex media path: carrier frames in, transcript
// events out; reply text in, paced µ-law frames back to the carrier. One
// pipeline serves exactly one call and dies with it.
type Pipeline struct {
	callID string

	ctx    context.Context
	cancel context.CancelFunc

	stt        STTStream
	tts        Synthesizer
	transcoder Transcoder
	isActive   func(callID string) bool
	logger     *logging.Logger

	frameInterval time.Duration

	onTTSSeconds func(seconds float64)
	onSTTSeconds func(seconds float64)

	chunkMu sync.Mutex
	chunker *audio.Chunker

	writer   atomic.Value // FrameWriter
	sttReady atomic.Bool

	// utterances is a single-writer serialised queue: only one utterance
	// is ever in flight.
	utterances chan string
	pending    atomic.Int64

	errs      chan error
	closeOnce sync.Once
}

// PipelineConfig wires one call's media path.
type PipelineConfig struct {
	CallID     string
	STT        STTStream
	TTS        Synthesizer
	Transcoder Transcoder
	// IsCallActive gates outbound speech: utterances for inactive calls
	// are discarded silently.
	IsCallActive func(callID string) bool
	Logger       *logging.Logger
	// FrameInterval overrides outbound pacing (tests shorten it).
	FrameInterval time.Duration
	// OnTTSSeconds and OnSTTSeconds feed the cost ledger.
	OnTTSSeconds func(seconds float64)
	OnSTTSeconds func(seconds float64)
}

// NewPipeline builds an unstarted pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	return &Pipeline{
		callID:        cfg.CallID,
		stt:           cfg.STT,
		tts:           cfg.TTS,
		transcoder:    cfg.Transcoder,
		isActive:      cfg.IsCallActive,
		logger:        logger,
		frameInterval: interval,
		onTTSSeconds:  cfg.OnTTSSeconds,
		onSTTSeconds:  cfg.OnSTTSeconds,
		chunker:       audio.NewChunker(sttChunkBytes),
		utterances:    make(chan string, utteranceQueueDepth),
		errs:          make(chan error, 1),
	}
}

// Start opens the transcription session and launches the outbound worker.
// The pipeline lives under the given root context and exits within one
// suspension point of its cancellation.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.stt.Start(p.ctx); err != nil {
		p.cancel()
		return fmt.Errorf("media: start transcription: %w", err)
	}
	p.sttReady.Store(true)

	go p.watchSTT()
	go p.outboundLoop()
	return nil
}

func (p *Pipeline) watchSTT() {
	select {
	case err := <-p.stt.Errors():
		if err != nil {
			p.fail(err)
		}
	case <-p.ctx.Done():
	}
}

// AttachWriter binds the carrier media socket once the stream connects.
func (p *Pipeline) AttachWriter(w FrameWriter) {
	p.writer.Store(w)
}

// HandleInboundFrame ingests one µ-law payload from the carrier. Frames
// arriving before the transcription session is ready are dropped silently.
func (p *Pipeline) HandleInboundFrame(mulaw []byte) {
	if !p.sttReady.Load() || p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	pcm := audio.MulawToPCM16k(mulaw)

	p.chunkMu.Lock()
	chunks := p.chunker.Push(pcm)
	p.chunkMu.Unlock()

	for _, chunk := range chunks {
		if err := p.stt.Send(chunk); err != nil {
			p.fail(err)
			return
		}
		if p.onSTTSeconds != nil {
			// 16 kHz, 16-bit mono: 32000 bytes per second.
			p.onSTTSeconds(float64(len(chunk)) / 32000.0)
		}
	}
}

// Transcripts exposes the transcription result stream.
func (p *Pipeline) Transcripts() <-chan TranscriptEvent {
	return p.stt.Events()
}

// Errors reports the first fatal pipeline fault.
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// Say queues one utterance for synthesis and playback. Utterances are
// spoken strictly in order, one at a time.
func (p *Pipeline) Say(text string) error {
	if p.ctx == nil || p.ctx.Err() != nil {
		return fmt.Errorf("media: pipeline closed")
	}
	p.pending.Add(1)
	select {
	case p.utterances <- text:
		return nil
	default:
		p.pending.Add(-1)
		return fmt.Errorf("media: utterance queue full")
	}
}

// Idle reports whether no utterance is queued or in flight.
func (p *Pipeline) Idle() bool {
	return p.pending.Load() == 0
}

// WaitIdle blocks until the outbound task drains or the timeout elapses.
// The conversation recorder uses it so accepted utterances make the
// transcript.
func (p *Pipeline) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Idle() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return p.Idle()
}

func (p *Pipeline) outboundLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case text := <-p.utterances:
			p.speak(text)
			p.pending.Add(-1)
		}
	}
}

// speak synthesises and streams one utterance. The active-call predicate
// is checked before starting synthesis and again between synthesis
// completion and the first outbound frame, so a hangup mid-request
// discards the utterance without error.
func (p *Pipeline) speak(text string) {
	if p.callEnded() {
		return
	}

	body, err := p.tts.Synthesize(p.ctx, text)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.fail(fmt.Errorf("media: synthesis failed: %w", err))
		return
	}
	defer body.Close()

	mulaw, err := p.transcoder.MP3ToMulaw(p.ctx, body)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.fail(fmt.Errorf("media: transcode failed: %w", err))
		return
	}

	if p.callEnded() {
		return
	}

	if p.onTTSSeconds != nil {
		p.onTTSSeconds(float64(len(mulaw)) / 8000.0)
	}

	ticker := time.NewTicker(p.frameInterval)
	defer ticker.Stop()
	for off := 0; off < len(mulaw); off += outboundFrameBytes {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		end := off + outboundFrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		w, _ := p.writer.Load().(FrameWriter)
		if w == nil {
			// Stream not attached (or torn down): nothing to play into.
			return
		}
		if err := w.WriteFrame(mulaw[off:end]); err != nil {
			if p.ctx.Err() == nil {
				p.fail(fmt.Errorf("media: write outbound frame: %w", err))
			}
			return
		}
	}
}

func (p *Pipeline) callEnded() bool {
	if p.ctx.Err() != nil {
		return true
	}
	return p.isActive != nil && !p.isActive(p.callID)
}

func (p *Pipeline) fail(err error) {
	select {
	case p.errs <- err:
	default:
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// Close tears the pipeline down: the root context is cancelled and the
// transcription session finished. Idempotent.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.stt.Close()
	})
}
