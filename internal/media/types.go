package media

import (
	"context"
	"io"
)

// TranscriptEvent is one recognition result from the transcription stream.
// Partial results are surfaced but the dialogue path only consumes finals.
type TranscriptEvent struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// STTStream is one provider transcription session, scoped to a single
// call. A failed stream is not reconnected; the media pipeline for that
// call fails instead.
type STTStream interface {
	Start(ctx context.Context) error
	Send(audio []byte) error
	Events() <-chan TranscriptEvent
	Errors() <-chan error
	Close() error
}

// Synthesizer turns text into an MP3 audio stream. The reader's first byte
// marks the provider's time-to-first-audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Transcoder converts synthesised MP3 audio into carrier µ-law 8 kHz. The
// conversion itself is an external concern; the pipeline only consumes
// this interface.
type Transcoder interface {
	MP3ToMulaw(ctx context.Context, mp3 io.Reader) ([]byte, error)
}

// FrameWriter delivers one outbound µ-law frame to the carrier media
// socket.
type FrameWriter interface {
	WriteFrame(payload []byte) error
}
