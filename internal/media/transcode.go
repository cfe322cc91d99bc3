package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// FFmpegTranscoder shells out to ffmpeg for the MP3 → µ-law 8 kHz
// conversion. The binary is the deployment's external codec dependency;
// tests substitute a fake Transcoder instead.
type FFmpegTranscoder struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

// MP3ToMulaw decodes MP3 input and re-encodes it as headerless µ-law mono
// at 8 kHz, ready to frame onto the carrier socket.
func (t *FFmpegTranscoder) MP3ToMulaw(ctx context.Context, mp3 io.Reader) ([]byte, error) {
	binary := t.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ar", "8000",
		"-ac", "1",
		"-f", "mulaw",
		"pipe:1",
	)
	cmd.Stdin = mp3
	var out bytes.Buffer
	var errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("media: transcode failed: %w: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}
