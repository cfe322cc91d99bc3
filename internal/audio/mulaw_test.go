package audio

import (
	"math"
	"testing"
)

func TestMulawRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000}
	encoded := EncodeMulaw(samples)
	decoded := DecodeMulaw(encoded)

	if len(decoded) != len(samples) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(samples))
	}
	for i := range samples {
		diff := math.Abs(float64(decoded[i]) - float64(samples[i]))
		// µ-law is logarithmic; allow quantisation error proportional to
		// magnitude.
		tolerance := math.Max(64, math.Abs(float64(samples[i]))*0.1)
		if diff > tolerance {
			t.Errorf("sample %d: %d decoded as %d (diff %.0f)", i, samples[i], decoded[i], diff)
		}
	}
}

func TestResampleDoublesLength(t *testing.T) {
	in := make([]int16, 800)
	for i := range in {
		in[i] = int16(i)
	}
	out := Resample(in, 8000, 16000)
	if len(out) != 1600 {
		t.Errorf("expected 1600 samples, got %d", len(out))
	}
	// Interpolated values stay monotonic for a ramp.
	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("non-monotonic at %d: %d < %d", i, out[i], out[i-1])
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Resample(in, 8000, 8000)
	if len(out) != 3 {
		t.Errorf("identity resample changed length: %d", len(out))
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	data := PCM16Bytes(in)
	out, err := PCM16Samples(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: %d != %d", i, out[i], in[i])
		}
	}

	if _, err := PCM16Samples([]byte{1}); err == nil {
		t.Error("odd-length PCM should error")
	}
}

func TestMulawToPCM16kSize(t *testing.T) {
	// 160 µ-law bytes (20 ms at 8 kHz) become 640 PCM bytes (20 ms at
	// 16 kHz, 16-bit).
	in := make([]byte, 160)
	out := MulawToPCM16k(in)
	if len(out) != 640 {
		t.Errorf("expected 640 bytes, got %d", len(out))
	}
}

func TestChunker(t *testing.T) {
	c := NewChunker(100)

	if chunks := c.Push(make([]byte, 60)); len(chunks) != 0 {
		t.Errorf("expected no chunks yet, got %d", len(chunks))
	}
	chunks := c.Push(make([]byte, 150))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if len(ch) != 100 {
			t.Errorf("chunk size %d", len(ch))
		}
	}
	if rest := c.Flush(); len(rest) != 10 {
		t.Errorf("expected 10-byte remainder, got %d", len(rest))
	}
	if rest := c.Flush(); rest != nil {
		t.Errorf("second flush should be empty")
	}
}
