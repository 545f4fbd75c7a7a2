package tts

import (
	"encoding/binary"
	"testing"
)

// pcmFromSamples builds a 16-bit LE mono PCM buffer from int16 samples.
func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestComputeEnvelope_Empty(t *testing.T) {
	if env := ComputeEnvelope(nil, 16000, 1); env != nil {
		t.Errorf("expected nil envelope for empty audio, got %v", env)
	}
	if env := ComputeEnvelope([]byte{0x00}, 16000, 1); env != nil {
		t.Errorf("expected nil envelope for sub-sample audio, got %v", env)
	}
}

func TestComputeEnvelope_InvalidFormat(t *testing.T) {
	pcm := pcmFromSamples([]int16{100, 200})
	if env := ComputeEnvelope(pcm, 0, 1); env != nil {
		t.Errorf("expected nil for zero sample rate, got %v", env)
	}
	if env := ComputeEnvelope(pcm, 16000, 0); env != nil {
		t.Errorf("expected nil for zero channels, got %v", env)
	}
}

func TestComputeEnvelope_PeakPerWindow(t *testing.T) {
	// 1000 Hz sample rate gives a 50-frame window per envelope sample.
	samples := make([]int16, 100)
	samples[10] = 16384  // first window peak: 0.5
	samples[70] = -32768 // second window peak: 1.0 (negative amplitude counts)
	pcm := pcmFromSamples(samples)

	env := ComputeEnvelope(pcm, 1000, 1)
	if len(env) != 2 {
		t.Fatalf("expected 2 envelope samples, got %d: %v", len(env), env)
	}
	if env[0] != 0.5 {
		t.Errorf("window 0: want 0.5, got %f", env[0])
	}
	if env[1] != 1.0 {
		t.Errorf("window 1: want 1.0, got %f", env[1])
	}
}

func TestComputeEnvelope_PartialFinalWindow(t *testing.T) {
	// 75 frames at 1000 Hz: one full 50-frame window plus a 25-frame tail.
	samples := make([]int16, 75)
	samples[60] = 8192
	pcm := pcmFromSamples(samples)

	env := ComputeEnvelope(pcm, 1000, 1)
	if len(env) != 2 {
		t.Fatalf("expected 2 envelope samples, got %d", len(env))
	}
	if env[0] != 0 {
		t.Errorf("window 0: want 0, got %f", env[0])
	}
	if env[1] != 0.25 {
		t.Errorf("tail window: want 0.25, got %f", env[1])
	}
}

func TestComputeEnvelope_Stereo(t *testing.T) {
	// Two frames of stereo audio; the right channel carries the peak.
	samples := []int16{0, 16384, 0, 0}
	pcm := pcmFromSamples(samples)

	env := ComputeEnvelope(pcm, 1000, 2)
	if len(env) != 1 {
		t.Fatalf("expected 1 envelope sample, got %d", len(env))
	}
	if env[0] != 0.5 {
		t.Errorf("want 0.5, got %f", env[0])
	}
}
