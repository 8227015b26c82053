package audio

import (
	"bytes"
	"math"
	"testing"
)

func TestDecodeEncodePCM16(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	encoded := EncodePCM16(samples)
	if len(encoded) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(encoded))
	}
	decoded, err := DecodePCM16(encoded)
	if err != nil {
		t.Fatalf("DecodePCM16 failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}

	if _, err := DecodePCM16([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestConverter_Passthrough(t *testing.T) {
	c, err := NewConverter(Format{SampleRate: 16000, Channels: 1}, 16000)
	if err != nil {
		t.Fatalf("NewConverter failed: %v", err)
	}
	if !c.Passthrough() {
		t.Error("Expected passthrough for matching mono format")
	}

	in := EncodePCM16([]int16{100, 200, 300})
	out, samples, err := c.Convert(in)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected passthrough bytes to be unchanged")
	}
	if len(samples) != 3 || samples[1] != 200 {
		t.Errorf("Expected decoded samples, got %v", samples)
	}
}

func TestConverter_StereoDownmix(t *testing.T) {
	c, err := NewConverter(Format{SampleRate: 16000, Channels: 2}, 16000)
	if err != nil {
		t.Fatalf("NewConverter failed: %v", err)
	}

	in := EncodePCM16([]int16{100, 300, -200, -400})
	out, samples, err := c.Convert(in)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(samples) != 2 || samples[0] != 200 || samples[1] != -300 {
		t.Errorf("Expected averaged samples [200 -300], got %v", samples)
	}
	if len(out) != 4 {
		t.Errorf("Expected 4 output bytes, got %d", len(out))
	}
}

func TestConverter_Resample(t *testing.T) {
	c, err := NewConverter(Format{SampleRate: 48000, Channels: 1}, 16000)
	if err != nil {
		t.Fatalf("NewConverter failed: %v", err)
	}

	in := EncodePCM16(make([]int16, 4800)) // 100ms
	_, samples, err := c.Convert(in)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(samples) != 1600 {
		t.Errorf("Expected 1600 samples after 48k->16k, got %d", len(samples))
	}
}

func TestNewConverter_Invalid(t *testing.T) {
	if _, err := NewConverter(Format{SampleRate: 16000, Channels: 6}, 16000); err == nil {
		t.Error("Expected error for 6 channels")
	}
	if _, err := NewConverter(Format{SampleRate: 0, Channels: 1}, 16000); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestCalculateRMS(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{"empty", nil, 0},
		{"constant", []int16{100, 100, 100, 100}, 100},
		{"alternating", []int16{300, -300, 300, -300}, 300},
		{"mixed", []int16{3, 4}, math.Sqrt(12.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateRMS(tt.samples)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestFormat_BytesPerSecond(t *testing.T) {
	if got := (Format{SampleRate: 16000, Channels: 2}).BytesPerSecond(); got != 64000 {
		t.Errorf("Expected 64000, got %d", got)
	}
}
