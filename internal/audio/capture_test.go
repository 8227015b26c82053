package audio

import (
	"bytes"
	"context"
	"testing"
)

func TestChunkBytesFor(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		ms      int
		want    int
		wantErr bool
	}{
		{"16k mono 100ms", Format{SampleRate: 16000, Channels: 1}, 100, 3200, false},
		{"44.1k stereo 100ms", Format{SampleRate: 44100, Channels: 2}, 100, 17640, false},
		{"default chunk", Format{SampleRate: 16000, Channels: 1}, 0, 3200, false},
		{"odd rate keeps whole frames", Format{SampleRate: 11025, Channels: 2}, 10, 440, false},
		{"too small", Format{SampleRate: 10, Channels: 1}, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChunkBytesFor(tt.format, tt.ms)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCapture_Run(t *testing.T) {
	// two full chunks, then a partial one with a dangling byte
	input := bytes.Repeat([]byte{1}, 4+4+3)
	c := NewCapture(bytes.NewReader(input), 4)

	var sizes []int
	if err := c.Run(context.Background(), func(b []byte) { sizes = append(sizes, len(b)) }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []int{4, 4, 2}
	if len(sizes) != len(expected) {
		t.Fatalf("Expected chunks %v, got %v", expected, sizes)
	}
	for i := range expected {
		if sizes[i] != expected[i] {
			t.Errorf("Expected chunk %d to be %d bytes, got %d", i, expected[i], sizes[i])
		}
	}
}

func TestCapture_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	c := NewCapture(bytes.NewReader(make([]byte, 64)), 4)
	if err := c.Run(ctx, func([]byte) { calls++ }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no chunks after cancel, got %d", calls)
	}
}
