package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	dropped := rb.Write([]byte{1, 2, 3, 4, 5})
	if dropped != 0 {
		t.Errorf("Expected no dropped bytes, got %d", dropped)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	rb.Write([]byte{6, 7, 8})
	if rb.Available() != 8 {
		t.Errorf("Expected available 8, got %d", rb.Available())
	}
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3, 4})
	dropped := rb.Write([]byte{5, 6, 7})
	if dropped != 2 {
		t.Errorf("Expected 2 dropped bytes, got %d", dropped)
	}

	got := rb.Drain()
	if !bytes.Equal(got, []byte{3, 4, 5, 6, 7}) {
		t.Errorf("Expected newest bytes [3 4 5 6 7], got %v", got)
	}
	if rb.Available() != 0 {
		t.Errorf("Expected empty buffer after Drain, got %d", rb.Available())
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte{1})

	dropped := rb.Write([]byte{2, 3, 4, 5, 6, 7})
	if dropped != 3 {
		t.Errorf("Expected 3 dropped bytes, got %d", dropped)
	}
	if got := rb.Drain(); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("Expected [4 5 6 7], got %v", got)
	}
}

func TestRingBuffer_ReadWrapAround(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte{1, 2, 3})

	out := make([]byte, 2)
	if n := rb.Read(out); n != 2 || !bytes.Equal(out, []byte{1, 2}) {
		t.Errorf("Expected to read [1 2], got %v (%d)", out[:n], n)
	}

	rb.Write([]byte{4, 5, 6, 7})
	out = make([]byte, 10)
	n := rb.Read(out)
	if !bytes.Equal(out[:n], []byte{3, 4, 5, 6, 7}) {
		t.Errorf("Expected [3 4 5 6 7], got %v", out[:n])
	}
}

func TestRingBuffer_Reset(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte{1, 2, 3})
	rb.Reset()

	if rb.Available() != 0 {
		t.Errorf("Expected available 0 after reset, got %d", rb.Available())
	}
	if rb.Drain() != nil {
		t.Error("Expected nil drain from empty buffer")
	}
}
