package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Capture reads raw PCM from a reader in fixed-duration chunks
type Capture struct {
	reader     io.Reader
	closer     io.Closer
	chunkBytes int
}

// ChunkBytesFor returns the byte size of chunkMs of audio, rounded down to whole frames
func ChunkBytesFor(format Format, chunkMs int) (int, error) {
	if chunkMs <= 0 {
		chunkMs = 100
	}
	chunk := format.BytesPerSecond() * chunkMs / 1000
	frame := format.Channels * 2
	if frame > 0 {
		chunk -= chunk % frame
	}
	if chunk <= 0 {
		return 0, fmt.Errorf("chunk of %dms is too small for %+v", chunkMs, format)
	}
	return chunk, nil
}

// OpenCapture opens path for reading ("-" means stdin)
func OpenCapture(path string, format Format, chunkMs int) (*Capture, error) {
	chunk, err := ChunkBytesFor(format, chunkMs)
	if err != nil {
		return nil, err
	}

	if path == "" || path == "-" {
		return &Capture{reader: os.Stdin, chunkBytes: chunk}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio input: %w", err)
	}
	return &Capture{reader: f, closer: f, chunkBytes: chunk}, nil
}

// NewCapture wraps an already open reader
func NewCapture(r io.Reader, chunkBytes int) *Capture {
	return &Capture{reader: r, chunkBytes: chunkBytes}
}

// ChunkBytes returns the size of each emitted chunk
func (c *Capture) ChunkBytes() int {
	return c.chunkBytes
}

// Run reads chunks and hands each one to emit until the reader ends or ctx is done.
// A clean end of input returns nil.
func (c *Capture) Run(ctx context.Context, emit func([]byte)) error {
	defer c.Close()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		buf := make([]byte, c.chunkBytes)
		n, err := io.ReadFull(c.reader, buf)
		// drop a dangling odd byte
		n -= n % 2
		if n > 0 {
			emit(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("audio capture failed: %w", err)
		}
	}
}

// Close releases the underlying file, if any
func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
