package audio

import (
	"fmt"
	"math"
)

// Format describes interleaved signed 16-bit little-endian PCM
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Converter turns captured PCM into the mono stream the recognizer expects
type Converter struct {
	in  Format
	out int // output sample rate, always mono
}

// NewConverter creates a converter from the capture format to mono at outputRate
func NewConverter(in Format, outputRate int) (*Converter, error) {
	if in.SampleRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive")
	}
	if in.Channels != 1 && in.Channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", in.Channels)
	}
	return &Converter{in: in, out: outputRate}, nil
}

// Passthrough reports whether Convert leaves audio untouched
func (c *Converter) Passthrough() bool {
	return c.in.Channels == 1 && c.in.SampleRate == c.out
}

// Convert downmixes and resamples one chunk. It returns the encoded bytes and
// the decoded mono samples so callers can run level detection without decoding twice.
func (c *Converter) Convert(pcm []byte) ([]byte, []int16, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, nil, err
	}
	if c.in.Channels == 2 {
		samples = downmixStereo(samples)
	}
	if c.in.SampleRate != c.out {
		samples = resample(samples, c.in.SampleRate, c.out)
	}
	if c.Passthrough() {
		return pcm, samples, nil
	}
	return EncodePCM16(samples), samples, nil
}

// DecodePCM16 converts little-endian bytes to samples
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// EncodePCM16 converts samples to little-endian bytes
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// downmixStereo averages interleaved L/R pairs; a trailing odd sample is dropped
func downmixStereo(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}

// resample performs linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, int(float64(len(samples))*ratio))

	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
