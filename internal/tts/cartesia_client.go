package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
)

const (
	cartesiaURL     = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion = "2024-06-10"

	// FormatPCM16 is the only format requested from Cartesia
	FormatPCM16 = "pcm_s16le"
	// SampleRate of synthesized audio
	SampleRate = 24000
)

// ErrEmptyAudio is returned when the provider answered without audio
var ErrEmptyAudio = errors.New("synthesizer returned no audio")

// CartesiaClient implements Synthesizer using Cartesia's bytes endpoint
type CartesiaClient struct {
	apiKey       string
	apiURL       string
	modelID      string
	defaultVoice string
	httpClient   *http.Client
	logger       zerolog.Logger
}

// CartesiaOption customizes a CartesiaClient
type CartesiaOption func(*CartesiaClient)

// WithCartesiaURL overrides the endpoint
func WithCartesiaURL(url string) CartesiaOption {
	return func(c *CartesiaClient) { c.apiURL = url }
}

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) CartesiaOption {
	return func(c *CartesiaClient) { c.httpClient = hc }
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaRequest is the request payload for the bytes endpoint
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	Language     string               `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

// NewCartesiaClient creates a Cartesia synthesizer
func NewCartesiaClient(apiKey, modelID, defaultVoice string, opts ...CartesiaOption) *CartesiaClient {
	c := &CartesiaClient{
		apiKey:       apiKey,
		apiURL:       cartesiaURL,
		modelID:      modelID,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       observability.Component("cartesia"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize renders text as raw 24kHz PCM
func (c *CartesiaClient) Synthesize(ctx context.Context, text, language, voice string) (*Audio, error) {
	if voice == "" {
		voice = c.defaultVoice
	}
	if voice == "" {
		return nil, resilience.NewPermanentError(fmt.Errorf("no voice configured for %s", language))
	}

	start := time.Now()
	audio, err := c.synthesize(ctx, text, language, voice)
	observability.RecordTTS(err == nil, time.Since(start))
	if err != nil {
		c.logger.Warn().Err(err).Str("language", language).Msg("Synthesis failed")
		return nil, err
	}
	c.logger.Debug().Str("language", language).Int("bytes", len(audio.Data)).Msg("Synthesized audio")
	return audio, nil
}

func (c *CartesiaClient) synthesize(ctx context.Context, text, language, voice string) (*Audio, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voice},
		Language:   language,
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   FormatPCM16,
			SampleRate: SampleRate,
		},
	})
	if err != nil {
		return nil, resilience.NewPermanentError(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.NewPermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, resilience.NewPermanentError(err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read audio: %w", err))
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}

	return &Audio{Data: data, Format: FormatPCM16, SampleRate: SampleRate, Channels: 1}, nil
}
