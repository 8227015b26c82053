package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure so callers can fail fast on it.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the caption relay
type Config struct {
	// Language plan. Device ports are assigned BasePort + index in Languages order.
	SourceLanguage string   `envconfig:"SOURCE_LANGUAGE" default:"en"`
	Languages      []string `envconfig:"LANGUAGES" default:"en,es,fr"`
	LanguageFile   string   `envconfig:"LANGUAGE_FILE" default:""` // Optional YAML catalogue, overrides LANGUAGES
	BindHost       string   `envconfig:"BIND_HOST" default:"0.0.0.0"`
	BasePort       int      `envconfig:"BASE_PORT" default:"9000"`
	CaptionPort    int      `envconfig:"CAPTION_PORT" default:"8765"`      // websocket captions, /health, /ready, /metrics, /languages
	GRPCHealthPort int      `envconfig:"GRPC_HEALTH_PORT" default:"50051"` // 0 disables the gRPC health service

	// Audio input
	AudioInput           string  `envconfig:"AUDIO_INPUT" default:"-"` // "-" reads raw PCM from stdin
	AudioSampleRate      int     `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioChannels        int     `envconfig:"AUDIO_CHANNELS" default:"1"`
	AudioChunkMs         int     `envconfig:"AUDIO_CHUNK_MS" default:"100"`
	RecognizerSampleRate int     `envconfig:"RECOGNIZER_SAMPLE_RATE" default:"16000"`
	VADEnergyThreshold   float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for speech
	VADSilenceFrames     int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Operator commands: console (interactive prompt), stdin (one command per line) or none
	ControlInput string `envconfig:"CONTROL_INPUT" default:"console"`

	// Recognition session
	DeepgramAPIKey         string        `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel          string        `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	StreamMaxDuration      time.Duration `envconfig:"STREAM_MAX_DURATION" default:"290s"`
	StreamSafetyMargin     time.Duration `envconfig:"STREAM_SAFETY_MARGIN" default:"10s"`
	StallTimeout           time.Duration `envconfig:"STALL_TIMEOUT" default:"10s"`
	RolloverDrain          time.Duration `envconfig:"ROLLOVER_DRAIN" default:"1500ms"`
	InputTimeout           time.Duration `envconfig:"INPUT_TIMEOUT" default:"5s"` // warn when no audio arrives
	StreamOpenMaxAttempts  int           `envconfig:"STREAM_OPEN_MAX_ATTEMPTS" default:"5"`
	StreamOpenBackoff      time.Duration `envconfig:"STREAM_OPEN_BACKOFF" default:"500ms"`
	MaxConsecutiveRestarts int           `envconfig:"MAX_CONSECUTIVE_RESTARTS" default:"5"`

	// Translation
	TranslationProvider    string        `envconfig:"TRANSLATION_PROVIDER" default:"google"` // google, openai, stub
	GoogleTranslateAPIKey  string        `envconfig:"GOOGLE_TRANSLATE_API_KEY"`
	GoogleTranslateURL     string        `envconfig:"GOOGLE_TRANSLATE_URL" default:"https://translation.googleapis.com/language/translate/v2"`
	OpenAIAPIKey           string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel            string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL          string        `envconfig:"OPENAI_BASE_URL" default:""`
	TranslationMaxAttempts int           `envconfig:"TRANSLATION_MAX_ATTEMPTS" default:"3"`
	TranslationBackoff     time.Duration `envconfig:"TRANSLATION_BACKOFF" default:"200ms"`
	TranslationTimeout     time.Duration `envconfig:"TRANSLATION_TIMEOUT" default:"5s"`
	TranslationQueueSize   int           `envconfig:"TRANSLATION_QUEUE_SIZE" default:"64"`

	// Optional speech for device channels
	TTSEnabled      bool   `envconfig:"TTS_ENABLED" default:"false"`
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-multilingual"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:""`

	// Subscriber connections
	OutboxSize        int           `envconfig:"OUTBOX_SIZE" default:"64"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	LivenessWindow    time.Duration `envconfig:"LIVENESS_WINDOW" default:"15s"`
	StaleGrace        time.Duration `envconfig:"STALE_GRACE" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics

	// Catalogue entries loaded from LanguageFile, keyed by code
	catalogue map[string]LanguageEntry
}

// LanguageEntry is one record of the optional YAML language catalogue
type LanguageEntry struct {
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	TranslateCode string `yaml:"translate_code"`
	Voice         string `yaml:"voice"`
}

type languageFile struct {
	Languages []LanguageEntry `yaml:"languages"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LanguageFile != "" {
		if err := cfg.loadLanguageFile(cfg.LanguageFile); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadLanguageFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read language file: %w", err)
	}

	var file languageFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: language file %s: %v", ErrInvalidConfig, path, err)
	}
	if len(file.Languages) == 0 {
		return fmt.Errorf("%w: language file %s lists no languages", ErrInvalidConfig, path)
	}

	c.Languages = make([]string, 0, len(file.Languages))
	c.catalogue = make(map[string]LanguageEntry, len(file.Languages))
	for _, entry := range file.Languages {
		code := strings.ToLower(strings.TrimSpace(entry.Code))
		entry.Code = code
		c.Languages = append(c.Languages, code)
		c.catalogue[code] = entry
	}
	return nil
}

func (c *Config) normalize() {
	c.SourceLanguage = strings.ToLower(strings.TrimSpace(c.SourceLanguage))
	codes := make([]string, 0, len(c.Languages))
	for _, code := range c.Languages {
		code = strings.ToLower(strings.TrimSpace(code))
		if code != "" {
			codes = append(codes, code)
		}
	}
	c.Languages = codes
	c.TranslationProvider = strings.ToLower(c.TranslationProvider)
	c.ControlInput = strings.ToLower(strings.TrimSpace(c.ControlInput))
}

// Validate checks the loaded configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if len(c.Languages) == 0 {
		return fmt.Errorf("%w: LANGUAGES must list at least one language", ErrInvalidConfig)
	}
	if err := ValidateLanguageCode(c.SourceLanguage); err != nil {
		return fmt.Errorf("%w: SOURCE_LANGUAGE: %v", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.Languages))
	for _, code := range c.Languages {
		if err := ValidateLanguageCode(code); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[code] {
			return fmt.Errorf("%w: duplicate language %q", ErrInvalidConfig, code)
		}
		seen[code] = true
	}

	if err := c.validatePorts(); err != nil {
		return err
	}

	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("%w: DEEPGRAM_API_KEY is required", ErrInvalidConfig)
	}
	switch c.TranslationProvider {
	case "google":
		if c.GoogleTranslateAPIKey == "" {
			return fmt.Errorf("%w: GOOGLE_TRANSLATE_API_KEY is required for the google provider", ErrInvalidConfig)
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is required for the openai provider", ErrInvalidConfig)
		}
	case "stub":
	default:
		return fmt.Errorf("%w: unknown TRANSLATION_PROVIDER %q", ErrInvalidConfig, c.TranslationProvider)
	}
	switch c.ControlInput {
	case "console", "none":
	case "stdin":
		if c.AudioInput == "" || c.AudioInput == "-" {
			return fmt.Errorf("%w: CONTROL_INPUT=stdin needs AUDIO_INPUT to name a file", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown CONTROL_INPUT %q", ErrInvalidConfig, c.ControlInput)
	}
	if c.TTSEnabled && c.CartesiaAPIKey == "" {
		return fmt.Errorf("%w: CARTESIA_API_KEY is required when TTS_ENABLED", ErrInvalidConfig)
	}

	if c.StreamMaxDuration <= 0 || c.StreamSafetyMargin < 0 || c.StreamSafetyMargin >= c.StreamMaxDuration {
		return fmt.Errorf("%w: STREAM_SAFETY_MARGIN must be smaller than STREAM_MAX_DURATION", ErrInvalidConfig)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("%w: STALL_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.OutboxSize <= 0 || c.TranslationQueueSize <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	}
	if c.TranslationMaxAttempts < 1 || c.StreamOpenMaxAttempts < 1 {
		return fmt.Errorf("%w: attempt limits must be at least 1", ErrInvalidConfig)
	}
	if c.AudioChannels < 1 || c.AudioChannels > 2 {
		return fmt.Errorf("%w: AUDIO_CHANNELS must be 1 or 2", ErrInvalidConfig)
	}
	if c.AudioSampleRate <= 0 || c.RecognizerSampleRate <= 0 {
		return fmt.Errorf("%w: sample rates must be positive", ErrInvalidConfig)
	}
	if c.LivenessWindow <= c.HeartbeatInterval {
		return fmt.Errorf("%w: LIVENESS_WINDOW must exceed HEARTBEAT_INTERVAL", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validatePorts() error {
	used := map[int]string{c.CaptionPort: "CAPTION_PORT"}
	if c.GRPCHealthPort != 0 {
		if owner, ok := used[c.GRPCHealthPort]; ok {
			return fmt.Errorf("%w: GRPC_HEALTH_PORT collides with %s", ErrInvalidConfig, owner)
		}
		used[c.GRPCHealthPort] = "GRPC_HEALTH_PORT"
	}
	for i, code := range c.Languages {
		port := c.BasePort + i
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: port %d for %q is out of range", ErrInvalidConfig, port, code)
		}
		if owner, ok := used[port]; ok {
			return fmt.Errorf("%w: port %d for %q collides with %s", ErrInvalidConfig, port, code, owner)
		}
		used[port] = code
	}
	return nil
}
