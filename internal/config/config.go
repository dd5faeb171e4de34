package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bot
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"7860"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoint; Twilio connects to wss://<this-host>/streams/twilio.
	PublicURL          string `envconfig:"PUBLIC_URL" default:""`
	CorsAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`

	// Pipeline
	PipelineIdleTimeout int `envconfig:"PIPELINE_IDLE_TIMEOUT" default:"300"` // seconds, 0 disables

	// Uplift TTS configuration
	UpliftAPIKey       string `envconfig:"UPLIFTAI_API_KEY" required:"true"`
	UpliftBaseURL      string `envconfig:"UPLIFT_BASE_URL" default:"https://api.upliftai.org/v1/synthesis/text-to-speech"`
	UpliftVoiceID      string `envconfig:"UPLIFT_VOICE_ID" default:"v_8eelc901"`
	UpliftOutputFormat string `envconfig:"UPLIFT_OUTPUT_FORMAT" default:"WAV_22050_16"`
	UpliftSampleRate   int    `envconfig:"UPLIFT_SAMPLE_RATE" default:"0"` // 0 = taken from the output format
	TTSChunkSize       int    `envconfig:"TTS_CHUNK_SIZE" default:"0"` // bytes per audio frame, 0 = half a second

	// OpenAI LLM configuration
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIModel      string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:""`
	SystemPromptFile string `envconfig:"SYSTEM_PROMPT_FILE" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"ur"`

	// Audio processing configuration
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`     // Ring buffer size in bytes
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // 20ms frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty           bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled      bool   `envconfig:"METRICS_ENABLED" default:"true"`
	UsageMetricsEnabled bool   `envconfig:"METRICS_USAGE_ENABLED" default:"true"`
	TracingEnabled      bool   `envconfig:"TRACING_ENABLED" default:"false"`
	OTLPEndpoint        string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""` // host:port, empty prints spans to stdout
	OTLPInsecure        bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// .env values override the process environment, matching the bot's local dev workflow
	_ = godotenv.Overload()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.UpliftAPIKey == "" {
		return fmt.Errorf("UPLIFTAI_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if err := c.resolveSampleRate(); err != nil {
		return err
	}
	if c.TTSChunkSize < 0 || c.TTSChunkSize%2 != 0 {
		return fmt.Errorf("TTS_CHUNK_SIZE must be a non-negative even number, got %d", c.TTSChunkSize)
	}
	return nil
}

// resolveSampleRate fills an unset UpliftSampleRate from the output format
// and rejects a rate that contradicts the one the format names.
func (c *Config) resolveSampleRate() error {
	if c.UpliftSampleRate < 0 {
		return fmt.Errorf("UPLIFT_SAMPLE_RATE must be positive, got %d", c.UpliftSampleRate)
	}
	formatRate, ok := formatSampleRate(c.UpliftOutputFormat)
	switch {
	case c.UpliftSampleRate == 0 && !ok:
		return fmt.Errorf("UPLIFT_SAMPLE_RATE is required for output format %q", c.UpliftOutputFormat)
	case c.UpliftSampleRate == 0:
		c.UpliftSampleRate = formatRate
	case ok && c.UpliftSampleRate != formatRate:
		return fmt.Errorf("UPLIFT_SAMPLE_RATE %d does not match output format %s", c.UpliftSampleRate, c.UpliftOutputFormat)
	}
	return nil
}

// formatSampleRate reads the rate out of a format name such as ULAW_8000_8
func formatSampleRate(format string) (int, bool) {
	parts := strings.Split(format, "_")
	if len(parts) < 2 {
		return 0, false
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// SystemPrompt returns the contents of SystemPromptFile, or fallback when no file is configured
func (c *Config) SystemPrompt(fallback string) (string, error) {
	if c.SystemPromptFile == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(c.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}
