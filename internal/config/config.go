package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const minInactivityTimeout = 5 * time.Second

// Config contains all runtime settings for the widget session service.
type Config struct {
	BindAddr                 string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	ShutdownTimeout          time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	SessionInactivityTimeout time.Duration `envconfig:"APP_SESSION_INACTIVITY_TIMEOUT" default:"2m"`
	MetricsNamespace         string        `envconfig:"APP_METRICS_NAMESPACE" default:"askdesk"`
	AllowAnyOrigin           bool          `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`

	// Speech inference endpoints (transcription + synthesis). Empty base URL
	// selects the mock provider.
	SpeechBaseURL string `envconfig:"SPEECH_BASE_URL" default:""`
	SpeechAPIKey  string `envconfig:"SPEECH_API_KEY" default:""`

	// Knowledge-grounded answer service.
	AnswerBaseURL string `envconfig:"ANSWER_BASE_URL" default:""`
	AnswerAPIKey  string `envconfig:"ANSWER_API_KEY" default:""`

	// Lead registration service (authoritative question quota).
	LeadBaseURL string `envconfig:"LEAD_BASE_URL" default:""`
	LeadAPIKey  string `envconfig:"LEAD_API_KEY" default:""`

	DefaultVoiceID string        `envconfig:"DEFAULT_VOICE_ID" default:"amber"`
	SpeakDelay     time.Duration `envconfig:"SPEAK_DELAY" default:"400ms"`

	PlaybackChunkBytes    int           `envconfig:"PLAYBACK_CHUNK_BYTES" default:"32768"`
	PlaybackChunkInterval time.Duration `envconfig:"PLAYBACK_CHUNK_INTERVAL" default:"40ms"`
	MaxRecordingBytes     int           `envconfig:"MAX_RECORDING_BYTES" default:"10485760"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
}

// Load reads a .env file when present, then environment variables, and
// validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from environment variables only, without
// touching any .env file. Useful for containerized deployments and tests.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < minInactivityTimeout {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least %s", minInactivityTimeout)
	}
	if c.PlaybackChunkBytes <= 0 {
		return fmt.Errorf("PLAYBACK_CHUNK_BYTES must be positive")
	}
	if c.PlaybackChunkInterval <= 0 {
		return fmt.Errorf("PLAYBACK_CHUNK_INTERVAL must be positive")
	}
	if c.MaxRecordingBytes <= 0 {
		return fmt.Errorf("MAX_RECORDING_BYTES must be positive")
	}
	if c.SpeakDelay < 0 {
		return fmt.Errorf("SPEAK_DELAY must not be negative")
	}
	return nil
}
