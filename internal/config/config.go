// Package config loads the voice agent configuration: defaults, an optional YAML file,
// a .env file and VOICE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// AllowedOrigins lists the browser origins, besides the server's own host, that may
	// call the API and open the event stream
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

type PipelineConfig struct {
	URL              string `yaml:"url"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

// ConnectTimeout returns the acknowledgement bound; zero means unbounded
func (p PipelineConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

type AudioConfig struct {
	Enabled            bool `yaml:"enabled"`
	CaptureSampleRate  int  `yaml:"capture_sample_rate"`
	TargetSampleRate   int  `yaml:"target_sample_rate"`
	PlaybackSampleRate int  `yaml:"playback_sample_rate"`
	FrameSize          int  `yaml:"frame_size"`
}

type DiagnosticsConfig struct {
	Capacity int `yaml:"capacity"`
}

type AuthConfig struct {
	ControlSecret string `yaml:"control_secret"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Servers          []string `yaml:"servers"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	Token            string   `yaml:"token"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

type TelemetryConfig struct {
	LogLevel string `yaml:"log_level"`
}

type Config struct {
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Audio       AudioConfig       `yaml:"audio"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Auth        AuthConfig        `yaml:"auth"`
	Bus         BusConfig         `yaml:"bus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Pipeline: PipelineConfig{
			URL:              "ws://localhost:3001/voice",
			ConnectTimeoutMS: 15000,
		},
		Audio: AudioConfig{
			Enabled:            true,
			CaptureSampleRate:  48000,
			TargetSampleRate:   16000,
			PlaybackSampleRate: 24000,
			FrameSize:          4096,
		},
		Diagnostics: DiagnosticsConfig{
			Capacity: 20,
		},
		Bus: BusConfig{
			Enabled:          false,
			Servers:          []string{"nats://localhost:4222"},
			SubjectPrefix:    "voice.session",
			ConnectTimeoutMS: 2000,
		},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
		},
	}
}

// Load builds the configuration. path names an optional YAML file and envFile an optional
// .env file; a missing .env file is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		// variables already set in the environment win over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "VOICE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Pipeline.URL, "VOICE_PIPELINE_URL")
	overrideInt(&cfg.Pipeline.ConnectTimeoutMS, "VOICE_PIPELINE_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Audio.Enabled, "VOICE_AUDIO_ENABLED")
	overrideInt(&cfg.Audio.CaptureSampleRate, "VOICE_AUDIO_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TargetSampleRate, "VOICE_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.PlaybackSampleRate, "VOICE_AUDIO_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "VOICE_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Diagnostics.Capacity, "VOICE_DIAGNOSTICS_CAPACITY")
	overrideString(&cfg.Auth.ControlSecret, "VOICE_AUTH_CONTROL_SECRET")
	overrideBool(&cfg.Bus.Enabled, "VOICE_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.SubjectPrefix, "VOICE_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Token, "VOICE_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeoutMS, "VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICE_TELEMETRY_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	for _, origin := range cfg.HTTP.AllowedOrigins {
		if origin == "*" {
			return errors.New("http.allowed_origins must list explicit origins")
		}
	}
	if cfg.Pipeline.URL == "" {
		return errors.New("pipeline.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Pipeline.URL, "ws://") && !strings.HasPrefix(cfg.Pipeline.URL, "wss://") {
		return errors.New("pipeline.url must use ws:// or wss://")
	}
	if cfg.Pipeline.ConnectTimeoutMS < 0 {
		return errors.New("pipeline.connect_timeout_ms must be >= 0")
	}
	if cfg.Audio.CaptureSampleRate <= 0 || cfg.Audio.TargetSampleRate <= 0 || cfg.Audio.PlaybackSampleRate <= 0 {
		return errors.New("audio sample rates must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Diagnostics.Capacity <= 0 {
		return errors.New("diagnostics.capacity must be positive")
	}
	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty when the bus is enabled")
		}
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	return nil
}
