package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	CORS    CORSConfig    `yaml:"cors"`
	Upload  UploadConfig  `yaml:"upload"`
	Stream  StreamConfig  `yaml:"stream"`
	Engine  EngineConfig  `yaml:"engine"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout"` // seconds
	ShutdownTimeout   int    `yaml:"shutdown_timeout"`    // seconds
}

// CORSConfig contains the cross-origin policy
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// UploadConfig contains upload intake limits
type UploadConfig struct {
	Field             string   `yaml:"field"`
	MaxBytes          int64    `yaml:"max_bytes"`
	ScratchDir        string   `yaml:"scratch_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// StreamConfig contains event stream behaviour
type StreamConfig struct {
	PacingMs       int `yaml:"pacing_ms"`       // delay between events, 0 disables
	RequestTimeout int `yaml:"request_timeout"` // seconds, 0 disables
}

// EngineConfig selects and tunes the transcription engine
type EngineConfig struct {
	Backend              string  `yaml:"backend"` // bundled | openai
	Model                string  `yaml:"model"`
	ModelDir             string  `yaml:"model_dir"`
	Language             string  `yaml:"language"`
	BeamSize             int     `yaml:"beam_size"`
	Threads              int     `yaml:"threads"`
	AutoDownload         bool    `yaml:"auto_download"`
	WhisperPath          string  `yaml:"whisper_path"`
	FFmpegPath           string  `yaml:"ffmpeg_path"` // converts containers the engine cannot read
	SilenceGate          bool    `yaml:"silence_gate"`
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"`
}

// OpenAIConfig contains settings for the openai backend
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

const (
	BackendBundled = "bundled"
	BackendOpenAI  = "openai"
)

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 10,
			ShutdownTimeout:   10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		},
		Upload: UploadConfig{
			Field:    "file",
			MaxBytes: 500_000_000,
			AllowedExtensions: []string{
				".wav", ".mp3", ".m4a", ".aac", ".ogg", ".oga", ".opus", ".flac", ".webm", ".mp4", ".mov", ".mkv", ".avi",
			},
		},
		Engine: EngineConfig{
			Backend:              BackendBundled,
			Model:                "tiny",
			Language:             "en",
			BeamSize:             5,
			AutoDownload:         true,
			SilenceGate:          true,
			SilenceThresholdDBFS: -65,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.CORS.Validate(); err != nil {
		return fmt.Errorf("cors config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if c.Engine.Backend == BackendOpenAI {
		if err := c.OpenAI.Validate(); err != nil {
			return fmt.Errorf("openai config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return errors.New("address cannot be empty")
	}

	if s.ReadHeaderTimeout < 1 {
		return fmt.Errorf("read_header_timeout must be at least 1 second, got %d", s.ReadHeaderTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates the cross-origin policy
func (c *CORSConfig) Validate() error {
	if c.AllowCredentials {
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				return errors.New("allow_credentials cannot be combined with wildcard origin")
			}
		}
	}

	return nil
}

// Validate validates upload limits
func (u *UploadConfig) Validate() error {
	if strings.TrimSpace(u.Field) == "" {
		return errors.New("field cannot be empty")
	}

	if u.MaxBytes < 1 {
		return fmt.Errorf("max_bytes must be positive, got %d", u.MaxBytes)
	}

	for _, ext := range u.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("allowed_extensions entries must start with a dot, got %q", ext)
		}
	}

	return nil
}

// Validate validates stream settings
func (s *StreamConfig) Validate() error {
	if s.PacingMs < 0 {
		return fmt.Errorf("pacing_ms cannot be negative, got %d", s.PacingMs)
	}

	if s.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative, got %d", s.RequestTimeout)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Backend {
	case BackendBundled, BackendOpenAI:
	default:
		return fmt.Errorf("backend must be 'bundled' or 'openai', got '%s'", e.Backend)
	}

	if e.BeamSize < 0 {
		return fmt.Errorf("beam_size cannot be negative, got %d", e.BeamSize)
	}

	if e.Threads < 0 {
		return fmt.Errorf("threads cannot be negative, got %d", e.Threads)
	}

	if e.SilenceThresholdDBFS > 0 {
		return fmt.Errorf("silence_threshold_dbfs must not be positive, got %f", e.SilenceThresholdDBFS)
	}

	return nil
}

// Validate validates openai backend configuration
func (o *OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return errors.New("api_key cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	return nil
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// GetReadHeaderTimeoutDuration returns the header read timeout as a time.Duration
func (s *ServerConfig) GetReadHeaderTimeoutDuration() time.Duration {
	return time.Duration(s.ReadHeaderTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown grace period as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetPacingDuration returns the delay between events as a time.Duration
func (s *StreamConfig) GetPacingDuration() time.Duration {
	return time.Duration(s.PacingMs) * time.Millisecond
}

// GetRequestTimeoutDuration returns the per-request deadline as a time.Duration
func (s *StreamConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}
