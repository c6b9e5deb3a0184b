package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "VOXSTREAM_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables that are already set keep their value.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

type binding struct {
	key   string
	apply func(c *Config, value string) error
}

var bindings = []binding{
	{"ADDRESS", func(c *Config, v string) error { c.Server.Address = v; return nil }},
	{"PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"SHUTDOWN_TIMEOUT", func(c *Config, v string) error { return setInt(&c.Server.ShutdownTimeout, v) }},
	{"CORS_ORIGINS", func(c *Config, v string) error { c.CORS.AllowedOrigins = splitList(v); return nil }},
	{"SCRATCH_DIR", func(c *Config, v string) error { c.Upload.ScratchDir = v; return nil }},
	{"MAX_UPLOAD_BYTES", func(c *Config, v string) error { return setInt64(&c.Upload.MaxBytes, v) }},
	{"PACING_MS", func(c *Config, v string) error { return setInt(&c.Stream.PacingMs, v) }},
	{"REQUEST_TIMEOUT", func(c *Config, v string) error { return setInt(&c.Stream.RequestTimeout, v) }},
	{"ENGINE", func(c *Config, v string) error { c.Engine.Backend = strings.ToLower(v); return nil }},
	{"MODEL", func(c *Config, v string) error { c.Engine.Model = v; return nil }},
	{"MODEL_DIR", func(c *Config, v string) error { c.Engine.ModelDir = v; return nil }},
	{"LANGUAGE", func(c *Config, v string) error { c.Engine.Language = v; return nil }},
	{"BEAM_SIZE", func(c *Config, v string) error { return setInt(&c.Engine.BeamSize, v) }},
	{"THREADS", func(c *Config, v string) error { return setInt(&c.Engine.Threads, v) }},
	{"AUTO_DOWNLOAD", func(c *Config, v string) error { return setBool(&c.Engine.AutoDownload, v) }},
	{"WHISPER_PATH", func(c *Config, v string) error { c.Engine.WhisperPath = v; return nil }},
	{"FFMPEG_PATH", func(c *Config, v string) error { c.Engine.FFmpegPath = v; return nil }},
	{"SILENCE_GATE", func(c *Config, v string) error { return setBool(&c.Engine.SilenceGate, v) }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.OpenAI.APIKey = v; return nil }},
	{"OPENAI_BASE_URL", func(c *Config, v string) error { c.OpenAI.BaseURL = v; return nil }},
	{"OPENAI_MODEL", func(c *Config, v string) error { c.OpenAI.Model = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_JSON", func(c *Config, v string) error { return setBool(&c.Logging.JSON, v) }},
}

// ApplyEnv overrides fields from VOXSTREAM_* variables. OPENAI_API_KEY is
// honoured when no prefixed key is set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range bindings {
		value, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}

	if c.OpenAI.APIKey == "" {
		if key, ok := lookup("OPENAI_API_KEY"); ok {
			c.OpenAI.APIKey = strings.TrimSpace(key)
		}
	}

	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", value)
	}
	*dst = b
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
