// Package config loads the chat server configuration.
//
// Values are layered, later sources winning: built-in defaults, a YAML file,
// a .env file, then the process environment. Command-line flags are applied
// by the binary on top of the result before Validate is called.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Addr             string        `yaml:"addr" env:"CHAT_ADDR" validate:"required,hostname_port"`
	SSHAddr          string        `yaml:"ssh_addr" env:"CHAT_SSH_ADDR" validate:"omitempty,hostname_port"`
	SSHHostKey       string        `yaml:"ssh_host_key" env:"CHAT_SSH_HOST_KEY"`
	WSAddr           string        `yaml:"ws_addr" env:"CHAT_WS_ADDR" validate:"omitempty,hostname_port"`
	WSAllowedOrigins string        `yaml:"ws_allowed_origins" env:"CHAT_WS_ALLOWED_ORIGINS"`
	MaxSessions      int           `yaml:"max_sessions" env:"CHAT_MAX_SESSIONS" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"CHAT_WRITE_TIMEOUT" validate:"gte=0"`
	MaxLineBytes     int           `yaml:"max_line_bytes" env:"CHAT_MAX_LINE_BYTES" validate:"gte=256"`
	MetricsInterval  time.Duration `yaml:"metrics_interval" env:"CHAT_METRICS_INTERVAL" validate:"gte=0"`
	LogLevel         string        `yaml:"log_level" env:"CHAT_LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFormat        string        `yaml:"log_format" env:"CHAT_LOG_FORMAT" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:         "localhost:8080",
		SSHHostKey:   "configs/ssh_host_ed25519",
		WriteTimeout: 10 * time.Second,
		MaxLineBytes: 64 * 1024,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load layers the YAML file at path and the .env file at envFile over the
// defaults, then applies the process environment. Either path may be empty.
// A missing .env file is not an error; a missing YAML file is.
//
// Variables from the .env file never replace variables already set in the
// environment. The result is not validated.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Validate reports the first invalid field, named by its YAML key.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() == "" {
			return fmt.Errorf("config: %s: failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %s: failed %q %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("config: %w", err)
}

// AllowedOrigins splits WSAllowedOrigins on commas. An empty result means
// any origin is accepted.
func (c Config) AllowedOrigins() []string {
	parts := lo.Map(strings.Split(c.WSAllowedOrigins, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Compact(parts)
}
