// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers" validate:"required,min=1,dive"`
	Playback  PlaybackConfig   `yaml:"playback"`
	Audio     AudioConfig      `yaml:"audio"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig represents the websocket gateway configuration.
type ServerConfig struct {
	Addr string `yaml:"addr" default:":8090"`
}

// ProviderConfig represents a single music provider configuration.
type ProviderConfig struct {
	Type     string         `yaml:"type" validate:"required"`
	Settings map[string]any `yaml:"settings"`
}

// PlaybackConfig represents transport behavior configuration.
type PlaybackConfig struct {
	ResolveTimeoutMs int `yaml:"resolve_timeout_ms" default:"10000" validate:"gte=1000,lte=120000"`
	LookupTimeoutMs  int `yaml:"lookup_timeout_ms" default:"10000" validate:"gte=1000,lte=120000"`
	AutoSkipLimit    int `yaml:"auto_skip_limit" default:"3" validate:"gte=1,lte=10"`
	PositionUpdateMs int `yaml:"position_update_ms" default:"1000" validate:"gte=100,lte=10000"`
	InitialVolume    int `yaml:"initial_volume" default:"50" validate:"gte=0,lte=100"`
}

// ResolveTimeout returns the bound on a single stream resolution.
func (c PlaybackConfig) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutMs) * time.Millisecond
}

// LookupTimeout returns the bound on metadata and browse calls.
func (c PlaybackConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutMs) * time.Millisecond
}

// PositionUpdateInterval returns the advisory position cadence.
func (c PlaybackConfig) PositionUpdateInterval() time.Duration {
	return time.Duration(c.PositionUpdateMs) * time.Millisecond
}

// AudioConfig represents output device configuration.
type AudioConfig struct {
	FetchTimeoutMs int `yaml:"fetch_timeout_ms" default:"30000" validate:"gte=1000,lte=300000"`
	BufferMs       int `yaml:"buffer_ms" default:"100" validate:"gte=10,lte=2000"`
}

// FetchTimeout returns the bound on fetching one stream.
func (c AudioConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// Buffer returns the speaker buffer length.
func (c AudioConfig) Buffer() time.Duration {
	return time.Duration(c.BufferMs) * time.Millisecond
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Output string `yaml:"output" default:"stdout"`
}

// Load loads configuration from a YAML file. Environment variables
// take precedence over file values for credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides credentials with environment variables so
// they can stay out of the config file.
func (c *Config) overrideFromEnv() {
	overrides := map[string]string{
		"client_id":     os.Getenv("SPOTIFY_CLIENT_ID"),
		"client_secret": os.Getenv("SPOTIFY_CLIENT_SECRET"),
		"refresh_token": os.Getenv("SPOTIFY_REFRESH_TOKEN"),
	}
	for i := range c.Providers {
		if c.Providers[i].Type != "spotify" {
			continue
		}
		if c.Providers[i].Settings == nil {
			c.Providers[i].Settings = make(map[string]any)
		}
		for key, v := range overrides {
			if v != "" {
				c.Providers[i].Settings[key] = v
			}
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}
