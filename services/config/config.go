// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the forecast-chat service configuration.
//
// Configuration is layered: compiled defaults, then an optional YAML file,
// then environment variable overrides. The merged result is validated before
// the service starts so a bad deployment fails fast instead of at the first
// request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Backend    BackendConfig  `yaml:"backend"`
	Storage    StorageConfig  `yaml:"storage"`
	Catalog    CatalogConfig  `yaml:"catalog"`
	Convo      ConvoConfig    `yaml:"conversation"`
	Mutation   MutationConfig `yaml:"mutation"`
	Validation ValidateConfig `yaml:"validation"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the REST and WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// Debug enables gin debug mode and request logging.
	Debug bool `yaml:"debug"`
}

// BackendConfig points at the workforce forecast backend.
type BackendConfig struct {
	// BaseURL is the root of the forecast API, e.g. "http://forecast-api:9000".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Timeout is the per-request timeout for backend calls.
	Timeout time.Duration `yaml:"timeout" validate:"min=1s,max=2m"`
}

// StorageConfig controls the BadgerDB used for conversation durability and
// pending mutations.
type StorageConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory runs Badger without disk persistence. Useful for tests and
	// single-node dev setups; conversations do not survive a restart.
	InMemory bool `yaml:"in_memory"`
}

// CatalogConfig controls the filter-options cache.
type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"min=1s"`
}

// ConvoConfig controls conversation context retention.
type ConvoConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"min=1m"`
}

// MutationConfig controls staged-edit previews.
type MutationConfig struct {
	// TTL is how long a previewed change stays confirmable.
	TTL time.Duration `yaml:"ttl" validate:"min=10s,max=1h"`
}

// ValidateConfig tunes filter-value validation thresholds.
//
// HighConfidence and LowConfidence bound the confirm band: scores above high
// auto-correct, scores below low reject, everything between asks the user.
type ValidateConfig struct {
	HighConfidence float64 `yaml:"high_confidence" validate:"gt=0,lte=1"`
	LowConfidence  float64 `yaml:"low_confidence" validate:"gt=0,lte=1"`
	MaxSuggestions int     `yaml:"max_suggestions" validate:"min=1,max=10"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:9000",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Path: "./data/forecast-chat",
		},
		Catalog: CatalogConfig{
			TTL: 5 * time.Minute,
		},
		Convo: ConvoConfig{
			TTL: 24 * time.Hour,
		},
		Mutation: MutationConfig{
			TTL: 10 * time.Minute,
		},
		Validation: ValidateConfig{
			HighConfidence: 0.90,
			LowConfidence:  0.60,
			MaxSuggestions: 5,
		},
	}
}

// Load builds the effective configuration.
//
// Description:
//
//	Starts from Default, overlays the YAML file at path when path is
//	non-empty, then applies environment overrides, then validates. A missing
//	file at an explicitly given path is an error; an empty path skips the
//	file layer entirely.
//
// Environment overrides:
//
//	FORECAST_CHAT_LISTEN_ADDR, FORECAST_CHAT_DEBUG,
//	FORECAST_BACKEND_URL, FORECAST_BACKEND_TIMEOUT,
//	FORECAST_CHAT_DATA_DIR, FORECAST_CHAT_IN_MEMORY,
//	FORECAST_CATALOG_TTL, FORECAST_CONVO_TTL, FORECAST_MUTATION_TTL
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the merged configuration, including cross-field rules the
// struct tags cannot express.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Validation.LowConfidence >= c.Validation.HighConfidence {
		return fmt.Errorf("invalid configuration: low_confidence (%v) must be below high_confidence (%v)",
			c.Validation.LowConfidence, c.Validation.HighConfidence)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("invalid configuration: storage.path is required unless in_memory is set")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FORECAST_CHAT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FORECAST_CHAT_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FORECAST_CHAT_DEBUG: %w", err)
		}
		cfg.Server.Debug = b
	}
	if v := os.Getenv("FORECAST_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("FORECAST_CHAT_DATA_DIR"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FORECAST_CHAT_IN_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FORECAST_CHAT_IN_MEMORY: %w", err)
		}
		cfg.Storage.InMemory = b
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"FORECAST_BACKEND_TIMEOUT", &cfg.Backend.Timeout},
		{"FORECAST_CATALOG_TTL", &cfg.Catalog.TTL},
		{"FORECAST_CONVO_TTL", &cfg.Convo.TTL},
		{"FORECAST_MUTATION_TTL", &cfg.Mutation.TTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}
