package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreKind selects the storage strategy. All strategies implement the
// same store.CanvasStore contract and pass the same conformance suite.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreDynamo   StoreKind = "dynamo"
	StorePostgres StoreKind = "postgres"
)

// RoundMode selects how round identity is established.
// "assigned": rounds are stored and advanced with a conditional write.
// "deterministic": round number is derived from the synchronized clock
// and needs no storage (manual reset is unavailable in this mode).
type RoundMode string

const (
	RoundAssigned      RoundMode = "assigned"
	RoundDeterministic RoundMode = "deterministic"
)

type Config struct {
	Grid struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"grid"`

	Round struct {
		Mode     RoundMode     `yaml:"mode"`
		Duration time.Duration `yaml:"duration"`
		Tick     time.Duration `yaml:"tick"`
	} `yaml:"round"`

	Budgets struct {
		MaxInk    int `yaml:"max_ink"`
		MaxEraser int `yaml:"max_eraser"`
	} `yaml:"budgets"`

	Chat struct {
		MaxLength int           `yaml:"max_length"`
		MinGap    time.Duration `yaml:"min_gap"`
	} `yaml:"chat"`

	Propagation struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"propagation"`

	Batcher struct {
		QuietPeriod time.Duration `yaml:"quiet_period"`
		MaxBatch    int           `yaml:"max_batch"`
	} `yaml:"batcher"`

	Clock struct {
		TimeSourceURL string        `yaml:"time_source_url"`
		OffsetTTL     time.Duration `yaml:"offset_ttl"`
		FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	} `yaml:"clock"`

	Store StoreKind `yaml:"store"`
}

// Every default can be overridden by the YAML file and then by
// environment variables.
func defaultConfig() Config {
	var c Config
	c.Grid.Width = 100
	c.Grid.Height = 100
	c.Round.Mode = RoundAssigned
	c.Round.Duration = 30 * time.Second
	c.Round.Tick = time.Second
	c.Budgets.MaxInk = 50
	c.Budgets.MaxEraser = 10
	c.Chat.MaxLength = 100
	c.Chat.MinGap = 10 * time.Second
	c.Propagation.PollInterval = time.Second
	c.Batcher.QuietPeriod = 50 * time.Millisecond
	c.Batcher.MaxBatch = 25
	c.Clock.TimeSourceURL = ""
	c.Clock.OffsetTTL = 5 * time.Minute
	c.Clock.FetchTimeout = 2 * time.Second
	c.Store = StoreMemory
	return c
}

// Load reads the YAML config at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Grid.Width = getEnvAsInt("GRID_WIDTH", cfg.Grid.Width)
	cfg.Grid.Height = getEnvAsInt("GRID_HEIGHT", cfg.Grid.Height)
	cfg.Round.Mode = RoundMode(getEnv("ROUND_MODE", string(cfg.Round.Mode)))
	cfg.Round.Duration = getEnvAsDuration("ROUND_DURATION", cfg.Round.Duration)
	cfg.Budgets.MaxInk = getEnvAsInt("MAX_INK", cfg.Budgets.MaxInk)
	cfg.Budgets.MaxEraser = getEnvAsInt("MAX_ERASER", cfg.Budgets.MaxEraser)
	cfg.Clock.TimeSourceURL = getEnv("TIME_SOURCE_URL", cfg.Clock.TimeSourceURL)
	cfg.Store = StoreKind(getEnv("STORE", string(cfg.Store)))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		return fmt.Errorf("invalid grid size %dx%d", c.Grid.Width, c.Grid.Height)
	}
	if c.Round.Duration <= 0 {
		return fmt.Errorf("round duration must be positive")
	}
	switch c.Round.Mode {
	case RoundAssigned, RoundDeterministic:
	default:
		return fmt.Errorf("unknown round mode %q", c.Round.Mode)
	}
	switch c.Store {
	case StoreMemory, StoreDynamo, StorePostgres:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
